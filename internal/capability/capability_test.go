package capability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mserrors "mediscope/internal/errors"
)

func TestVisionClientInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Consolidation in the right lower lobe."}}]}`))
	}))
	defer server.Close()

	client := NewVisionClient(server.URL, "test-key", "gpt-4o", server.Client())
	payload, err := client.Invoke(context.Background(), Request{
		Reference: "https://example.com/xray.png",
		Prompt:    "Any signs of pneumonia?",
	})
	require.NoError(t, err)
	assert.Contains(t, payload.Text, "right lower lobe")
	assert.Equal(t, "Any signs of pneumonia?", payload.Data["prompt"])
}

func TestVisionClientMissingReference(t *testing.T) {
	client := NewVisionClient("http://unused", "k", "m", http.DefaultClient)
	_, err := client.Invoke(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, mserrors.IsPermanent(err))
}

func TestVisionClientEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewVisionClient(server.URL, "k", "m", server.Client())
	_, err := client.Invoke(context.Background(), Request{Reference: "https://example.com/a.png"})
	require.Error(t, err)
	assert.True(t, mserrors.IsTransient(err))
}

func TestSpeechClientDownloadsAndTranscribes(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/audio.wav", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("RIFF-fake-audio-bytes"))
	})
	mux.HandleFunc("/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		assert.Equal(t, "patient_audio.wav", header.Filename)
		assert.Equal(t, "whisper-large-v3", r.FormValue("model"))
		_, _ = w.Write([]byte(`{"text":"Patient reports chest pain for two days."}`))
	})
	server := httptest.NewServer(&mux)
	defer server.Close()

	client := NewSpeechClient(server.URL+"/transcriptions", "key", "whisper-large-v3", server.Client())
	payload, err := client.Invoke(context.Background(), Request{Reference: server.URL + "/audio.wav"})
	require.NoError(t, err)
	assert.Equal(t, "Patient reports chest pain for two days.", payload.Text)
	assert.Equal(t, len("RIFF-fake-audio-bytes"), payload.Data["bytes"])
}

func TestSpeechClientDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewSpeechClient(server.URL+"/transcriptions", "key", "", server.Client())
	_, err := client.Invoke(context.Background(), Request{Reference: server.URL + "/missing.wav"})
	require.Error(t, err)
	assert.True(t, mserrors.IsPermanent(err))
}

func TestAcousticClientDominantFinding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2],"scores":{"wheeze":0.81,"crackle":0.12,"normal":0.07}}`))
	}))
	defer server.Close()

	client := NewAcousticClient(server.URL, "key", "heartbeat-v2", server.Client())
	payload, err := client.Invoke(context.Background(), Request{Reference: "https://example.com/lungs.wav"})
	require.NoError(t, err)
	assert.Contains(t, payload.Text, `"wheeze"`)
	assert.Equal(t, 2, payload.Data["embedding_dims"])
}

func TestClassifyClientRanksLabels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"labels":[{"label":"Normal","score":0.08},{"label":"Pneumonia","score":0.83},{"label":"Fracture","score":0.09}]}`))
	}))
	defer server.Close()

	client := NewClassifyClient(server.URL, "key", "siglip", server.Client())
	payload, err := client.Invoke(context.Background(), Request{
		Reference:  "https://example.com/xray.png",
		Candidates: []string{"Normal", "Pneumonia", "Fracture"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Pneumonia", payload.Data["top_label"])
	assert.InDelta(t, 0.83, payload.Data["top_score"].(float64), 1e-9)
}

func TestClassifyClientRepairsMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Trailing comma, the kind of output an LLM proxy produces.
		_, _ = w.Write([]byte(`{"labels":[{"label":"Tumor","score":0.9},]}`))
	}))
	defer server.Close()

	client := NewClassifyClient(server.URL, "key", "siglip", server.Client())
	payload, err := client.Invoke(context.Background(), Request{
		Reference:  "https://example.com/scan.png",
		Candidates: []string{"Tumor", "Normal"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Tumor", payload.Data["top_label"])
}

func TestClassifyClientRequiresCandidates(t *testing.T) {
	client := NewClassifyClient("http://unused", "key", "m", http.DefaultClient)
	_, err := client.Invoke(context.Background(), Request{Reference: "https://example.com/a.png"})
	require.Error(t, err)
	assert.True(t, mserrors.IsPermanent(err))
}

func TestHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		err := mapHTTPError(tc.status, []byte("boom"))
		require.Error(t, err)
		assert.Equal(t, tc.transient, mserrors.IsTransient(err), "status %d", tc.status)
	}
}

func TestHTTPErrorDetailTruncationKeepsValidUTF8(t *testing.T) {
	// Upstream error bodies may be localized; cutting the detail must not
	// leave a broken multibyte sequence in the error text.
	body := []byte(strings.Repeat("リクエストが無効です。", 100))
	err := mapHTTPError(http.StatusInternalServerError, body)
	require.Error(t, err)

	var transientErr *mserrors.TransientError
	require.ErrorAs(t, err, &transientErr)
	assert.True(t, utf8.ValidString(transientErr.Err.Error()))
}

func TestDocumentClientExtractsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Discharge Summary</title><script>ignore()</script></head>
<body><h1>History</h1><p>Admitted with acute dyspnea and productive cough.</p>
<ul><li>Amoxicillin 500mg</li></ul></body></html>`))
	}))
	defer server.Close()

	client := NewDocumentClient("", "", 0, server.Client())
	payload, err := client.Invoke(context.Background(), Request{Reference: server.URL + "/summary.html"})
	require.NoError(t, err)
	assert.Contains(t, payload.Text, "# Discharge Summary")
	assert.Contains(t, payload.Text, "acute dyspnea")
	assert.Contains(t, payload.Text, "- Amoxicillin 500mg")
	assert.NotContains(t, payload.Text, "ignore()")
}

func TestDocumentClientForwardsPDF(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 fake"))
	})
	var extracted atomic.Bool
	mux.HandleFunc("/extract", func(w http.ResponseWriter, r *http.Request) {
		extracted.Store(true)
		_, _ = w.Write([]byte(`{"text":"Radiology report: no acute findings.","pages":2}`))
	})
	server := httptest.NewServer(&mux)
	defer server.Close()

	client := NewDocumentClient(server.URL+"/extract", "key", 0, server.Client())
	payload, err := client.Invoke(context.Background(), Request{Reference: server.URL + "/report.pdf"})
	require.NoError(t, err)
	assert.True(t, extracted.Load())
	assert.Contains(t, payload.Text, "no acute findings")
	assert.Equal(t, 2, payload.Data["pages"])
}

func TestDocumentClientRejectsUnsupportedWithoutBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF"))
	}))
	defer server.Close()

	client := NewDocumentClient("", "", 0, server.Client())
	_, err := client.Invoke(context.Background(), Request{Reference: server.URL + "/x.pdf"})
	require.Error(t, err)
	assert.True(t, mserrors.IsPermanent(err))
}

func TestWebSearchClientFormatsResults(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":"pneumonia treatment","answer":"First-line therapy is amoxicillin.","results":[{"title":"CAP Guidelines","url":"https://example.com/cap","content":"Community acquired pneumonia overview.","score":0.91}]}`))
	})
	server := httptest.NewServer(&mux)
	defer server.Close()

	client := NewWebSearchClient(server.URL+"/search", "tvly-test", 5, 0, server.Client())
	payload, err := client.Invoke(context.Background(), Request{Prompt: "pneumonia treatment"})
	require.NoError(t, err)
	assert.Contains(t, payload.Text, "Summary: First-line therapy is amoxicillin.")
	assert.Contains(t, payload.Text, "1. CAP Guidelines")
	assert.Equal(t, 1, payload.Data["results_count"])
}

func TestWebSearchClientFetchesTopPages(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><p>Empiric antibiotics should start within four hours of admission.</p></body></html>`))
	})
	var server *httptest.Server
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"query":"q","answer":"","results":[{"title":"T","url":"` + server.URL + `/page","content":"snippet","score":0.5}]}`))
	})
	server = httptest.NewServer(&mux)
	defer server.Close()

	client := NewWebSearchClient(server.URL+"/search", "tvly-test", 5, 1, server.Client())
	payload, err := client.Invoke(context.Background(), Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Contains(t, payload.Text, "within four hours")
}

func TestWebSearchClientRequiresAPIKey(t *testing.T) {
	client := NewWebSearchClient("", "", 5, 0, http.DefaultClient)
	_, err := client.Invoke(context.Background(), Request{Prompt: "q"})
	require.Error(t, err)
	assert.True(t, mserrors.IsPermanent(err))
}

type countingClient struct {
	calls   atomic.Int64
	payload *Payload
	err     error
}

func (c *countingClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.payload, nil
}

func TestCachedClientReturnsCachedPayload(t *testing.T) {
	inner := &countingClient{payload: &Payload{Text: "result", Data: map[string]any{"k": "v"}}}
	client := NewCachedClient("vision", inner, CacheConfig{MaxSize: 4, TTL: time.Minute})

	req := Request{Reference: "https://example.com/a.png"}
	first, err := client.Invoke(context.Background(), req)
	require.NoError(t, err)
	second, err := client.Invoke(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1), inner.calls.Load())
	assert.Equal(t, first.Text, second.Text)

	// Cached copies must not alias each other.
	second.Data["k"] = "mutated"
	third, err := client.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "v", third.Data["k"])
}

func TestCachedClientDoesNotCacheErrors(t *testing.T) {
	inner := &countingClient{err: errors.New("boom")}
	client := NewCachedClient("vision", inner, CacheConfig{MaxSize: 4, TTL: time.Minute})

	req := Request{Reference: "ref"}
	_, err := client.Invoke(context.Background(), req)
	require.Error(t, err)
	_, err = client.Invoke(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestCachedClientKeyDistinguishesRequests(t *testing.T) {
	inner := &countingClient{payload: &Payload{Text: "r"}}
	client := NewCachedClient("classify", inner, CacheConfig{MaxSize: 4, TTL: time.Minute})

	_, err := client.Invoke(context.Background(), Request{Reference: "a", Candidates: []string{"x"}})
	require.NoError(t, err)
	_, err = client.Invoke(context.Background(), Request{Reference: "a", Candidates: []string{"y"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}
