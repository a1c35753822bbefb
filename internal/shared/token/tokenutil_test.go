package tokenutil

import (
	"strings"
	"testing"
)

func TestCountTokensEmpty(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty string, got %d", got)
	}
}

func TestCountTokensNonEmpty(t *testing.T) {
	if got := CountTokens("patient presents with acute chest pain"); got == 0 {
		t.Fatal("expected non-zero token count")
	}
}

func TestTruncateShortTextUnchanged(t *testing.T) {
	text := "short finding"
	if got := Truncate(text, 100); got != text {
		t.Fatalf("expected unchanged text, got %q", got)
	}
}

func TestTruncateCapsLongText(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 500)
	got := Truncate(text, 50)
	if len(got) >= len(text) {
		t.Fatal("expected truncation")
	}
	if CountTokens(got) > 50 {
		t.Fatalf("expected at most 50 tokens, got %d", CountTokens(got))
	}
}

func TestTruncateZeroBudget(t *testing.T) {
	if got := Truncate("anything", 0); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestEstimateFast(t *testing.T) {
	if got := EstimateFast(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := EstimateFast("word"); got == 0 {
		t.Fatal("expected at least 1 token")
	}
}
