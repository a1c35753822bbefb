// Package di assembles the pipeline and its collaborators from configuration.
package di

import (
	"context"
	"fmt"
	"time"

	"mediscope/internal/capability"
	"mediscope/internal/config"
	"mediscope/internal/diagnose"
	mserrors "mediscope/internal/errors"
	"mediscope/internal/llm"
	"mediscope/internal/observability"
)

// Container holds the wired application graph.
type Container struct {
	Config   *config.Config
	Pipeline *diagnose.Pipeline
	Tracer   *observability.TracerProvider

	disabledEnrichments []diagnose.TaskID
}

// BuildContainer wires capability clients, the synthesis client and the
// pipeline from the loaded configuration.
func BuildContainer(cfg *config.Config) (*Container, error) {
	labels, err := config.LoadClassificationLabels(cfg.Capabilities.LabelsFile)
	if err != nil {
		return nil, fmt.Errorf("load classification labels: %w", err)
	}

	clients := buildCapabilityClients(cfg)

	llmClient, err := llm.NewOpenAIClient(llm.Config{
		BaseURL: cfg.Synthesis.BaseURL,
		APIKey:  cfg.Synthesis.APIKey,
		Model:   cfg.Synthesis.Model,
		Timeout: cfg.Synthesis.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}
	llmClient = llm.NewRetryClient(llmClient, mserrors.DefaultRetryConfig())

	scheduler := diagnose.NewScheduler(clients, labels, diagnose.SchedulerConfig{
		Timeouts: map[diagnose.TaskID]time.Duration{
			diagnose.TaskVision:         cfg.Capabilities.Vision.Timeout,
			diagnose.TaskSpeech:         cfg.Capabilities.Speech.Timeout,
			diagnose.TaskAcoustic:       cfg.Capabilities.Acoustic.Timeout,
			diagnose.TaskClassification: cfg.Capabilities.Classify.Timeout,
			diagnose.TaskDocument:       cfg.Capabilities.Document.Timeout,
			diagnose.TaskWebSearch:      cfg.Capabilities.WebSearch.Timeout,
		},
	}, nil)

	synthesizer := diagnose.NewSynthesizer(
		llmClient,
		labels,
		cfg.Synthesis.Temperature,
		cfg.Synthesis.SectionTokenBudget,
		cfg.Synthesis.MaxTokens,
	)

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("build tracer: %w", err)
	}

	var disabled []diagnose.TaskID
	if !cfg.Enrichments.WebSearch {
		disabled = append(disabled, diagnose.TaskWebSearch)
	}
	if !cfg.Enrichments.Classification {
		disabled = append(disabled, diagnose.TaskClassification)
	}

	return &Container{
		Config:              cfg,
		Pipeline:            diagnose.NewPipeline(scheduler, synthesizer, nil),
		Tracer:              tracer,
		disabledEnrichments: disabled,
	}, nil
}

func buildCapabilityClients(cfg *config.Config) map[diagnose.TaskID]capability.Client {
	caps := cfg.Capabilities
	clients := make(map[diagnose.TaskID]capability.Client)

	if caps.Vision.Endpoint != "" {
		clients[diagnose.TaskVision] = capability.NewCachedClient("vision",
			capability.NewVisionClient(caps.Vision.Endpoint, caps.Vision.APIKey, caps.Vision.Model, nil),
			capability.CacheConfig{})
	}
	if caps.Speech.Endpoint != "" {
		clients[diagnose.TaskSpeech] = capability.NewCachedClient("speech",
			capability.NewSpeechClient(caps.Speech.Endpoint, caps.Speech.APIKey, caps.Speech.Model, nil),
			capability.CacheConfig{})
	}
	if caps.Acoustic.Endpoint != "" {
		clients[diagnose.TaskAcoustic] = capability.NewCachedClient("acoustic",
			capability.NewAcousticClient(caps.Acoustic.Endpoint, caps.Acoustic.APIKey, caps.Acoustic.Model, nil),
			capability.CacheConfig{})
	}
	if caps.Classify.Endpoint != "" {
		clients[diagnose.TaskClassification] = capability.NewCachedClient("classify",
			capability.NewClassifyClient(caps.Classify.Endpoint, caps.Classify.APIKey, caps.Classify.Model, nil),
			capability.CacheConfig{})
	}
	// The document client parses HTML itself; the endpoint is only the
	// fallback extraction backend, so the client is always registered.
	clients[diagnose.TaskDocument] = capability.NewCachedClient("document",
		capability.NewDocumentClient(caps.Document.Endpoint, caps.Document.APIKey, 0, nil),
		capability.CacheConfig{})
	if caps.WebSearch.APIKey != "" {
		clients[diagnose.TaskWebSearch] = capability.NewCachedClient("websearch",
			capability.NewWebSearchClient(caps.WebSearch.Endpoint, caps.WebSearch.APIKey, 5, 2, nil),
			capability.CacheConfig{})
	}

	return clients
}

// Run executes one request with the deployment-wide enrichment toggles
// applied on top of the caller's own skip list.
func (c *Container) Run(ctx context.Context, bundle *diagnose.EvidenceBundle, sink diagnose.Emitter) error {
	bundle.SkipEnrichments = append(bundle.SkipEnrichments, c.disabledEnrichments...)
	return c.Pipeline.Run(ctx, bundle, sink)
}

// Cleanup releases long-lived resources.
func (c *Container) Cleanup(ctx context.Context) error {
	if c.Tracer != nil {
		return c.Tracer.Shutdown(ctx)
	}
	return nil
}
