package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvTelemetryEnabled toggles runtime telemetry emission.
	EnvTelemetryEnabled = "RTP_TELEMETRY_ENABLED"
	// EnvTelemetryHTTPEndpoint sets the JSON event export endpoint.
	EnvTelemetryHTTPEndpoint = "RTP_TELEMETRY_HTTP_ENDPOINT"
	// EnvTelemetryQueueCapacity sets in-memory queue capacity.
	EnvTelemetryQueueCapacity = "RTP_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryExportTimeoutMS sets export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "RTP_TELEMETRY_EXPORT_TIMEOUT_MS"
)

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled         bool
	HTTPEndpoint    string
	QueueCapacity   int
	ExportTimeoutMS int
}

// RuntimeConfigFromEnv parses telemetry config from environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:         true,
		HTTPEndpoint:    strings.TrimSpace(os.Getenv(EnvTelemetryHTTPEndpoint)),
		QueueCapacity:   256,
		ExportTimeoutMS: 200,
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s parse error: %w", EnvTelemetryEnabled, err)
		}
		cfg.Enabled = enabled
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryQueueCapacity)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryQueueCapacity)
		}
		cfg.QueueCapacity = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryExportTimeoutMS)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryExportTimeoutMS)
		}
		cfg.ExportTimeoutMS = v
	}

	return cfg, nil
}

// NewPipelineFromEnv creates a telemetry pipeline from environment settings.
// Returns nil when telemetry is disabled.
func NewPipelineFromEnv() (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var sink Sink
	if cfg.HTTPEndpoint != "" {
		sink = NewHTTPSink(cfg.HTTPEndpoint, nil)
	}
	return NewPipeline(sink, Config{
		QueueCapacity: cfg.QueueCapacity,
		ExportTimeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}), nil
}

// HTTPSink posts one JSON event per export to a collector endpoint.
type HTTPSink struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSink creates an HTTP sink. A nil client uses a short-timeout default.
func NewHTTPSink(endpoint string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPSink{endpoint: endpoint, client: client}
}

// Export posts the event as JSON.
func (s *HTTPSink) Export(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting telemetry event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry collector returned status %d", resp.StatusCode)
	}
	return nil
}
