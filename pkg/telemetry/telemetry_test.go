package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"mercator-hq/prgate/pkg/config"
)

// TestSetup tests that every component is built from the defaults.
func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Telemetry.Metrics.Enabled = true
	buf := &bytes.Buffer{}

	tel, err := Setup(context.Background(), &cfg.Telemetry, buf)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if tel.Metrics == nil || tel.Health == nil || tel.Tracer == nil {
		t.Fatalf("Expected all components, got %+v", tel)
	}
	if tel.Tracer.Enabled() {
		t.Error("Tracing is disabled by default")
	}
	if !strings.Contains(buf.String(), "telemetry initialized") {
		t.Errorf("Expected startup log line, got %q", buf.String())
	}

	slog.Info("after setup")
	if !strings.Contains(buf.String(), "after setup") {
		t.Error("Expected logger installed as slog default")
	}
}

// TestSetup_BadLogLevel tests configuration errors.
func TestSetup_BadLogLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Telemetry.Logging.Level = "loud"
	if _, err := Setup(context.Background(), &cfg.Telemetry, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
