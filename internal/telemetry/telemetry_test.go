package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mohammad-safakhou/autoresearch/config"
)

func TestSetupDisabledKeepsNoopProvider(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel.Enabled() {
		t.Fatalf("expected telemetry disabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupEnabledInstallsRecordingProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// the exporter dials lazily, so an unreachable collector does not fail setup
	tel, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true, OTLPEndpoint: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !tel.Enabled() {
		t.Fatalf("expected telemetry enabled")
	}

	_, span := otel.Tracer("autoresearch/test").Start(context.Background(), "research.run")
	if !span.SpanContext().IsValid() || !span.IsRecording() {
		t.Fatalf("expected a recording span from the sdk provider")
	}
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}
