package telemetry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jensholdgaard/charity-auction/internal/config"
	"github.com/jensholdgaard/charity-auction/internal/telemetry"
)

var cfg = config.TelemetryConfig{ServiceName: "auctiond", ServiceVersion: "test"}

func TestSetup_RequiresEndpoint(t *testing.T) {
	if _, err := telemetry.Setup(context.Background(), cfg); !errors.Is(err, telemetry.ErrNoEndpoint) {
		t.Errorf("Setup() error = %v, want ErrNoEndpoint", err)
	}
}

func TestNewLocalProvider(t *testing.T) {
	var buf bytes.Buffer
	p := telemetry.NewLocalProvider(cfg, &buf, slog.LevelInfo)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	p.Logger.Debug("hidden")
	p.Logger.Info("bid accepted", slog.String("item_id", "i1"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output %q is not one JSON line: %v", buf.String(), err)
	}
	if line["msg"] != "bid accepted" || line["item_id"] != "i1" || line["service"] != "auctiond" {
		t.Errorf("log line = %v", line)
	}
}

func TestNopProvider_Shutdown(t *testing.T) {
	p := telemetry.NewNopProvider()
	if p.TracerProvider == nil || p.MeterProvider == nil || p.LoggerProvider == nil || p.Logger == nil {
		t.Fatalf("incomplete provider: %+v", p)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestLogWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	if got := telemetry.LogWithTrace(context.Background(), logger); got != logger {
		t.Error("LogWithTrace without a span should return the logger unchanged")
	}

	p := telemetry.NewNopProvider()
	ctx, span := p.TracerProvider.Tracer("test").Start(context.Background(), "sweep")
	defer span.End()

	telemetry.LogWithTrace(ctx, logger).Info("closed")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decoding log line: %v", err)
	}
	if line["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", line["trace_id"], span.SpanContext().TraceID())
	}
}
