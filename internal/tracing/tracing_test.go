package tracing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfig_Validate(t *testing.T) {
	base := Config{ServiceName: "riskaudit", Enabled: true, SamplingRate: 0.25}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "grpc exporter", mutate: func(c *Config) { c.ExporterType = ExporterOTLPGRPC }},
		{name: "disabled ignores everything", mutate: func(c *Config) { *c = Config{ExporterType: "zipkin", SamplingRate: 7} }},
		{name: "missing service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: ErrMissingServiceName},
		{name: "negative rate", mutate: func(c *Config) { c.SamplingRate = -0.1 }, wantErr: ErrInvalidSampleRate},
		{name: "rate above one", mutate: func(c *Config) { c.SamplingRate = 1.5 }, wantErr: ErrInvalidSampleRate},
		{name: "unknown exporter", mutate: func(c *Config) { c.ExporterType = "jaeger" }, wantErr: ErrUnsupportedExporter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{ServiceName: "riskaudit", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.IsEnabled() {
		t.Error("disabled provider reports enabled")
	}
	if p.Tracer(TracerName) == nil {
		t.Error("disabled provider returned nil tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	_, err := NewProvider(Config{ServiceName: "riskaudit", Enabled: true, ExporterType: "stdout", Logger: quietLogger()})
	if !errors.Is(err, ErrUnsupportedExporter) {
		t.Errorf("NewProvider() error = %v, want ErrUnsupportedExporter", err)
	}
}

// Exporters connect lazily, so no collector needs to be running.
func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		endpoint string
	}{
		{ExporterOTLPHTTP, "localhost:4318"},
		{ExporterOTLPGRPC, "localhost:4317"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run("exporter "+exporterName(Config{ExporterType: tt.exporter}), func(t *testing.T) {
			p, err := NewProvider(Config{
				ServiceName:    "riskaudit",
				ServiceVersion: "test",
				Environment:    "test",
				Enabled:        true,
				ExporterType:   tt.exporter,
				OTLPEndpoint:   tt.endpoint,
				SamplingRate:   1,
				InsecureMode:   true,
				Logger:         quietLogger(),
			})
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			if !p.IsEnabled() {
				t.Error("provider should be enabled")
			}

			_, span := p.Tracer(TracerName).Start(context.Background(), "audit.verify")
			if !span.SpanContext().IsValid() {
				t.Error("span from enabled provider has no valid context")
			}
			span.End()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = p.Shutdown(ctx)
		})
	}
}

func TestSampler(t *testing.T) {
	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	parent := func(sampled bool) context.Context {
		flags := trace.TraceFlags(0)
		if sampled {
			flags = trace.FlagsSampled
		}
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     trace.SpanID{0, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
			TraceFlags: flags,
			Remote:     true,
		})
		return trace.ContextWithRemoteSpanContext(context.Background(), sc)
	}

	tests := []struct {
		name string
		rate float64
		ctx  context.Context
		want sdktrace.SamplingDecision
	}{
		{"root at full rate", 1, context.Background(), sdktrace.RecordAndSample},
		{"root at zero rate", 0, context.Background(), sdktrace.Drop},
		{"sampled peer at zero rate", 0, parent(true), sdktrace.RecordAndSample},
		{"unsampled peer at full rate", 1, parent(false), sdktrace.Drop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Sampler(tt.rate).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: tt.ctx,
				TraceID:       traceID,
				Name:          "POST /api/v1/clusters/{id}/heartbeat",
			})
			if res.Decision != tt.want {
				t.Errorf("decision = %v, want %v", res.Decision, tt.want)
			}
		})
	}
}
