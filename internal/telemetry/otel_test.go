package telemetry

import (
	"context"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracer(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		endpoint    string
		wantErr     bool
	}{
		{name: "host and port", serviceName: "idea-tagger-api", endpoint: "localhost:4318"},
		{name: "full url", serviceName: "idea-tagger-worker", endpoint: "http://localhost:4318/v1/traces"},
		{name: "default service name", endpoint: "localhost:4318"},
		{name: "missing endpoint", serviceName: "idea-tagger-api", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tp, err := InitTracer(ctx, tt.serviceName, tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("InitTracer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tp == nil {
				return
			}
			if err := Shutdown(ctx, tp); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestShutdownNilProvider(t *testing.T) {
	if err := Shutdown(context.Background(), nil); err != nil {
		t.Errorf("Shutdown(nil) error = %v", err)
	}
}

func TestInjectTraceContext_NoSpan(t *testing.T) {
	if got := InjectTraceContext(context.Background()); got != nil {
		t.Errorf("InjectTraceContext() = %v, want nil without a span", got)
	}
}

func TestExtractTraceContext_EmptyCarrier(t *testing.T) {
	ctx := context.Background()
	if got := ExtractTraceContext(ctx, nil); got != ctx {
		t.Error("ExtractTraceContext() with no carrier should return ctx unchanged")
	}
}

func TestTraceContextRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer(TracerName).Start(context.Background(), "tag_filters.run")
	defer span.End()

	carrier := InjectTraceContext(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("carrier = %v, want a traceparent entry", carrier)
	}

	restored := ExtractTraceContext(context.Background(), carrier)
	_, child := tp.Tracer(TracerName).Start(restored, "job.process")
	defer child.End()

	if got, want := child.SpanContext().TraceID(), span.SpanContext().TraceID(); got != want {
		t.Errorf("child trace id = %s, want %s", got, want)
	}
}
