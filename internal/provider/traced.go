package provider

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "livepush"

// TracedOption configures a Traced provider.
type TracedOption func(*Traced)

// WithTracerProvider sets the provider tracers are taken from.
// Defaults to the global otel provider.
func WithTracerProvider(tp trace.TracerProvider) TracedOption {
	return func(t *Traced) {
		t.tracer = tp.Tracer(defaultTracerName)
	}
}

// WithKind sets the livepush.provider attribute recorded on spans.
func WithKind(kind string) TracedOption {
	return func(t *Traced) {
		t.kind = kind
	}
}

// Traced wraps a CodeProvider and records a span around every Fetch.
type Traced struct {
	next   CodeProvider
	tracer trace.Tracer
	kind   string
}

// NewTraced wraps next.
func NewTraced(next CodeProvider, opts ...TracedOption) *Traced {
	t := &Traced{
		next:   next,
		tracer: otel.Tracer(defaultTracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Unwrap returns the wrapped provider.
func (t *Traced) Unwrap() CodeProvider {
	return t.next
}

// Fetch calls the wrapped provider inside a "livepush.fetch" span.
// Not-found results are recorded as an attribute, not an error.
func (t *Traced) Fetch(ctx context.Context, path string) ([]byte, error) {
	attrs := []attribute.KeyValue{
		attribute.String("livepush.path", path),
	}
	if t.kind != "" {
		attrs = append(attrs, attribute.String("livepush.provider", t.kind))
	}

	ctx, span := t.tracer.Start(ctx, "livepush.fetch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	data, err := t.next.Fetch(ctx, path)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("livepush.size", len(data)))
		span.SetStatus(codes.Ok, "")
	case IsNotFound(err):
		span.SetAttributes(attribute.Bool("livepush.not_found", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

// Normalize delegates to the wrapped provider.
func (t *Traced) Normalize(path string) string {
	return t.next.Normalize(path)
}

// Subscribe delegates to the wrapped provider.
func (t *Traced) Subscribe(fn func(path string)) {
	t.next.Subscribe(fn)
}
