// Package tracing wires the global opentracing tracer to a Jaeger agent.
package tracing

import (
	"context"
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

type Config struct {
	ServiceName string
	Host        string
	Port        int
	SampleRate  float64 // 1 samples everything
}

// Init installs a Jaeger tracer as the global tracer. An empty Host leaves
// the no-op tracer in place.
func Init(conf Config, log *zap.Logger) (opentracing.Tracer, io.Closer, error) {
	if conf.Host == "" {
		return opentracing.GlobalTracer(), nopCloser{}, nil
	}
	rate := conf.SampleRate
	if rate <= 0 {
		rate = 1
	}
	cfg := &jCfg.Configuration{
		ServiceName: conf.ServiceName,
		Sampler: &jCfg.SamplerConfig{
			Type:  "probabilistic",
			Param: rate,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("init jaeger tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	if log != nil {
		log.Info("tracing enabled", zap.String("agent", cfg.Reporter.LocalAgentHostPort), zap.Float64("sample_rate", rate))
	}
	return tracer, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StartSpan opens a child span of whatever span ctx carries.
func StartSpan(ctx context.Context, operation string, tags map[string]any) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, operation)
	for k, v := range tags {
		span.SetTag(k, v)
	}
	return span, ctx
}

// Finish records err on the span, if any, and finishes it.
func Finish(span opentracing.Span, err error) {
	if err != nil {
		span.SetTag("error", true)
		span.LogKV("event", "error", "message", err.Error())
	}
	span.Finish()
}
