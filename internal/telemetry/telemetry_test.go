package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/api"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/config"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/retry"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/taskstore/memory"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/telemetry"
)

func initRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	p, err := telemetry.Init(context.Background(), config.TelemetryConfig{Exporter: "none", SampleRatio: 1}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Close()) })
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	_, err := telemetry.Init(context.Background(), config.TelemetryConfig{Exporter: "zipkin"})
	require.ErrorContains(t, err, "zipkin")

	_, err = telemetry.Init(context.Background(), config.TelemetryConfig{Exporter: "gcp"})
	require.ErrorContains(t, err, "project id")
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := telemetry.Init(context.Background(), config.TelemetryConfig{Exporter: "stdout", SampleRatio: 0})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestRetryAttemptsAreTraced(t *testing.T) {
	rec := initRecorder(t)

	calls := 0
	runner := retry.Runner{
		Policy: retry.Policy{MaxAttempts: 3},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	}
	out := retry.Do(context.Background(), runner, "discover", func(context.Context) bulletin.Outcome[int] {
		calls++
		if calls == 1 {
			return bulletin.Transient[int]("connection reset", errors.New("read: connection reset by peer"))
		}
		return bulletin.OK(7)
	})
	require.True(t, out.Ok())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	for i, span := range spans {
		require.Equal(t, "fetch.discover", span.Name())
		v, ok := attr(span, "attempt")
		require.True(t, ok)
		require.EqualValues(t, i+1, v.AsInt64())
	}
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.NotEqual(t, codes.Error, spans[1].Status().Code)
	outcome, _ := attr(spans[1], "outcome")
	require.Equal(t, bulletin.KindOK.String(), outcome.AsString())
}

func TestEndRecordsError(t *testing.T) {
	rec := initRecorder(t)

	_, span := telemetry.Tracer().Start(context.Background(), "orchestrator.run")
	telemetry.End(span, bulletin.ErrAuthExpired)
	_, clean := telemetry.Tracer().Start(context.Background(), "worker.process")
	telemetry.End(clean, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	require.Equal(t, codes.Unset, spans[1].Status().Code)
}

type idleRunner struct{}

func (idleRunner) Run(context.Context) (bulletin.RunReport, error) { return bulletin.RunReport{}, nil }
func (idleRunner) Running() bool                                   { return false }
func (idleRunner) LastReport() (bulletin.RunReport, bool)          { return bulletin.RunReport{}, false }

func TestAPIRequestsAreServerSpans(t *testing.T) {
	rec := initRecorder(t)

	srv := api.NewServer(context.Background(), memory.New(nil), idleRunner{}, api.Options{}, zap.NewNop())
	resp := httptest.NewRecorder()
	srv.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /healthz", spans[0].Name())
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}
