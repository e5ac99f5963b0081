package transport

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// clientRequests はClient.Sendの結果別の件数。
	clientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "rpc_client",
			Name:      "requests_total",
			Help:      "Total number of RPC requests sent by outcome",
		},
		[]string{"pattern", "outcome"},
	)

	// clientDuration はClient.Sendの所要時間。
	clientDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authgate",
			Subsystem: "rpc_client",
			Name:      "duration_seconds",
			Help:      "Duration of RPC requests in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"pattern"},
	)

	// eventsPublished はClient.Emitの結果別の件数。
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "rpc_client",
			Name:      "events_published_total",
			Help:      "Total number of events published by outcome",
		},
		[]string{"pattern", "outcome"},
	)

	// serverMessages はServerが処理したメッセージの件数。
	serverMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authgate",
			Subsystem: "rpc_server",
			Name:      "messages_total",
			Help:      "Total number of messages handled by kind and outcome",
		},
		[]string{"pattern", "kind", "outcome"},
	)

	// breakerState はサーキットブレーカーの状態（0=closed, 1=half-open, 2=open）。
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "authgate",
			Subsystem: "rpc_client",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per queue (0=closed, 1=half-open, 2=open)",
		},
		[]string{"queue"},
	)
)

// outcomeOf はエラーをメトリクスのラベル値に分類する。
func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrMalformedReply):
		return "malformed_reply"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// recordRequest はRPCリクエストの結果を記録する。
func recordRequest(pattern string, err error, elapsed time.Duration) {
	clientRequests.WithLabelValues(pattern, outcomeOf(err)).Inc()
	clientDuration.WithLabelValues(pattern).Observe(elapsed.Seconds())
}

// recordEvent はイベント送信の結果を記録する。
func recordEvent(pattern string, err error) {
	eventsPublished.WithLabelValues(pattern, outcomeOf(err)).Inc()
}

// recordHandled はServerでのメッセージ処理結果を記録する。
func recordHandled(pattern, kind, outcome string) {
	serverMessages.WithLabelValues(pattern, kind, outcome).Inc()
}

// recordBreakerState はサーキットブレーカーの状態を記録する。
func recordBreakerState(queue string, state gobreaker.State) {
	breakerState.WithLabelValues(queue).Set(float64(state))
}
