// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SweepsTotal        *prometheus.CounterVec
	SweepChecked       *prometheus.CounterVec
	RefreshesSucceeded *prometheus.CounterVec
	RefreshesFailed    *prometheus.CounterVec
	EntitiesDisabled   *prometheus.CounterVec
	CallbacksTotal     *prometheus.CounterVec
	StatesIssued       prometheus.Counter
	BotTokenRefreshes  prometheus.Counter

	// Gauges
	SweepStaleGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_sweeps_total", Help: "Number of bulk revalidation sweeps run"}, []string{"platform"})
		SweepChecked = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_sweep_entities_checked_total", Help: "Entities examined across revalidation sweeps"}, []string{"platform"})
		RefreshesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_refreshes_succeeded_total", Help: "Number of entity token refreshes that succeeded"}, []string{"platform"})
		RefreshesFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_refreshes_failed_total", Help: "Number of entity token refreshes that failed"}, []string{"platform"})
		EntitiesDisabled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_entities_disabled_total", Help: "Number of entities disabled after irrecoverable refresh failure"}, []string{"platform"})
		CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_callbacks_total", Help: "OAuth callback requests by platform and outcome"}, []string{"platform", "outcome"})
		StatesIssued = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_states_issued_total", Help: "Number of anti-CSRF state tokens issued"})
		BotTokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "oauth_bot_token_refreshes_total", Help: "Number of bot client-credentials token fetches"})
		SweepStaleGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "oauth_sweep_stale_entities", Help: "Entities flagged for refresh by the most recent sweep"}, []string{"platform"})
	})
}

// RecordSweep records one sweep cycle: how many entities it examined and how
// many it flagged for refresh.
func RecordSweep(platform string, checked, stale int) {
	if SweepsTotal == nil {
		return
	}
	SweepsTotal.WithLabelValues(platform).Inc()
	SweepChecked.WithLabelValues(platform).Add(float64(checked))
	SweepStaleGauge.WithLabelValues(platform).Set(float64(stale))
}

// RecordRefresh records one refresh attempt's outcome.
func RecordRefresh(platform string, ok bool) {
	if RefreshesSucceeded == nil {
		return
	}
	if ok {
		RefreshesSucceeded.WithLabelValues(platform).Inc()
	} else {
		RefreshesFailed.WithLabelValues(platform).Inc()
	}
}

// RecordDisable records an entity being disabled after refresh failure.
func RecordDisable(platform string) {
	if EntitiesDisabled != nil {
		EntitiesDisabled.WithLabelValues(platform).Inc()
	}
}

// RecordCallback records one OAuth callback by outcome (success, invalid_state, bad_request, error).
func RecordCallback(platform, outcome string) {
	if CallbacksTotal != nil {
		CallbacksTotal.WithLabelValues(platform, outcome).Inc()
	}
}

// RecordStateIssued records one issued state token.
func RecordStateIssued() {
	if StatesIssued != nil {
		StatesIssued.Inc()
	}
}

// RecordBotTokenRefresh records one bot client-credentials fetch.
func RecordBotTokenRefresh() {
	if BotTokenRefreshes != nil {
		BotTokenRefreshes.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
