package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func read(t *testing.T, c prometheus.Metric) *dto.Metric {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m
}

func TestInitIsIdempotent(t *testing.T) {
	// Registering the same collectors twice panics; Init must guard that.
	Init()
	Init()
}

func TestRecordHelpersAreSafe(t *testing.T) {
	// The helpers are nil-safe so library code can run in tests that never
	// call Init, and must not panic once metrics exist either.
	RecordSweep("twitch", 3, 1)
	RecordRefresh("twitch", true)
	RecordRefresh("discord", false)
	RecordDisable("twitch")
	RecordCallback("twitch", "success")
	RecordStateIssued()
	RecordBotTokenRefresh()
}

func TestRecordSweepCountsCheckedEntities(t *testing.T) {
	Init()
	before := read(t, SweepChecked.WithLabelValues("discord")).GetCounter().GetValue()

	RecordSweep("discord", 7, 2)
	RecordSweep("discord", 5, 0)

	if got := read(t, SweepChecked.WithLabelValues("discord")).GetCounter().GetValue() - before; got != 12 {
		t.Errorf("checked entities delta = %v, want 12", got)
	}
	if got := read(t, SweepStaleGauge.WithLabelValues("discord")).GetGauge().GetValue(); got != 0 {
		t.Errorf("stale gauge = %v, want 0 after last sweep", got)
	}
}

func TestRecordBotTokenRefreshIncrements(t *testing.T) {
	Init()
	before := read(t, BotTokenRefreshes).GetCounter().GetValue()
	RecordBotTokenRefresh()
	if got := read(t, BotTokenRefreshes).GetCounter().GetValue() - before; got != 1 {
		t.Errorf("bot token refresh delta = %v, want 1", got)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context correlation = %q", got)
	}

	ctx = WithCorrelation(ctx, "corr-123")
	if got := GetCorrelation(ctx); got != "corr-123" {
		t.Errorf("correlation = %q, want corr-123", got)
	}

	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
