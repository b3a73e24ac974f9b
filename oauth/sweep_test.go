package oauth

import (
	"context"
	"testing"
	"time"
)

func TestRunSweepRefreshesStaleEntities(t *testing.T) {
	now := fixedNow()
	store := newFakeStore(
		Entity{ID: 1, ExternalID: "dead", AccessToken: "bad", RefreshToken: "rt-1", Enabled: true, ExpiresAt: now.Add(2 * time.Hour)},
		Entity{ID: 2, ExternalID: "fine", AccessToken: "good", RefreshToken: "rt-2", Enabled: true, ExpiresAt: now.Add(2 * time.Hour)},
	)
	ex := &fakeExchanger{
		validate: map[string]error{"bad": ErrUnauthorized},
		refresh: map[string]TokenData{
			"rt-1": {AccessToken: "at-new", RefreshToken: "rt-new", ExpiresAt: now.Add(4 * time.Hour)},
		},
	}
	lc := &Lifecycle{Platform: "twitch", Store: store, Exchange: ex, Now: fixedNow}

	runSweep(context.Background(), lc)

	if store.updates != 1 {
		t.Errorf("updates = %d, want 1", store.updates)
	}
	if got := store.entities[1].AccessToken; got != "at-new" {
		t.Errorf("stale entity token = %q, want at-new", got)
	}
	if got := store.entities[2].AccessToken; got != "good" {
		t.Errorf("healthy entity token changed to %q", got)
	}
}

func TestRunSweepDisablesUnrefreshable(t *testing.T) {
	now := fixedNow()
	store := newFakeStore(
		Entity{ID: 1, ExternalID: "dead", AccessToken: "bad", RefreshToken: "rt-dead", Enabled: true, ExpiresAt: now.Add(2 * time.Hour)},
	)
	ex := &fakeExchanger{
		validate: map[string]error{"bad": ErrUnauthorized},
		// no refresh entry: the grant fails too
	}
	lc := &Lifecycle{Platform: "twitch", Store: store, Exchange: ex, Now: fixedNow}

	runSweep(context.Background(), lc)

	if store.entities[1].Enabled {
		t.Error("unrefreshable entity still enabled after sweep")
	}
}

func TestStartSweeperSubNanosecondJitterRange(t *testing.T) {
	// An interval under 10ns leaves no room for jitter; the sweeper must run
	// without it rather than panic.
	ctx, cancel := context.WithCancel(context.Background())
	store := newFakeStore()
	lc := &Lifecycle{Platform: "twitch", Store: store, Exchange: &fakeExchanger{}, Now: fixedNow}

	StartSweeper(ctx, lc, 5*time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newFakeStore()
	lc := &Lifecycle{Platform: "twitch", Store: store, Exchange: &fakeExchanger{}, Now: fixedNow}

	StartSweeper(ctx, lc, time.Hour)
	cancel()
	// The goroutine exits on its next select; nothing to assert beyond not
	// panicking or leaking into other tests.
	time.Sleep(10 * time.Millisecond)
}
