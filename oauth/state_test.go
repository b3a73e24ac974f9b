package oauth_test

// State token tests need Postgres; they are skipped unless TEST_PG_DSN is set.
// The external test package avoids an import cycle through testutil -> db.

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/testutil"
)

func TestStateCreateAndConsume(t *testing.T) {
	database := testutil.SetupTestDB(t)
	states := &oauth.StateStore{DB: database}
	ctx := context.Background()

	value, err := states.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(value) != 40 {
		t.Errorf("state length = %d, want 40 hex chars", len(value))
	}

	valid, err := states.IsValid(ctx, value)
	if err != nil || !valid {
		t.Fatalf("IsValid = %v, %v; want true", valid, err)
	}

	ok, err := states.Consume(ctx, value)
	if err != nil || !ok {
		t.Fatalf("Consume = %v, %v; want true", ok, err)
	}

	// Second consume of the same value must fail: single use.
	ok, err = states.Consume(ctx, value)
	if err != nil {
		t.Fatalf("second Consume: %v", err)
	}
	if ok {
		t.Error("state was consumable twice")
	}
}

func TestStateExpiry(t *testing.T) {
	database := testutil.SetupTestDB(t)

	past := time.Now().Add(-2 * time.Hour)
	states := &oauth.StateStore{DB: database, TTL: time.Hour, Now: func() time.Time { return past }}
	ctx := context.Background()

	value, err := states.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Evaluate with the real clock: the token is now two hours old.
	fresh := &oauth.StateStore{DB: database, TTL: time.Hour}
	valid, err := fresh.IsValid(ctx, value)
	if err != nil {
		t.Fatalf("IsValid: %v", err)
	}
	if valid {
		t.Error("expired state reported valid")
	}
	if ok, _ := fresh.Consume(ctx, value); ok {
		t.Error("expired state was consumable")
	}
}

func TestStateUnknownValue(t *testing.T) {
	database := testutil.SetupTestDB(t)
	states := &oauth.StateStore{DB: database}
	ctx := context.Background()

	valid, err := states.IsValid(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("IsValid: %v", err)
	}
	if valid {
		t.Error("unknown state reported valid")
	}
	// Deleting a missing state is a no-op, not an error.
	if err := states.Delete(ctx, "deadbeef"); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestStatePurgeAll(t *testing.T) {
	database := testutil.SetupTestDB(t)
	states := &oauth.StateStore{DB: database}
	ctx := context.Background()

	value, err := states.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := states.PurgeAll(ctx); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if valid, _ := states.IsValid(ctx, value); valid {
		t.Error("state survived PurgeAll")
	}
}
