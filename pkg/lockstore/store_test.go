package lockstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "circ-test")
}

func TestAcquireLeaseSucceedsWhenUnheld(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "collections/odl-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if lease == nil {
		t.Fatal("expected lease, got nil")
	}
	if lease.Token == "" {
		t.Error("expected non-empty fencing token")
	}
}

func TestAcquireLeaseFailsWhenAlreadyHeld(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AcquireLease(ctx, "collections/odl-1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first AcquireLease: lease=%v err=%v", first, err)
	}

	second, err := store.AcquireLease(ctx, "collections/odl-1", time.Minute)
	if err != nil {
		t.Fatalf("second AcquireLease: %v", err)
	}
	if second != nil {
		t.Fatal("expected second acquisition to observe held lease and return nil")
	}
}

func TestReleaseLeaseAllowsReacquisition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "collections/odl-1", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("AcquireLease: lease=%v err=%v", lease, err)
	}
	if err := store.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	reacquired, err := store.AcquireLease(ctx, "collections/odl-1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if reacquired == nil {
		t.Fatal("expected lease to be reacquirable after release")
	}
}

func TestMutateRequiresCurrentLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "session-x", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("AcquireLease: lease=%v err=%v", lease, err)
	}
	if err := store.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	_, err = store.Mutate(ctx, lease, time.Minute, func(cur json.RawMessage) (json.RawMessage, error) {
		return []byte(`{}`), nil
	})
	if err == nil {
		t.Fatal("expected Mutate to fail with a stale lease token")
	}
}

// TestMutateUpdateNumberIsMonotonic exercises testable property 3:
// update_number increments by exactly one per successful mutation.
func TestMutateUpdateNumberIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "session-y", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("AcquireLease: lease=%v err=%v", lease, err)
	}

	var last int64
	for i := 0; i < 5; i++ {
		n, err := store.Mutate(ctx, lease, time.Minute, func(cur json.RawMessage) (json.RawMessage, error) {
			return []byte(`{"n":` + string(rune('0'+i)) + `}`), nil
		})
		if err != nil {
			t.Fatalf("Mutate #%d: %v", i, err)
		}
		if n != last+1 {
			t.Fatalf("Mutate #%d: update_number = %d, want %d", i, n, last+1)
		}
		last = n
	}
}

func TestMutateAbortLeavesPayloadUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "session-z", time.Minute)
	if err != nil || lease == nil {
		t.Fatalf("AcquireLease: lease=%v err=%v", lease, err)
	}

	if _, err := store.Mutate(ctx, lease, time.Minute, func(cur json.RawMessage) (json.RawMessage, error) {
		return []byte(`{"v":1}`), nil
	}); err != nil {
		t.Fatalf("seed Mutate: %v", err)
	}

	failErr := &MarcFileUploadSessionError{Key: "session-z", Message: "boom"}
	_, err = store.Mutate(ctx, lease, time.Minute, func(cur json.RawMessage) (json.RawMessage, error) {
		return nil, failErr
	})
	if err == nil {
		t.Fatal("expected Mutate to propagate the callback error")
	}

	payload, n, err := store.ReadPayload(ctx, "session-z")
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if n != 1 {
		t.Errorf("update_number = %d, want 1 (aborted mutation must not increment)", n)
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("payload = %s, want unchanged {\"v\":1}", payload)
	}
}
