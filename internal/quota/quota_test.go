package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/quota"
	"github.com/scanforge/scanforge/internal/store"
)

func newGuard(t *testing.T) (*quota.Guard, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return quota.NewGuard(s), s
}

func TestReserveCommit(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()

	res, err := g.Reserve(ctx, "user-1", model.PlanFree, 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Token == "" || res.Cost != 30 {
		t.Errorf("reservation = %+v", res)
	}

	if err := g.Commit(ctx, res.Token); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	q, err := s.GetQuotaRecord(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetQuotaRecord: %v", err)
	}
	if q.DailyUsed != 30 || q.MonthlyUsed != 30 {
		t.Errorf("used = %d/%d, want 30/30", q.DailyUsed, q.MonthlyUsed)
	}

	// Double-commit is a protocol violation.
	if err := g.Commit(ctx, res.Token); !errors.Is(err, quota.ErrUnknownReservation) {
		t.Errorf("second commit error = %v, want ErrUnknownReservation", err)
	}
}

func TestReserveRelease(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()

	res, err := g.Reserve(ctx, "user-1", model.PlanFree, 30)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := g.Release(ctx, res.Token); err != nil {
		t.Fatalf("Release: %v", err)
	}

	q, _ := s.GetQuotaRecord(ctx, "user-1")
	if q.DailyUsed != 0 || q.MonthlyUsed != 0 {
		t.Errorf("used after release = %d/%d, want 0/0", q.DailyUsed, q.MonthlyUsed)
	}
}

func TestReserveQuotaExceeded(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	// Free tier: 100 daily credits.
	if _, err := g.Reserve(ctx, "user-1", model.PlanFree, 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := g.Reserve(ctx, "user-1", model.PlanFree, 1)
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Errorf("error = %v, want ErrQuotaExceeded", err)
	}
}

func TestReserveZeroCost(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	// Exhaust the ceiling, then confirm free-engine calls still pass.
	if _, err := g.Reserve(ctx, "user-1", model.PlanFree, 100); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res, err := g.Reserve(ctx, "user-1", model.PlanFree, 0)
	if err != nil {
		t.Fatalf("zero-cost Reserve: %v", err)
	}
	if err := g.Commit(ctx, res.Token); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestReserveConcurrentNeverExceeds is the quota safety property: no
// interleaving of parallel reservations can push usage past the ceiling.
func TestReserveConcurrentNeverExceeds(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()

	const workers = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted int64

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Reserve(ctx, "user-1", model.PlanFree, 7)
			if errors.Is(err, quota.ErrQuotaExceeded) {
				return
			}
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			mu.Lock()
			granted += res.Cost
			mu.Unlock()
			if err := g.Commit(ctx, res.Token); err != nil {
				t.Errorf("Commit: %v", err)
			}
		}()
	}
	wg.Wait()

	q, err := s.GetQuotaRecord(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetQuotaRecord: %v", err)
	}
	if q.DailyUsed > q.DailyLimit {
		t.Errorf("daily_used %d exceeds limit %d", q.DailyUsed, q.DailyLimit)
	}
	if q.DailyUsed != granted {
		t.Errorf("daily_used %d != granted %d", q.DailyUsed, granted)
	}
}

func TestSnapshot(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	res, err := g.Reserve(ctx, "user-1", model.PlanBasic, 12)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := g.Commit(ctx, res.Token); err != nil {
		t.Fatal(err)
	}

	snap, err := g.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Plan != model.PlanBasic || snap.DailyUsed != 12 {
		t.Errorf("snapshot = %+v", snap)
	}

	// Snapshot is read-only: a second call returns identical counters.
	again, err := g.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if again.DailyUsed != snap.DailyUsed || again.MonthlyUsed != snap.MonthlyUsed {
		t.Errorf("snapshot mutated state: %+v vs %+v", again, snap)
	}
}

func TestSnapshotUnknownUser(t *testing.T) {
	g, _ := newGuard(t)

	_, err := g.Snapshot(context.Background(), "nobody")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
