// Package quota enforces per-user usage ceilings through a
// reserve/commit/release protocol. All counter mutation funnels through the
// store's atomic compare-and-increment; no other component touches counters.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/store"
)

// ErrQuotaExceeded is returned when a reservation would push usage past a
// daily or monthly ceiling.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrUnknownReservation is returned when a token does not name a pending
// reservation.
var ErrUnknownReservation = errors.New("unknown reservation")

// Reservation is a pending, not-yet-finalized quota charge. Commit finalizes
// it; Release rolls it back.
type Reservation struct {
	Token     string
	UserID    string
	Cost      int64
	CreatedAt time.Time
}

// Guard is the quota gate. Counters live in the store; the guard tracks
// in-flight reservations so a charge can be rolled back on attempt failure.
type Guard struct {
	store store.Store
	now   func() time.Time

	mu      sync.Mutex
	pending map[string]Reservation
}

// NewGuard creates a quota guard backed by the given store.
func NewGuard(s store.Store) *Guard {
	return &Guard{
		store:   s,
		now:     time.Now,
		pending: make(map[string]Reservation),
	}
}

// Reserve checks both ceilings for the user's plan and, if both pass,
// increments the counters and returns a reservation token. Expired counter
// windows are rolled over first. A zero-cost reservation always passes the
// ceilings but still participates in the protocol.
func (g *Guard) Reserve(ctx context.Context, userID, plan string, cost int64) (Reservation, error) {
	now := g.now().UTC()
	limits := model.LimitsFor(plan)

	if err := g.store.EnsureQuotaRecord(ctx, userID, plan, limits, nextDailyReset(now), nextMonthlyReset(now)); err != nil {
		return Reservation{}, fmt.Errorf("ensure quota record: %w", err)
	}
	if err := g.store.RolloverQuota(ctx, userID, now, nextDailyReset(now), nextMonthlyReset(now)); err != nil {
		return Reservation{}, fmt.Errorf("rollover quota: %w", err)
	}

	ok, err := g.store.TryReserveQuota(ctx, userID, cost)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve quota: %w", err)
	}
	if !ok {
		return Reservation{}, ErrQuotaExceeded
	}

	res := Reservation{
		Token:     uuid.NewString(),
		UserID:    userID,
		Cost:      cost,
		CreatedAt: now,
	}

	g.mu.Lock()
	g.pending[res.Token] = res
	g.mu.Unlock()

	return res, nil
}

// Commit finalizes a reservation. The counters were already incremented at
// reserve time, so the charge simply becomes permanent.
func (g *Guard) Commit(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[token]; !ok {
		return ErrUnknownReservation
	}
	delete(g.pending, token)
	return nil
}

// Release rolls back a reservation's counter increments. Used when an attempt
// fails and its cost must not be charged.
func (g *Guard) Release(ctx context.Context, token string) error {
	g.mu.Lock()
	res, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	g.mu.Unlock()

	if !ok {
		return ErrUnknownReservation
	}
	if err := g.store.ReleaseQuota(ctx, res.UserID, res.Cost); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Snapshot returns the user's quota record after rolling over any expired
// windows. Read-only with respect to usage counters.
func (g *Guard) Snapshot(ctx context.Context, userID string) (*model.QuotaRecord, error) {
	now := g.now().UTC()
	if err := g.store.RolloverQuota(ctx, userID, now, nextDailyReset(now), nextMonthlyReset(now)); err != nil {
		return nil, fmt.Errorf("rollover quota: %w", err)
	}
	return g.store.GetQuotaRecord(ctx, userID)
}

// nextDailyReset is the upcoming midnight UTC.
func nextDailyReset(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// nextMonthlyReset is the first of the next month UTC.
func nextMonthlyReset(now time.Time) time.Time {
	y, m, _ := now.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
