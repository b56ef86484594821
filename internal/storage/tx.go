package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"ridedispatch/internal/dispatch"
)

// InDispatchTx runs fn in a read-committed transaction. The compare-and-set
// statements in pgTx make a concurrent loser fail instead of overwriting.
func (p *Postgres) InDispatchTx(ctx context.Context, fn func(dispatch.DispatchTx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error { return fn(pgTx{tx: tx}) })
}

func (p *Postgres) InLifecycleTx(ctx context.Context, fn func(dispatch.LifecycleTx) error) error {
	return p.inTx(ctx, func(tx pgx.Tx) error { return fn(pgTx{tx: tx}) })
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return mapErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return mapErr("commit", tx.Commit(ctx))
}

// pgTx implements both dispatch.DispatchTx and dispatch.LifecycleTx.
type pgTx struct {
	tx pgx.Tx
}

// cas runs a conditional update that must touch exactly one row.
func (t pgTx) cas(ctx context.Context, op string, lost error, sql string, args ...any) error {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr(op, err)
	}
	if tag.RowsAffected() != 1 {
		return lost
	}
	return nil
}

func (t pgTx) AssignRide(ctx context.Context, rideID, driverID string, at time.Time) error {
	return t.cas(ctx, "assign ride", dispatch.ErrMatchNoLongerValid, `
UPDATE rides SET status = 'matched', driver_id = $2, matched_at = $3
WHERE id = $1 AND status = 'requested'
`, rideID, driverID, at)
}

func (t pgTx) AcceptMatch(ctx context.Context, matchID string, at time.Time) error {
	return t.cas(ctx, "accept match", dispatch.ErrMatchNoLongerValid, `
UPDATE ride_matches SET status = 'accepted', responded_at = $2
WHERE id = $1 AND status = 'pending'
`, matchID, at)
}

func (t pgTx) ExpireSiblings(ctx context.Context, rideID, keepMatchID string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE ride_matches SET status = 'expired', responded_at = $3
WHERE ride_id = $1 AND id <> $2 AND status = 'pending'
`, rideID, keepMatchID, at)
	if err != nil {
		return 0, mapErr("expire siblings", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t pgTx) ClaimDriver(ctx context.Context, driverID string) error {
	return t.cas(ctx, "claim driver", dispatch.ErrDriverUnavailable, `
UPDATE drivers SET is_available = FALSE, updated_at = NOW()
WHERE id = $1 AND is_available AND is_verified
`, driverID)
}

// EnqueueNotification inserts under a savepoint so a failed insert leaves
// the surrounding transaction usable.
func (t pgTx) EnqueueNotification(ctx context.Context, n dispatch.Notification) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return mapErr("savepoint", err)
	}
	if err := insertNotification(ctx, sp, n); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return mapErr("release savepoint", sp.Commit(ctx))
}

func (t pgTx) StartRide(ctx context.Context, rideID string, at time.Time) error {
	return t.cas(ctx, "start ride", dispatch.ErrInvalidRideState, `
UPDATE rides SET status = 'in_progress', started_at = $2
WHERE id = $1 AND status = 'matched'
`, rideID, at)
}

func (t pgTx) CompleteRide(ctx context.Context, rideID string, from dispatch.RideStatus, c dispatch.Completion) error {
	return t.cas(ctx, "complete ride", dispatch.ErrInvalidRideState, `
UPDATE rides SET status = 'completed', completed_at = $3, actual_distance_km = $4, actual_duration_min = $5
WHERE id = $1 AND status = $2
`, rideID, from, c.At, c.ActualDistanceKM, c.ActualDurationMin)
}

func (t pgTx) ReleaseDriver(ctx context.Context, driverID string) error {
	return t.cas(ctx, "release driver", dispatch.ErrNotFound, `
UPDATE drivers SET is_available = TRUE, total_rides = total_rides + 1, updated_at = NOW()
WHERE id = $1
`, driverID)
}

func (t pgTx) CancelRide(ctx context.Context, rideID string, at time.Time) error {
	return t.cas(ctx, "cancel ride", dispatch.ErrInvalidRideState, `
UPDATE rides SET status = 'cancelled', cancelled_at = $2
WHERE id = $1 AND status = 'requested'
`, rideID, at)
}

func (t pgTx) ExpirePending(ctx context.Context, rideID string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
UPDATE ride_matches SET status = 'expired', responded_at = $2
WHERE ride_id = $1 AND status = 'pending'
`, rideID, at)
	if err != nil {
		return 0, mapErr("expire pending", err)
	}
	return int(tag.RowsAffected()), nil
}
