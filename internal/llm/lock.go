package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmetallica/systemmap/internal/model"
)

// lockStaleAfter is how long a held lock is considered abandoned and
// reclaimable by the next acquirer (§4.10: "Stale locks older than 45
// minutes are reclaimed on next acquire").
const lockStaleAfter = 45 * time.Minute

// Lock coordinates the single local-LLM inference resource across worker
// processes via a CAS over the llm_settings singleton row, generalizing
// l2planner/budget.go's BudgetTracker.Acquire in-memory channel semaphore
// (one process, N concurrent slots) into a cross-process single slot: this
// spec runs a worker pool, not one process, so the coordination must live
// in the database rather than a channel.
type Lock struct {
	pool   *pgxpool.Pool
	hostID int64
}

// NewLock constructs a Lock. hostID is the holder id written to
// lock_holder_host (LlmSettings.LockHolderHost); cmd/scand and the
// orchestrator pass the worker's process id here.
func NewLock(pool *pgxpool.Pool, hostID int64) *Lock {
	return &Lock{pool: pool, hostID: hostID}
}

// ErrLocked is returned by Acquire when the lock is held by another worker
// and not yet stale.
var ErrLocked = fmt.Errorf("llm lock is held")

// Acquire attempts to atomically claim the singleton lock. A lock row with
// LockRunning=false, or LockRunning=true but older than lockStaleAfter, is
// claimable. Returns ErrLocked if held and fresh.
func (l *Lock) Acquire(ctx context.Context) error {
	cutoff := time.Now().Add(-lockStaleAfter)
	tag, err := l.pool.Exec(ctx, `
		UPDATE llm_settings
		SET lock_running = true, lock_holder_host = $1, lock_updated_at = now()
		WHERE id = 1 AND (lock_running = false OR lock_updated_at < $2)`,
		l.hostID, cutoff)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("acquire llm lock: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrLocked
	}
	return nil
}

// Release clears the lock unconditionally. Callers must release on every
// exit path including error returns — §4.10: "released in a
// guaranteed-cleanup scope, including worker crash at startup" — so
// ReleaseStartupOrphans exists alongside this for process-restart recovery.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE llm_settings SET lock_running = false, lock_holder_host = NULL, lock_updated_at = now() WHERE id = 1`)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("release llm lock: %w", err))
	}
	return nil
}

// ReleaseStartupOrphans clears a held lock whose recorded holder id equals
// this Lock's id, left behind by an unclean process exit. Call once at
// daemon startup before any Acquire. A lock recorded under a different
// holder id is not cleared here; it becomes claimable once it is older
// than lockStaleAfter.
func (l *Lock) ReleaseStartupOrphans(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE llm_settings SET lock_running = false, lock_holder_host = NULL, lock_updated_at = now()
		WHERE id = 1 AND lock_holder_host = $1`, l.hostID)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("release orphaned llm lock: %w", err))
	}
	return nil
}

// WithLock acquires the lock, runs fn, and releases the lock on every exit
// path including panic. External-API providers bypass the lock entirely
// (callers simply don't invoke WithLock for them, per §4.10).
func (l *Lock) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Release(ctx) }()
	return fn(ctx)
}
