// Package jobqueue implements the durable job runtime (C9, §4.9): four
// named queues, each with its own concurrency cap, optional rate limit and
// retry policy, backed by the relational store so dequeue survives a
// worker restart.
//
// Dispatch is grounded on orders/processor.go's handler-registry pattern
// (RegisterHandler/HandlerFunc, dispatch by a string key) generalized from
// "order type" to "queue name". Job uniqueness reservation generalizes the
// same file's nonce-replay guard (usedNonces map keyed by a one-time
// token) into a persisted unique reservation key per (queue, host),
// because here the replay to prevent is "two jobs racing for one host",
// not "a replayed signed message". The single-flight concurrency guard on
// daemon/netscan.go's atomic.CompareAndSwapInt32 generalizes to an
// N-sized semaphore channel per queue instead of a single boolean.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bmetallica/systemmap/internal/model"
)

// QueueName identifies one of the four durable queues.
type QueueName string

const (
	QueueServerScan  QueueName = "server-scan"
	QueueNetworkScan QueueName = "network-scan"
	QueueProcessMap  QueueName = "process-map"
	QueueAIAnalysis  QueueName = "ai-analysis"
)

// failureCaptureLimit is the number of characters of a failure reason
// retained verbatim (§4.9: "first 2000 chars").
const failureCaptureLimit = 2000

// QueueConfig parameterises one queue's concurrency, rate limit and retry
// policy (§4.9's table).
type QueueConfig struct {
	Name             QueueName
	Concurrency      int
	RateLimit        *rate.Limiter // nil means unlimited
	MaxAttempts      int           // total attempts including the first
	RetryBackoffBase time.Duration // exponential base; 0 disables retry backoff scaling
}

// DefaultConfigs returns the four queues' configuration exactly as §4.9
// specifies: server-scan (3 concurrent, 10/60s, 2 retries at exponential
// base 5s), network-scan (1 concurrent, unlimited rate, 1 retry),
// process-map (1 concurrent, unlimited rate, no retry), and ai-analysis
// (1 concurrent — it shares the LLM single-writer lock anyway — unlimited
// rate, 1 retry) which the spec's prose names as a fourth queue but whose
// table only lists three rows; this package fills the gap with the same
// single-worker shape as process-map and network-scan.
func DefaultConfigs() map[QueueName]QueueConfig {
	return map[QueueName]QueueConfig{
		QueueServerScan: {
			Name:             QueueServerScan,
			Concurrency:      3,
			RateLimit:        rate.NewLimiter(rate.Every(6*time.Second), 10),
			MaxAttempts:      3,
			RetryBackoffBase: 5 * time.Second,
		},
		QueueNetworkScan: {
			Name:        QueueNetworkScan,
			Concurrency: 1,
			MaxAttempts: 2,
		},
		QueueProcessMap: {
			Name:        QueueProcessMap,
			Concurrency: 1,
			MaxAttempts: 1,
		},
		QueueAIAnalysis: {
			Name:        QueueAIAnalysis,
			Concurrency: 1,
			MaxAttempts: 2,
		},
	}
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Progress is the small observable record workers report as they run
// (§4.9: "{step, percent, message, counts}").
type Progress struct {
	Step    string
	Percent int
	Message string
	Counts  map[string]int
}

// Job is one persisted unit of work.
type Job struct {
	ID             int64
	Queue          QueueName
	HostID         *int64
	ReservationKey string
	Payload        []byte
	Status         Status
	Attempt        int
	MaxAttempts    int
	LastError      string
	Progress       Progress
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}

// Handler executes one job and returns an error on failure. Handlers
// report progress via the Reporter passed to them rather than a return
// value, so partial progress survives even a failed final attempt.
type Handler func(ctx context.Context, job Job, progress Reporter) error

// Reporter lets a running handler publish progress observable by external
// callers (§4.9).
type Reporter interface {
	Report(ctx context.Context, step string, percent int, message string, counts map[string]int) error
}

// Manager owns all four queues: registration, enqueue, and the worker
// pools that dequeue and execute jobs.
type Manager struct {
	pool    *pgxpool.Pool
	log     zerolog.Logger
	configs map[QueueName]QueueConfig
	sems    map[QueueName]chan struct{}

	mu       sync.Mutex
	handlers map[QueueName]Handler

	wg sync.WaitGroup
}

// New constructs a Manager with the given per-queue configuration.
func New(pool *pgxpool.Pool, configs map[QueueName]QueueConfig, log zerolog.Logger) *Manager {
	sems := make(map[QueueName]chan struct{}, len(configs))
	for name, cfg := range configs {
		sems[name] = make(chan struct{}, cfg.Concurrency)
	}
	return &Manager{
		pool:     pool,
		log:      log.With().Str("component", "jobqueue").Logger(),
		configs:  configs,
		sems:     sems,
		handlers: make(map[QueueName]Handler),
	}
}

// RegisterHandler binds a handler to a queue, mirroring the teacher's
// orders.Processor.RegisterHandler dispatch-table idiom.
func (m *Manager) RegisterHandler(queue QueueName, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[queue] = h
}

// Enqueue reserves reservationKey (unique per queue) and inserts a queued
// job. A duplicate reservation is not an error: it means a job for this
// host is already pending or running, satisfying §4.9's "a scheduled
// trigger and a manual trigger cannot coincide for the same host".
func (m *Manager) Enqueue(ctx context.Context, queue QueueName, hostID *int64, reservationKey string, payload []byte) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO jobs (queue, host_id, reservation_key, payload, status, attempt, max_attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, now(), now())
		ON CONFLICT (queue, reservation_key) WHERE status IN ('queued', 'running') DO NOTHING`,
		queue, hostID, reservationKey, payload, m.configs[queue].MaxAttempts)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("enqueue job: %w", err))
	}
	return nil
}

// EnqueueServerScan satisfies scheduler.Enqueuer.
func (m *Manager) EnqueueServerScan(ctx context.Context, hostID int64) error {
	return m.Enqueue(ctx, QueueServerScan, &hostID, fmt.Sprintf("host:%d", hostID), nil)
}

// EnqueueNetworkScan satisfies scheduler.Enqueuer.
func (m *Manager) EnqueueNetworkScan(ctx context.Context, scanID int64) error {
	payload := []byte(fmt.Sprintf(`{"scan_id":%d}`, scanID))
	return m.Enqueue(ctx, QueueNetworkScan, nil, fmt.Sprintf("netscan:%d", scanID), payload)
}

// Run starts a polling loop per queue; each loop dequeues and dispatches
// up to its concurrency cap until ctx is cancelled, then drains in-flight
// jobs before returning (§4.9 "Graceful shutdown").
func (m *Manager) Run(ctx context.Context) error {
	for name := range m.configs {
		name := name
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pollLoop(ctx, name)
		}()
	}
	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Manager) pollLoop(ctx context.Context, queue QueueName) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tryDispatch(ctx, queue)
		}
	}
}

func (m *Manager) tryDispatch(ctx context.Context, queue QueueName) {
	sem := m.sems[queue]
	select {
	case sem <- struct{}{}:
	default:
		return // at concurrency cap
	}

	cfg := m.configs[queue]
	if cfg.RateLimit != nil && !cfg.RateLimit.Allow() {
		<-sem
		return
	}

	job, ok, err := m.dequeue(ctx, queue)
	if err != nil {
		m.log.Error().Str("queue", string(queue)).Err(err).Msg("dequeue failed")
		<-sem
		return
	}
	if !ok {
		<-sem
		return
	}

	m.mu.Lock()
	handler, registered := m.handlers[queue]
	m.mu.Unlock()
	if !registered {
		m.log.Warn().Str("queue", string(queue)).Msg("no handler registered, leaving job queued")
		<-sem
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-sem }()
		m.execute(ctx, job, handler)
	}()
}

// dequeue atomically claims the next eligible job via SELECT ... FOR
// UPDATE SKIP LOCKED, the standard Postgres idiom for at-least-once
// competing-consumer dequeue without double-claiming under concurrent
// pollers.
func (m *Manager) dequeue(ctx context.Context, queue QueueName) (Job, bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin dequeue tx: %w", err))
	}
	defer tx.Rollback(ctx)

	var j Job
	var hostID *int64
	err = tx.QueryRow(ctx, `
		SELECT id, host_id, payload, attempt, max_attempts
		FROM jobs
		WHERE queue = $1 AND status = 'queued' AND next_attempt_at <= now()
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, queue).Scan(&j.ID, &hostID, &j.Payload, &j.Attempt, &j.MaxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("claim job: %w", err))
	}
	j.Queue = queue
	j.HostID = hostID

	if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'running', attempt = attempt + 1 WHERE id = $1`, j.ID); err != nil {
		return Job{}, false, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("mark job running: %w", err))
	}
	j.Attempt++

	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit dequeue tx: %w", err))
	}
	return j, true, nil
}

func (m *Manager) execute(ctx context.Context, job Job, handler Handler) {
	reporter := &dbReporter{pool: m.pool, jobID: job.ID, log: m.log}
	err := handler(ctx, job, reporter)
	if err == nil {
		m.markSucceeded(ctx, job.ID)
		return
	}

	reason := truncateFailure(err.Error())
	cfg := m.configs[job.Queue]
	if job.Attempt >= cfg.MaxAttempts {
		m.markFailed(ctx, job.ID, reason)
		return
	}

	m.requeue(ctx, job.ID, reason, computeBackoff(cfg.RetryBackoffBase, job.Attempt))
}

// computeBackoff doubles the base delay per prior attempt (attempt 1 → base,
// attempt 2 → 2*base, ...), per §4.9's "2, exponential base 5s" policy.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func truncateFailure(s string) string {
	r := []rune(s)
	if len(r) <= failureCaptureLimit {
		return s
	}
	return string(r[:failureCaptureLimit])
}

func (m *Manager) markSucceeded(ctx context.Context, jobID int64) {
	if _, err := m.pool.Exec(ctx, `UPDATE jobs SET status = 'succeeded', updated_at = now() WHERE id = $1`, jobID); err != nil {
		m.log.Error().Int64("job_id", jobID).Err(err).Msg("failed to mark job succeeded")
	}
}

func (m *Manager) markFailed(ctx context.Context, jobID int64, reason string) {
	if _, err := m.pool.Exec(ctx, `UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1`, jobID, reason); err != nil {
		m.log.Error().Int64("job_id", jobID).Err(err).Msg("failed to mark job failed")
	}
}

func (m *Manager) requeue(ctx context.Context, jobID int64, reason string, backoff time.Duration) {
	_, err := m.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued', last_error = $2, next_attempt_at = now() + $3, updated_at = now()
		WHERE id = $1`, jobID, reason, backoff)
	if err != nil {
		m.log.Error().Int64("job_id", jobID).Err(err).Msg("failed to requeue job")
	}
}

// dbReporter persists progress updates to the jobs row so any caller
// (CLI, future API) can observe progress by querying the row directly.
type dbReporter struct {
	pool  *pgxpool.Pool
	jobID int64
	log   zerolog.Logger
}

func (r *dbReporter) Report(ctx context.Context, step string, percent int, message string, counts map[string]int) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return model.NewError(model.KindProgramming, model.CodeMalformedDocument, fmt.Errorf("marshal progress counts: %w", err))
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE jobs SET progress_step = $2, progress_percent = $3, progress_message = $4, progress_counts = $5, updated_at = now()
		WHERE id = $1`, r.jobID, step, percent, message, countsJSON)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("report progress: %w", err))
	}
	return nil
}
