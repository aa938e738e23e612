// Package scheduler implements the cron-driven scheduler (C8, §4.8): three
// independent periodic tasks — schedule sync, stale-job recovery, and
// health aggregation — run on their own timers and cancel together on
// shutdown.
//
// Grounded on daemon/daemon.go's Run/runCycle shape: a ticker per
// concern, a select over ctx.Done() and the tickers, goroutines tracked by
// a WaitGroup and drained with a bounded timeout on shutdown. Unlike the
// teacher's single flat poll interval, cron *expression* parsing and
// per-host/per-subnet dynamic registration has no teacher analogue, so
// that part is enriched from the wider pack's cron-driven reference
// daemons (see DESIGN.md).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/model"
	"github.com/bmetallica/systemmap/internal/telemetry"
)

const (
	scheduleSyncInterval  = 60 * time.Second
	staleRecoveryInterval = 5 * time.Minute
	healthAggInterval     = 15 * time.Minute

	scanTimeout = 30 * time.Minute
)

// Enqueuer is the job runtime's inbound surface, satisfied by internal/jobqueue.
// Defined here, at the point of use, rather than in jobqueue, so this
// package has no import-time dependency on the queue implementation.
type Enqueuer interface {
	EnqueueServerScan(ctx context.Context, hostID int64) error
	EnqueueNetworkScan(ctx context.Context, scanID int64) error
}

// Scheduler owns the three periodic tasks and the live cron registration set.
type Scheduler struct {
	pool *pgxpool.Pool
	jobs Enqueuer
	log  zerolog.Logger

	cron *cron.Cron
	mu   sync.Mutex
	// registrations maps a registration key ("host:<id>" or
	// "net:<subnet>|<expr>") to
	// its live cron entry, so schedule sync can diff additions/removals.
	registrations map[string]cron.EntryID

	audit *telemetry.Auditor
	wg    sync.WaitGroup
}

// New constructs a Scheduler. Call Run to start its background loops.
func New(pool *pgxpool.Pool, jobs Enqueuer, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		pool:          pool,
		jobs:          jobs,
		log:           telemetry.NewLogger(log, "scheduler"),
		cron:          cron.New(),
		registrations: make(map[string]cron.EntryID),
		audit:         telemetry.NewAuditor(pool, log),
	}
}

// Run starts the cron engine and the three periodic tasks, blocking until
// ctx is cancelled, then stopping everything and waiting for in-flight
// ticks to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()

	if err := s.syncSchedules(ctx); err != nil {
		s.log.Error().Err(err).Msg("initial schedule sync failed")
	}

	syncTicker := time.NewTicker(scheduleSyncInterval)
	staleTicker := time.NewTicker(staleRecoveryInterval)
	healthTicker := time.NewTicker(healthAggInterval)
	defer syncTicker.Stop()
	defer staleTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-syncTicker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.syncSchedules(ctx); err != nil {
					s.log.Error().Err(err).Msg("schedule sync failed")
				}
			}()
		case <-staleTicker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.recoverStale(ctx); err != nil {
					s.log.Error().Err(err).Msg("stale recovery failed")
				}
			}()
		case <-healthTicker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.aggregateHealth(ctx); err != nil {
					s.log.Error().Err(err).Msg("health aggregation failed")
				}
			}()
		}
	}
}

// scheduleEntry is one desired cron registration: its expression and the
// callback to run when it fires. Callback bodies only enqueue jobs — they
// never perform I/O to remote hosts (§5 "Scheduling model").
type scheduleEntry struct {
	expr    string
	trigger func()
}

// syncSchedules enumerates schedulable hosts and network-scan configs,
// registers a cron callback for each new key, and removes registrations
// whose key has disappeared. Invalid cron expressions are logged and
// skipped rather than aborting the whole sync.
func (s *Scheduler) syncSchedules(ctx context.Context) error {
	wanted := make(map[string]scheduleEntry)

	rows, err := s.pool.Query(ctx, `
		SELECT id, schedule_expression FROM hosts
		WHERE schedule_expression IS NOT NULL
		  AND schedule_expression <> ''
		  AND credential_handle IS NOT NULL AND credential_handle <> ''`)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("query schedulable hosts: %w", err))
	}
	for rows.Next() {
		var hostID int64
		var expr string
		if err := rows.Scan(&hostID, &expr); err != nil {
			rows.Close()
			return model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan schedulable host: %w", err))
		}
		key := hostRegistrationKey(hostID)
		hostID := hostID
		wanted[key] = scheduleEntry{expr: expr, trigger: func() { s.triggerServerScan(ctx, hostID) }}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("iterate schedulable hosts: %w", err))
	}

	nrows, err := s.pool.Query(ctx, `
		SELECT id, subnet, schedule_expression FROM network_scan_configs
		WHERE schedule_expression IS NOT NULL AND schedule_expression <> ''`)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("query schedulable network scans: %w", err))
	}
	type netEntry struct {
		id     int64
		subnet string
		expr   string
	}
	var netEntries []netEntry
	for nrows.Next() {
		var e netEntry
		if err := nrows.Scan(&e.id, &e.subnet, &e.expr); err != nil {
			nrows.Close()
			return model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan schedulable network scan: %w", err))
		}
		netEntries = append(netEntries, e)
	}
	nrows.Close()
	if err := nrows.Err(); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("iterate schedulable network scans: %w", err))
	}
	for _, e := range netEntries {
		key := networkScanRegistrationKey(e.subnet, e.expr)
		scanID := e.id
		wanted[key] = scheduleEntry{expr: e.expr, trigger: func() { s.triggerNetworkScan(ctx, scanID) }}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range wanted {
		if _, exists := s.registrations[key]; exists {
			continue
		}
		id, err := s.cron.AddFunc(entry.expr, entry.trigger)
		if err != nil {
			s.log.Warn().Str("key", key).Str("expr", entry.expr).Err(err).Msg("invalid cron expression, skipping")
			continue
		}
		s.registrations[key] = id
		s.log.Info().Str("key", key).Msg("registered schedule")
	}

	for key, id := range s.registrations {
		if _, stillWanted := wanted[key]; !stillWanted {
			s.cron.Remove(id)
			delete(s.registrations, key)
			s.log.Info().Str("key", key).Msg("removed stale schedule registration")
		}
	}

	return nil
}

func hostRegistrationKey(hostID int64) string {
	return fmt.Sprintf("host:%d", hostID)
}

func networkScanRegistrationKey(subnet, expr string) string {
	return fmt.Sprintf("net:%s|%s", subnet, expr)
}

// triggerServerScan enqueues a scan for hostID unless it is already
// scanning, recording an audit entry either way (§4.8: "Triggering a job is
// skipped when the host is already in scanning. Each trigger records an
// audit entry.").
func (s *Scheduler) triggerServerScan(ctx context.Context, hostID int64) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM hosts WHERE id = $1`, hostID).Scan(&status); err != nil {
		s.log.Error().Int64("host_id", hostID).Err(err).Msg("lookup host status for trigger failed")
		return
	}
	if model.HostStatus(status) == model.HostScanning {
		s.audit.Record(ctx, "scheduler", "enqueue-server-scan", "skipped:already-scanning", &hostID, "")
		return
	}
	outcome := "ok"
	detail := ""
	if err := s.jobs.EnqueueServerScan(ctx, hostID); err != nil {
		outcome = "error:enqueue-failed"
		detail = err.Error()
		s.log.Error().Int64("host_id", hostID).Err(err).Msg("enqueue server scan failed")
	}
	s.audit.Record(ctx, "scheduler", "enqueue-server-scan", outcome, &hostID, detail)
}

func (s *Scheduler) triggerNetworkScan(ctx context.Context, scanID int64) {
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM network_scan_configs WHERE id = $1`, scanID).Scan(&status); err != nil {
		s.log.Error().Int64("scan_id", scanID).Err(err).Msg("lookup network scan status for trigger failed")
		return
	}
	if model.NetworkScanStatus(status) == model.NetworkScanRunning {
		s.audit.Record(ctx, "scheduler", "enqueue-network-scan", "skipped:already-running", nil, fmt.Sprintf("scan_id=%d", scanID))
		return
	}
	outcome := "ok"
	detail := fmt.Sprintf("scan_id=%d", scanID)
	if err := s.jobs.EnqueueNetworkScan(ctx, scanID); err != nil {
		outcome = "error:enqueue-failed"
		detail = err.Error()
		s.log.Error().Int64("scan_id", scanID).Err(err).Msg("enqueue network scan failed")
	}
	s.audit.Record(ctx, "scheduler", "enqueue-network-scan", outcome, nil, detail)
}

// recoverStale forces hosts stuck in scanning for more than scanTimeout to
// error, and network scans stuck in running for more than scanTimeout to
// failed (§4.8 "Stale recovery").
func (s *Scheduler) recoverStale(ctx context.Context) error {
	cutoff := time.Now().Add(-scanTimeout)

	tag, err := s.pool.Exec(ctx, `
		UPDATE hosts SET status = 'error', last_scan_error = 'scan timeout', updated_at = now()
		WHERE status = 'scanning' AND last_scan_at < $1`, cutoff)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("recover stale hosts: %w", err))
	}
	if tag.RowsAffected() > 0 {
		s.audit.Record(ctx, "scheduler", "stale-recovery", "ok", nil, fmt.Sprintf("hosts_recovered=%d", tag.RowsAffected()))
		s.log.Warn().Int64("count", tag.RowsAffected()).Msg("recovered stale scanning hosts")
	}

	ntag, err := s.pool.Exec(ctx, `
		UPDATE network_scan_configs SET status = 'failed', last_scan_error = 'scan timeout'
		WHERE status = 'running' AND last_scan_at < $1`, cutoff)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("recover stale network scans: %w", err))
	}
	if ntag.RowsAffected() > 0 {
		s.audit.Record(ctx, "scheduler", "stale-recovery", "ok", nil, fmt.Sprintf("network_scans_recovered=%d", ntag.RowsAffected()))
		s.log.Warn().Int64("count", ntag.RowsAffected()).Msg("recovered stale network scans")
	}
	return nil
}

// Health is the snapshot produced by aggregateHealth (§4.8 "Health
// aggregation"): failures in the last 24h and schedules currently live.
type Health struct {
	FailuresLast24h int
	ActiveSchedules int
	ScanningNow     int
	AggregatedAt    time.Time
}

func (s *Scheduler) aggregateHealth(ctx context.Context) error {
	var failures int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM hosts WHERE status = 'error' AND updated_at > now() - interval '24 hours'`).Scan(&failures); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("count recent failures: %w", err))
	}
	var scanning int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM hosts WHERE status = 'scanning'`).Scan(&scanning); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("count scanning hosts: %w", err))
	}

	s.mu.Lock()
	active := len(s.registrations)
	s.mu.Unlock()

	h := Health{
		FailuresLast24h: failures,
		ActiveSchedules: active,
		ScanningNow:     scanning,
		AggregatedAt:    time.Now(),
	}
	s.log.Info().Int("failures_24h", h.FailuresLast24h).Int("active_schedules", h.ActiveSchedules).
		Int("scanning_now", h.ScanningNow).Msg("health aggregation")
	return nil
}

