// Package pipeline wires C1-C10 together into the three job-runtime
// handlers the spec's ordering guarantee names: server-scan runs
// §4.4→§4.5→§4.6→§4.7→§4.10 sequentially in one worker for one host;
// network-scan drives the two-phase nmap discovery and upserts Host rows;
// process-map drives C10's five-phase pipeline over the remote executor.
// Grounded on the teacher's daemon.runCycle, which is the one place the
// original wires its per-concern engines (healing, l2 planner, drift
// scanner) together behind a single per-tick call; this package is the
// same composition root generalized from "one daemon, N tickers" to "one
// handler per durable queue".
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/credstore"
	"github.com/bmetallica/systemmap/internal/docvalue"
	"github.com/bmetallica/systemmap/internal/gatherscript"
	"github.com/bmetallica/systemmap/internal/inventory"
	"github.com/bmetallica/systemmap/internal/jobqueue"
	"github.com/bmetallica/systemmap/internal/llm"
	"github.com/bmetallica/systemmap/internal/model"
	"github.com/bmetallica/systemmap/internal/netdiscover"
	"github.com/bmetallica/systemmap/internal/rules"
	"github.com/bmetallica/systemmap/internal/snapshot"
	"github.com/bmetallica/systemmap/internal/sshexec"
	"github.com/bmetallica/systemmap/internal/telemetry"
	"github.com/bmetallica/systemmap/internal/topology"
)

// Pipelines holds every per-component engine a job handler needs and
// exposes one method per queue.
type Pipelines struct {
	pool  *pgxpool.Pool
	log   zerolog.Logger
	audit *telemetry.Auditor

	creds   *credstore.Store
	ssh     *sshexec.Executor
	mapper  *inventory.Mapper
	topo    *topology.Correlator
	snap    *snapshot.Engine
	rules   *rules.Engine
	llmOrch *llm.Orchestrator
	scanner *netdiscover.Scanner

	gatherOpts gatherscript.Options
}

// New constructs a Pipelines ready to register against a jobqueue.Manager.
func New(pool *pgxpool.Pool, creds *credstore.Store, ssh *sshexec.Executor, scanner *netdiscover.Scanner, orch *llm.Orchestrator, log zerolog.Logger) *Pipelines {
	return &Pipelines{
		pool:       pool,
		log:        telemetry.NewLogger(log, "pipeline"),
		audit:      telemetry.NewAuditor(pool, log),
		creds:      creds,
		ssh:        ssh,
		mapper:     inventory.New(pool, log),
		topo:       topology.New(pool, log),
		snap:       snapshot.New(pool, log),
		rules:      rules.New(pool, log),
		llmOrch:    orch,
		scanner:    scanner,
		gatherOpts: gatherscript.DefaultOptions(),
	}
}

// Register binds each handler to its queue on mgr.
func (p *Pipelines) Register(mgr *jobqueue.Manager) {
	mgr.RegisterHandler(jobqueue.QueueServerScan, p.RunServerScan)
	mgr.RegisterHandler(jobqueue.QueueNetworkScan, p.RunNetworkScan)
	mgr.RegisterHandler(jobqueue.QueueProcessMap, p.RunProcessMap)
	mgr.RegisterHandler(jobqueue.QueueAIAnalysis, p.RunAIAnalysis)
}

func (p *Pipelines) loadHost(ctx context.Context, hostID int64) (model.Host, error) {
	var h model.Host
	err := p.pool.QueryRow(ctx, `
		SELECT id, ip, hostname, credential_handle, ssh_port, ssh_user, use_sudo
		FROM hosts WHERE id = $1`, hostID).
		Scan(&h.ID, &h.IP, &h.Hostname, &h.CredentialHandle, &h.SSHPort, &h.SSHUser, &h.UseSudo)
	if err != nil {
		return h, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load host %d: %w", hostID, err))
	}
	return h, nil
}

func (p *Pipelines) markScanFailed(ctx context.Context, hostID int64, cause error) {
	_, err := p.pool.Exec(ctx, `
		UPDATE hosts SET status = 'error', last_scan_error = $2, updated_at = now() WHERE id = $1`,
		hostID, cause.Error())
	if err != nil {
		p.log.Error().Int64("host_id", hostID).Err(err).Msg("failed to record scan failure on host")
	}
}

// RunServerScan executes the sequential §4.4->§4.5->§4.6->§4.7->§4.10 scan
// pipeline for one host (the job's HostID). Each stage reports progress so
// job observers can see which step is in flight.
func (p *Pipelines) RunServerScan(ctx context.Context, job jobqueue.Job, progress jobqueue.Reporter) error {
	if job.HostID == nil {
		return model.NewErrorf(model.KindPermanent, model.CodeMalformedDocument, "server-scan job %d has no host id", job.ID)
	}
	hostID := *job.HostID

	host, err := p.loadHost(ctx, hostID)
	if err != nil {
		return err
	}

	_ = progress.Report(ctx, "connect", 5, "resolving credentials", nil)
	creds, err := p.creds.Resolve(ctx, host)
	if err != nil {
		p.markScanFailed(ctx, hostID, err)
		p.audit.Record(ctx, "server-scan", "scan", telemetry.OutcomeError(err), &hostID, "credential resolution failed")
		return err
	}

	script, err := gatherscript.Generate(p.gatherOpts)
	if err != nil {
		return fmt.Errorf("generate gather script: %w", err)
	}

	_ = progress.Report(ctx, "gather", 15, "running gather script over ssh", nil)
	doc, err := p.ssh.RunScript(ctx, creds, script, sshexec.Options{})
	if err != nil {
		p.markScanFailed(ctx, hostID, err)
		p.audit.Record(ctx, "server-scan", "scan", telemetry.OutcomeError(err), &hostID, "gather script failed")
		return err
	}

	decoded, err := docvalue.Decode(doc)
	if err != nil {
		p.markScanFailed(ctx, hostID, err)
		return model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("decode gather document: %w", err))
	}

	_ = progress.Report(ctx, "map", 35, "mapping inventory", nil)
	counts, err := p.mapper.MapDocument(ctx, hostID, decoded)
	if err != nil {
		p.markScanFailed(ctx, hostID, err)
		p.audit.Record(ctx, "server-scan", "scan", telemetry.OutcomeError(err), &hostID, "inventory mapping failed")
		return err
	}

	_ = progress.Report(ctx, "correlate", 55, "correlating topology", nil)
	edgeCount, err := p.topo.Correlate(ctx, hostID)
	if err != nil {
		p.log.Error().Int64("host_id", hostID).Err(err).Msg("topology correlation failed")
	}

	_ = progress.Report(ctx, "snapshot", 70, "snapshotting and diffing", nil)
	snapRes, err := p.snap.SnapshotAndDiff(ctx, hostID)
	if err != nil {
		p.markScanFailed(ctx, hostID, err)
		p.audit.Record(ctx, "server-scan", "scan", telemetry.OutcomeError(err), &hostID, "snapshot/diff failed")
		return err
	}

	_ = progress.Report(ctx, "rules", 85, "evaluating alert rules", nil)
	alertCount, err := p.rules.Evaluate(ctx, hostID)
	if err != nil {
		p.log.Error().Int64("host_id", hostID).Err(err).Msg("rule evaluation failed")
	}

	_ = progress.Report(ctx, "ai", 95, "running post-scan AI pipelines", nil)
	if p.llmOrch != nil {
		summary := fmt.Sprintf("hostname=%s services=%d mounts=%d units=%d diffs=%d",
			host.Hostname, counts.Services, counts.Mounts, counts.Units, snapRes.DiffCount)
		if err := p.llmOrch.RunServerSummary(ctx, hostID, summary); err != nil {
			p.log.Warn().Int64("host_id", hostID).Err(err).Msg("server_summary pipeline skipped")
		}
		if snapRes.DiffCount > 0 {
			diffs, derr := p.loadDiffs(ctx, snapRes.SnapshotID)
			if derr == nil && len(diffs) > 0 {
				if err := p.llmOrch.RunAnomalyCheck(ctx, hostID, diffs); err != nil {
					p.log.Warn().Int64("host_id", hostID).Err(err).Msg("anomaly_check pipeline skipped")
				}
			}
		}
	}

	_ = progress.Report(ctx, "done", 100, "scan complete", map[string]int{
		"services": counts.Services, "edges": edgeCount, "diffs": snapRes.DiffCount, "alerts": alertCount,
	})
	p.audit.Record(ctx, "server-scan", "scan", telemetry.OutcomeOK, &hostID,
		fmt.Sprintf("scan_number=%d diffs=%d alerts=%d", snapRes.ScanNumber, snapRes.DiffCount, alertCount))
	return nil
}

func (p *Pipelines) loadDiffs(ctx context.Context, snapshotID int64) ([]model.DiffEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, host_id, snapshot_id, category, change_type, item_key, old_value, new_value, severity, acknowledged, created_at
		FROM diff_events WHERE snapshot_id = $1`, snapshotID)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load diffs: %w", err))
	}
	defer rows.Close()

	var out []model.DiffEvent
	for rows.Next() {
		var d model.DiffEvent
		if err := rows.Scan(&d.ID, &d.HostID, &d.SnapshotID, &d.Category, &d.ChangeType, &d.ItemKey, &d.OldValue, &d.NewValue, &d.Severity, &d.Acknowledged, &d.CreatedAt); err != nil {
			return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("scan diff row: %w", err))
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type networkScanPayload struct {
	ScanID int64 `json:"scan_id"`
}

// RunNetworkScan drives the two-phase nmap discovery for one
// NetworkScanConfig row and upserts a Host per discovered IP.
func (p *Pipelines) RunNetworkScan(ctx context.Context, job jobqueue.Job, progress jobqueue.Reporter) error {
	var payload networkScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.NewError(model.KindPermanent, model.CodeMalformedDocument, fmt.Errorf("decode network-scan payload: %w", err))
	}

	var subnet string
	if err := p.pool.QueryRow(ctx, `SELECT subnet FROM network_scan_configs WHERE id = $1`, payload.ScanID).Scan(&subnet); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load network scan config %d: %w", payload.ScanID, err))
	}

	_, _ = p.pool.Exec(ctx, `UPDATE network_scan_configs SET status = 'running' WHERE id = $1`, payload.ScanID)

	_ = progress.Report(ctx, "scan", 10, fmt.Sprintf("scanning %s", subnet), nil)
	hosts, err := p.scanner.Scan(ctx, subnet)
	if err != nil {
		_, _ = p.pool.Exec(ctx, `UPDATE network_scan_configs SET status = 'failed', last_scan_error = $2 WHERE id = $1`, payload.ScanID, err.Error())
		p.audit.Record(ctx, "network-scan", "scan", telemetry.OutcomeError(err), nil, subnet)
		return err
	}

	_ = progress.Report(ctx, "upsert", 80, "registering discovered hosts", map[string]int{"hosts": len(hosts)})
	for _, h := range hosts {
		_, err := p.pool.Exec(ctx, `
			INSERT INTO hosts (ip, hostname, ssh_port, status, created_at, updated_at)
			VALUES ($1, $2, 22, 'discovered', now(), now())
			ON CONFLICT (ip) DO UPDATE SET hostname = excluded.hostname, updated_at = now()`,
			h.IP, h.Hostname)
		if err != nil {
			p.log.Error().Str("ip", h.IP).Err(err).Msg("upsert discovered host failed")
		}
	}

	_, _ = p.pool.Exec(ctx, `UPDATE network_scan_configs SET status = 'idle', last_scan_at = now(), last_scan_error = NULL WHERE id = $1`, payload.ScanID)
	p.audit.Record(ctx, "network-scan", "scan", telemetry.OutcomeOK, nil, fmt.Sprintf("subnet=%s hosts=%d", subnet, len(hosts)))
	_ = progress.Report(ctx, "done", 100, "network scan complete", map[string]int{"hosts": len(hosts)})
	return nil
}

// RunProcessMap resolves credentials for the job's host and hands an
// sshexec-backed CommandRunner to the LLM orchestrator's five-phase
// pipeline.
func (p *Pipelines) RunProcessMap(ctx context.Context, job jobqueue.Job, progress jobqueue.Reporter) error {
	if job.HostID == nil {
		return model.NewErrorf(model.KindPermanent, model.CodeMalformedDocument, "process-map job %d has no host id", job.ID)
	}
	hostID := *job.HostID

	host, err := p.loadHost(ctx, hostID)
	if err != nil {
		return err
	}
	creds, err := p.creds.Resolve(ctx, host)
	if err != nil {
		p.audit.Record(ctx, "process-map", "scan", telemetry.OutcomeError(err), &hostID, "credential resolution failed")
		return err
	}

	services, processes, err := p.loadServicesAndProcesses(ctx, hostID)
	if err != nil {
		return err
	}

	_ = progress.Report(ctx, "discover", 10, "running configuration discovery", nil)
	runner := sshCommandRunner{exec: p.ssh, creds: creds}
	if err := p.llmOrch.RunProcessMap(ctx, hostID, runner, services, processes); err != nil {
		p.audit.Record(ctx, "process-map", "scan", telemetry.OutcomeError(err), &hostID, "process_map pipeline failed")
		return err
	}

	p.audit.Record(ctx, "process-map", "scan", telemetry.OutcomeOK, &hostID, "")
	_ = progress.Report(ctx, "done", 100, "process map complete", nil)
	return nil
}

func (p *Pipelines) loadServicesAndProcesses(ctx context.Context, hostID int64) ([]model.Service, []model.Process, error) {
	var services []model.Service
	rows, err := p.pool.Query(ctx, `SELECT host_id, name, port, protocol, bind, state, pid FROM services WHERE host_id = $1`, hostID)
	if err != nil {
		return nil, nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load services: %w", err))
	}
	for rows.Next() {
		var s model.Service
		if err := rows.Scan(&s.HostID, &s.Name, &s.Port, &s.Protocol, &s.Bind, &s.State, &s.PID); err != nil {
			rows.Close()
			return nil, nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("scan service row: %w", err))
		}
		services = append(services, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, model.NewError(model.KindTransient, model.CodeDatabase, err)
	}

	var raw []byte
	if err := p.pool.QueryRow(ctx, `SELECT raw_scan_data FROM hosts WHERE id = $1`, hostID).Scan(&raw); err != nil {
		return services, nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load raw scan data: %w", err))
	}
	var processes []model.Process
	if len(raw) > 0 {
		decoded, err := docvalue.Decode(raw)
		if err == nil {
			root := docvalue.ExpectObject(decoded)
			for _, item := range docvalue.ExpectArray(docvalue.Field(root, "processes")) {
				o := docvalue.ExpectObject(item)
				processes = append(processes, model.Process{
					HostID:   hostID,
					PID:      docvalue.SafeInt(docvalue.Field(o, "pid"), 0),
					PPID:     docvalue.SafeInt(docvalue.Field(o, "ppid"), 0),
					User:     docvalue.SafeString(docvalue.Field(o, "user"), ""),
					CPUPct:   docvalue.SafeFloat(docvalue.Field(o, "cpu_pct"), 0),
					MemMB:    docvalue.SafeInt(docvalue.Field(o, "mem_mb"), 0),
					Command:  docvalue.SafeString(docvalue.Field(o, "command"), ""),
					FullPath: docvalue.SafeString(docvalue.Field(o, "full_path"), ""),
					Args:     docvalue.SafeStringSlice(docvalue.Field(o, "args")),
					Cgroup:   docvalue.SafeString(docvalue.Field(o, "cgroup"), ""),
					FDCount:  docvalue.SafeInt(docvalue.Field(o, "fd_count"), 0),
				})
			}
		}
	}
	return services, processes, nil
}

// sshCommandRunner adapts sshexec.Executor to llm.CommandRunner. The
// hostID argument CommandRunner's contract carries is ignored here since
// creds are already resolved for the one host this runner was built for.
// When the host's UseSudo toggle is set and the login user is not root,
// each command runs under sudo.
type sshCommandRunner struct {
	exec  *sshexec.Executor
	creds *sshexec.Credentials
}

func (r sshCommandRunner) RunCommand(ctx context.Context, hostID int64, command string, timeout time.Duration) (string, error) {
	if r.creds.UseSudo && r.creds.Username != "root" {
		encoded := base64.StdEncoding.EncodeToString([]byte(command))
		command = fmt.Sprintf(`echo %s | base64 -d | sudo bash`, encoded)
	}
	opts := sshexec.Options{Timeout: timeout}
	return r.exec.RunCommand(ctx, r.creds, command, opts)
}

type aiAnalysisPayload struct {
	HostID  int64  `json:"host_id"`
	Purpose string `json:"purpose"`
	RawLogs string `json:"raw_logs,omitempty"`
	Context string `json:"context,omitempty"`
}

// RunAIAnalysis drives the on-demand AI pipelines (log_analysis, runbook)
// that aren't implicitly chained onto a server scan.
func (p *Pipelines) RunAIAnalysis(ctx context.Context, job jobqueue.Job, progress jobqueue.Reporter) error {
	var payload aiAnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.NewError(model.KindPermanent, model.CodeMalformedDocument, fmt.Errorf("decode ai-analysis payload: %w", err))
	}

	_ = progress.Report(ctx, "run", 20, fmt.Sprintf("running %s", payload.Purpose), nil)
	switch model.AiPurpose(payload.Purpose) {
	case model.PurposeLogAnalysis:
		if err := p.llmOrch.RunLogAnalysis(ctx, payload.HostID, payload.RawLogs); err != nil {
			return err
		}
	case model.PurposeRunbook:
		if _, err := p.llmOrch.RunRunbook(ctx, payload.HostID, payload.Context); err != nil {
			return err
		}
	default:
		return model.NewErrorf(model.KindPermanent, model.CodeMalformedDocument, "unsupported ai-analysis purpose %q", payload.Purpose)
	}

	_ = progress.Report(ctx, "done", 100, "ai analysis complete", nil)
	p.audit.Record(ctx, "ai-analysis", payload.Purpose, telemetry.OutcomeOK, &payload.HostID, "")
	return nil
}
