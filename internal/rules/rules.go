// Package rules implements the rule engine and alert manager (C7, §4.7): a
// fixed set of five tagged condition kinds evaluated against a host's
// current inventory facts, cooldown-gated per rule, emitting Alert rows.
//
// The teacher's healing/l1_engine.go Engine matches an open-ended
// Field/Operator/Value triple against an arbitrary incident payload and
// tracks cooldowns in an in-memory map keyed "rule_id:host_id". This
// package generalizes the matching side to the five closed
// model.RuleConditionKind variants and keeps the YAML-seeded rule set idiom.
// Cooldowns are persisted on the rule row instead (a DB-backed multi-process
// daemon can't rely on one process's memory), so they are keyed by rule
// alone rather than by "rule_id:host_id".
package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/bmetallica/systemmap/internal/model"
)

// Engine evaluates AlertRule rows against a host's stored inventory facts
// and emits Alert rows, enforcing cooldowns via the persisted
// AlertRule.LastTriggeredAt column rather than an in-memory map. The column
// is per rule, so a global rule that fired for one host is in cooldown for
// every host until its window passes.
type Engine struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New constructs an Engine.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Engine {
	return &Engine{pool: pool, log: log.With().Str("component", "rules").Logger()}
}

// facts is the subset of a host's current inventory relevant to rule
// evaluation, loaded fresh from the relational tables C4 maintains.
type facts struct {
	mounts       []model.Mount
	systemdUnits []model.SystemdUnit
	sslCerts     []model.SslCert
	services     []model.Service
	diffEvents   []model.DiffEvent // from the host's most recent snapshot only
}

// Evaluate runs every enabled rule in scope for hostID against that host's
// current facts, emits an Alert for each newly-matching rule not in
// cooldown, and returns the number of alerts emitted.
func (e *Engine) Evaluate(ctx context.Context, hostID int64) (int, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin evaluate tx: %w", err))
	}
	defer tx.Rollback(ctx)

	rules, err := loadApplicableRules(ctx, tx, hostID)
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit evaluate tx: %w", err))
		}
		return 0, nil
	}

	f, err := loadFacts(ctx, tx, hostID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	alertCount := 0
	for i := range rules {
		rule := &rules[i]
		if inCooldown(rule, now) {
			e.log.Debug().Int64("rule_id", rule.ID).Int64("host_id", hostID).Msg("rule in cooldown")
			continue
		}
		matched, detail := evaluateCondition(rule.Condition, f)
		if !matched {
			continue
		}
		if err := insertAlert(ctx, tx, rule, hostID, detail); err != nil {
			return alertCount, err
		}
		if err := touchLastTriggered(ctx, tx, rule.ID, now); err != nil {
			return alertCount, err
		}
		alertCount++
		e.log.Info().Int64("rule_id", rule.ID).Int64("host_id", hostID).Str("rule", rule.Name).Msg("rule matched, alert emitted")
	}

	if err := tx.Commit(ctx); err != nil {
		return alertCount, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit evaluate tx: %w", err))
	}
	return alertCount, nil
}

func loadApplicableRules(ctx context.Context, tx pgx.Tx, hostID int64) ([]model.AlertRule, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, name, description, category, condition_kind, condition_json,
		       severity, enabled, scope, host_id, cooldown_minutes, last_triggered_at
		FROM alert_rules
		WHERE enabled AND (scope = 'global' OR host_id = $1)
		ORDER BY id`, hostID)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load alert rules: %w", err))
	}
	defer rows.Close()

	var out []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var kind string
		var condJSON []byte
		var scope string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Category, &kind, &condJSON,
			&r.Severity, &r.Enabled, &scope, &r.HostID, &r.CooldownMinutes, &r.LastTriggeredAt); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan alert rule row: %w", err))
		}
		r.Scope = model.RuleScope(scope)
		cond, err := decodeCondition(model.RuleConditionKind(kind), condJSON)
		if err != nil {
			return nil, err
		}
		r.Condition = cond
		out = append(out, r)
	}
	return out, rows.Err()
}

func loadFacts(ctx context.Context, tx pgx.Tx, hostID int64) (facts, error) {
	var f facts

	mrows, err := tx.Query(ctx, `SELECT device, mount_point, fs, size_mb, used_mb, use_pct FROM mounts WHERE host_id = $1`, hostID)
	if err != nil {
		return f, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load mounts: %w", err))
	}
	for mrows.Next() {
		var m model.Mount
		m.HostID = hostID
		if err := mrows.Scan(&m.Device, &m.MountPoint, &m.FS, &m.SizeMB, &m.UsedMB, &m.UsePct); err != nil {
			mrows.Close()
			return f, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan mount row: %w", err))
		}
		f.mounts = append(f.mounts, m)
	}
	mrows.Close()

	srows, err := tx.Query(ctx, `SELECT name, type, active_state, sub_state, main_pid, memory_mb, cpu_seconds, enabled FROM systemd_units WHERE host_id = $1`, hostID)
	if err != nil {
		return f, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load systemd units: %w", err))
	}
	for srows.Next() {
		var u model.SystemdUnit
		u.HostID = hostID
		if err := srows.Scan(&u.Name, &u.Type, &u.ActiveState, &u.SubState, &u.MainPID, &u.MemoryMB, &u.CPUSeconds, &u.Enabled); err != nil {
			srows.Close()
			return f, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan systemd unit row: %w", err))
		}
		f.systemdUnits = append(f.systemdUnits, u)
	}
	srows.Close()

	crows, err := tx.Query(ctx, `SELECT path, subject, issuer, valid_from, valid_to, is_expired, days_left FROM ssl_certs WHERE host_id = $1`, hostID)
	if err != nil {
		return f, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load ssl certs: %w", err))
	}
	for crows.Next() {
		var c model.SslCert
		c.HostID = hostID
		if err := crows.Scan(&c.Path, &c.Subject, &c.Issuer, &c.ValidFrom, &c.ValidTo, &c.IsExpired, &c.DaysLeft); err != nil {
			crows.Close()
			return f, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan ssl cert row: %w", err))
		}
		f.sslCerts = append(f.sslCerts, c)
	}
	crows.Close()

	svrows, err := tx.Query(ctx, `SELECT name, port, protocol, bind, state, pid FROM services WHERE host_id = $1`, hostID)
	if err != nil {
		return f, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load services: %w", err))
	}
	for svrows.Next() {
		var s model.Service
		s.HostID = hostID
		if err := svrows.Scan(&s.Name, &s.Port, &s.Protocol, &s.Bind, &s.State, &s.PID); err != nil {
			svrows.Close()
			return f, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan service row: %w", err))
		}
		f.services = append(f.services, s)
	}
	svrows.Close()

	// diff_events are only evaluated from the host's most recent snapshot,
	// so a single diff_count rule fires once per newly-seen batch of
	// changes rather than re-matching events from scans long past.
	drows, err := tx.Query(ctx, `
		SELECT de.id, de.host_id, de.snapshot_id, de.category, de.change_type, de.item_key,
		       de.old_value, de.new_value, de.severity, de.acknowledged, de.created_at
		FROM diff_events de
		JOIN snapshots sn ON sn.id = de.snapshot_id
		WHERE de.host_id = $1
		  AND sn.scan_number = (SELECT MAX(scan_number) FROM snapshots WHERE host_id = $1)`, hostID)
	if err != nil {
		return f, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load diff events: %w", err))
	}
	for drows.Next() {
		var d model.DiffEvent
		if err := drows.Scan(&d.ID, &d.HostID, &d.SnapshotID, &d.Category, &d.ChangeType, &d.ItemKey,
			&d.OldValue, &d.NewValue, &d.Severity, &d.Acknowledged, &d.CreatedAt); err != nil {
			drows.Close()
			return f, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan diff event row: %w", err))
		}
		f.diffEvents = append(f.diffEvents, d)
	}
	drows.Close()

	return f, nil
}

// inCooldown reports whether rule last triggered, on any host, within its
// cooldown window. Unlike the teacher's in-memory "rule_id:host_id" map, the
// timestamp lives on the rule row, so the host is not part of the key.
func inCooldown(rule *model.AlertRule, now time.Time) bool {
	if rule.LastTriggeredAt == nil {
		return false
	}
	window := time.Duration(rule.CooldownMinutes) * time.Minute
	return now.Sub(*rule.LastTriggeredAt) < window
}

// evaluateCondition dispatches on the condition's Kind and returns whether
// it matched plus a human-readable detail string used as the Alert message.
func evaluateCondition(c model.RuleCondition, f facts) (bool, string) {
	switch c.Kind {
	case model.ConditionSSLExpiry:
		return matchSSLExpiry(c, f)
	case model.ConditionDiskUsage:
		return matchDiskUsage(c, f)
	case model.ConditionSystemdFailed:
		return matchSystemdFailed(c, f)
	case model.ConditionDiffCount:
		return matchDiffCount(c, f)
	case model.ConditionServiceMissing:
		return matchServiceMissing(c, f)
	default:
		return false, ""
	}
}

// matchSSLExpiry implements §4.7's ssl_expiry formula: a zero-threshold rule
// matches certificates already flagged isExpired, independent of their
// stored daysLeft value; any other threshold matches certificates within
// daysLeft days of their valid_to, expired or not. Per §8's boundary
// property, a daysLeft=0/isExpired=true certificate must fire both the
// zero-threshold rule and a generic-expiry rule in the same cooldown
// window, so the two branches are not mutually exclusive on IsExpired.
func matchSSLExpiry(c model.RuleCondition, f facts) (bool, string) {
	for _, cert := range f.sslCerts {
		if c.DaysLeft == 0 {
			if cert.IsExpired {
				return true, fmt.Sprintf("certificate %s is expired", cert.Path)
			}
			continue
		}
		if cert.DaysLeft <= c.DaysLeft {
			return true, fmt.Sprintf("certificate %s expires in %d day(s) (threshold %d)", cert.Path, cert.DaysLeft, c.DaysLeft)
		}
	}
	return false, ""
}

func matchDiskUsage(c model.RuleCondition, f facts) (bool, string) {
	for _, m := range f.mounts {
		if m.UsePct == nil {
			continue
		}
		if *m.UsePct >= c.ThresholdPct {
			return true, fmt.Sprintf("mount %s at %d%% (threshold %d%%)", m.MountPoint, *m.UsePct, c.ThresholdPct)
		}
	}
	return false, ""
}

func matchSystemdFailed(c model.RuleCondition, f facts) (bool, string) {
	for _, u := range f.systemdUnits {
		if u.ActiveState == "failed" {
			return true, fmt.Sprintf("unit %s is in failed state", u.Name)
		}
	}
	return false, ""
}

func matchDiffCount(c model.RuleCondition, f facts) (bool, string) {
	count := 0
	for _, ev := range f.diffEvents {
		if c.Category != nil && ev.Category != *c.Category {
			continue
		}
		if c.ChangeType != nil && ev.ChangeType != *c.ChangeType {
			continue
		}
		count++
	}
	if count >= c.Threshold {
		return true, fmt.Sprintf("%d matching diff event(s) meet or exceed threshold %d", count, c.Threshold)
	}
	return false, ""
}

func matchServiceMissing(c model.RuleCondition, f facts) (bool, string) {
	for _, s := range f.services {
		if s.Name == c.ServiceName {
			return false, ""
		}
	}
	return true, fmt.Sprintf("service %s not found among running services", c.ServiceName)
}

func insertAlert(ctx context.Context, tx pgx.Tx, rule *model.AlertRule, hostID int64, detail string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO alerts (rule_id, host_id, title, message, severity, category, metadata, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '{}', false, now())`,
		rule.ID, hostID, rule.Name, detail, rule.Severity, rule.Category)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

func touchLastTriggered(ctx context.Context, tx pgx.Tx, ruleID int64, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE alert_rules SET last_triggered_at = $2 WHERE id = $1`, ruleID, at)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("update rule cooldown: %w", err))
	}
	return nil
}

func decodeCondition(kind model.RuleConditionKind, raw []byte) (model.RuleCondition, error) {
	var payload struct {
		DaysLeft     int     `yaml:"days_left"`
		ThresholdPct int     `yaml:"threshold_pct"`
		Category     *string `yaml:"category"`
		ChangeType   *string `yaml:"change_type"`
		Threshold    int     `yaml:"threshold"`
		ServiceName  string  `yaml:"service_name"`
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &payload); err != nil {
			return model.RuleCondition{}, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("decode rule condition: %w", err))
		}
	}
	cond := model.RuleCondition{
		Kind:         kind,
		DaysLeft:     payload.DaysLeft,
		ThresholdPct: payload.ThresholdPct,
		Category:     payload.Category,
		Threshold:    payload.Threshold,
		ServiceName:  payload.ServiceName,
	}
	if payload.ChangeType != nil {
		ct := model.ChangeType(*payload.ChangeType)
		cond.ChangeType = &ct
	}
	return cond, nil
}

// defaultRulesYAML seeds the initial rule set once per database, the same
// way the teacher's loadYAMLRules reads an on-disk rules directory — here
// the set is small and fixed enough to keep inline rather than a
// filesystem directory the daemon would need to locate and watch. The set
// names exactly the eight rules §4.7 lists: "SSL expiring/expired, disk
// ≥90%/≥80%, systemd failed, new user, service removed, container change".
const defaultRulesYAML = `
- name: ssl-certificate-expiring
  description: TLS certificate has 14 or fewer days of validity remaining
  category: certificates
  severity: warning
  cooldown_minutes: 1440
  condition:
    kind: ssl_expiry
    days_left: 14
- name: ssl-certificate-expired
  description: TLS certificate has already expired
  category: certificates
  severity: critical
  cooldown_minutes: 1440
  condition:
    kind: ssl_expiry
    days_left: 0
- name: disk-usage-critical
  description: a mount has crossed 90% utilization
  category: capacity
  severity: critical
  cooldown_minutes: 60
  condition:
    kind: disk_usage
    threshold_pct: 90
- name: disk-usage-warning
  description: a mount has crossed 80% utilization
  category: capacity
  severity: warning
  cooldown_minutes: 60
  condition:
    kind: disk_usage
    threshold_pct: 80
- name: systemd-unit-failed
  description: a systemd unit is in the failed state
  category: services
  severity: critical
  cooldown_minutes: 30
  condition:
    kind: systemd_failed
- name: new-user-account
  description: a user account was added since the last scan
  category: accounts
  severity: warning
  cooldown_minutes: 1440
  condition:
    kind: diff_count
    category: user_accounts
    change_type: added
    threshold: 1
- name: service-removed
  description: a listening service was removed since the last scan
  category: services
  severity: warning
  cooldown_minutes: 1440
  condition:
    kind: diff_count
    category: listeners
    change_type: removed
    threshold: 1
- name: container-change
  description: a docker container was added, removed, or changed since the last scan
  category: containers
  severity: warning
  cooldown_minutes: 1440
  condition:
    kind: diff_count
    category: docker_containers
    threshold: 1
`

type defaultRule struct {
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	Category        string `yaml:"category"`
	Severity        string `yaml:"severity"`
	CooldownMinutes int    `yaml:"cooldown_minutes"`
	Condition       struct {
		Kind         string  `yaml:"kind"`
		DaysLeft     int     `yaml:"days_left"`
		ThresholdPct int     `yaml:"threshold_pct"`
		Category     *string `yaml:"category"`
		ChangeType   *string `yaml:"change_type"`
		Threshold    int     `yaml:"threshold"`
		ServiceName  string  `yaml:"service_name"`
	} `yaml:"condition"`
}

// SeedDefaults inserts the built-in global rule set if no rules exist yet.
// Safe to call on every daemon startup: it is a no-op once any row exists,
// so administrator-edited or administrator-deleted rules are never
// clobbered on a restart.
func SeedDefaults(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger) error {
	var count int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM alert_rules`).Scan(&count); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("count alert rules: %w", err))
	}
	if count > 0 {
		return nil
	}

	var defs []defaultRule
	if err := yaml.Unmarshal([]byte(defaultRulesYAML), &defs); err != nil {
		return model.NewError(model.KindProgramming, model.CodeMalformedDocument, fmt.Errorf("parse default rules: %w", err))
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin seed tx: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, d := range defs {
		condJSON, err := yaml.Marshal(d.Condition)
		if err != nil {
			return model.NewError(model.KindProgramming, model.CodeMalformedDocument, fmt.Errorf("marshal default condition: %w", err))
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO alert_rules (name, description, category, condition_kind, condition_json, severity, enabled, scope, host_id, cooldown_minutes)
			VALUES ($1, $2, $3, $4, $5, $6, true, 'global', NULL, $7)`,
			d.Name, d.Description, d.Category, d.Condition.Kind, condJSON, d.Severity, d.CooldownMinutes)
		if err != nil {
			return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("insert default rule %s: %w", d.Name, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit seed tx: %w", err))
	}
	log.Info().Int("count", len(defs)).Msg("seeded default alert rules")
	return nil
}

// ListActiveAlerts returns unresolved, previously-persisted Alert rows,
// most severe first, optionally scoped to a single host. This is distinct
// from LiveWarnings: it reports alerts the engine already emitted, not the
// current state of the underlying evidence.
func ListActiveAlerts(ctx context.Context, pool *pgxpool.Pool, hostID *int64) ([]model.Alert, error) {
	var rows pgx.Rows
	var err error
	if hostID != nil {
		rows, err = pool.Query(ctx, `
			SELECT id, rule_id, host_id, title, message, severity, category, metadata, resolved, resolved_at, resolved_by, created_at
			FROM alerts WHERE resolved = false AND host_id = $1`, *hostID)
	} else {
		rows, err = pool.Query(ctx, `
			SELECT id, rule_id, host_id, title, message, severity, category, metadata, resolved, resolved_at, resolved_by, created_at
			FROM alerts WHERE resolved = false`)
	}
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("list active alerts: %w", err))
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.RuleID, &a.HostID, &a.Title, &a.Message, &a.Severity, &a.Category,
			&a.Metadata, &a.Resolved, &a.ResolvedAt, &a.ResolvedBy, &a.CreatedAt); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan alert row: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("iterate alerts: %w", err))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return model.SeverityRank(out[i].Severity) < model.SeverityRank(out[j].Severity)
	})
	return out, nil
}

// LiveWarning is one item of the §4.7 "live-warnings" view: current
// evidence, not a persisted Alert. It carries no rule reference and no ID
// because nothing is written when it is computed.
type LiveWarning struct {
	HostID   int64
	Category string
	Severity model.Severity
	Message  string
}

// LiveWarnings reports current ssl/systemd/disk evidence, filtered by
// whether at least one enabled rule of that condition kind exists (the
// anti-spam gate §4.7 describes), sorted critical < warning < info. It
// writes nothing; compare ListActiveAlerts, which lists persisted alerts.
func LiveWarnings(ctx context.Context, pool *pgxpool.Pool, hostID *int64) ([]LiveWarning, error) {
	enabled, err := enabledConditionKinds(ctx, pool, hostID)
	if err != nil {
		return nil, err
	}

	var out []LiveWarning
	if enabled[model.ConditionSSLExpiry] {
		warnings, err := liveSSLWarnings(ctx, pool, hostID)
		if err != nil {
			return nil, err
		}
		out = append(out, warnings...)
	}
	if enabled[model.ConditionSystemdFailed] {
		warnings, err := liveSystemdWarnings(ctx, pool, hostID)
		if err != nil {
			return nil, err
		}
		out = append(out, warnings...)
	}
	if enabled[model.ConditionDiskUsage] {
		warnings, err := liveDiskWarnings(ctx, pool, hostID)
		if err != nil {
			return nil, err
		}
		out = append(out, warnings...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return model.SeverityRank(out[i].Severity) < model.SeverityRank(out[j].Severity)
	})
	return out, nil
}

// enabledConditionKinds is the anti-spam gate: a condition kind only
// surfaces live warnings when an administrator has at least one enabled
// rule of that kind configured, global or host-scoped.
func enabledConditionKinds(ctx context.Context, pool *pgxpool.Pool, hostID *int64) (map[model.RuleConditionKind]bool, error) {
	var rows pgx.Rows
	var err error
	if hostID != nil {
		rows, err = pool.Query(ctx, `SELECT DISTINCT condition_kind FROM alert_rules WHERE enabled AND (scope = 'global' OR host_id = $1)`, *hostID)
	} else {
		rows, err = pool.Query(ctx, `SELECT DISTINCT condition_kind FROM alert_rules WHERE enabled`)
	}
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load enabled condition kinds: %w", err))
	}
	defer rows.Close()

	kinds := map[model.RuleConditionKind]bool{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan condition kind: %w", err))
		}
		kinds[model.RuleConditionKind(kind)] = true
	}
	return kinds, rows.Err()
}

func liveSSLWarnings(ctx context.Context, pool *pgxpool.Pool, hostID *int64) ([]LiveWarning, error) {
	query := `SELECT host_id, path, is_expired, days_left FROM ssl_certs`
	var args []interface{}
	if hostID != nil {
		query += ` WHERE host_id = $1`
		args = append(args, *hostID)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load live ssl evidence: %w", err))
	}
	defer rows.Close()

	var out []LiveWarning
	for rows.Next() {
		var hid int64
		var path string
		var isExpired bool
		var daysLeft int
		if err := rows.Scan(&hid, &path, &isExpired, &daysLeft); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan live ssl row: %w", err))
		}
		switch {
		case isExpired:
			out = append(out, LiveWarning{HostID: hid, Category: "certificates", Severity: model.SeverityCritical, Message: fmt.Sprintf("certificate %s is expired", path)})
		case daysLeft <= 30:
			out = append(out, LiveWarning{HostID: hid, Category: "certificates", Severity: model.SeverityWarning, Message: fmt.Sprintf("certificate %s expires in %d day(s)", path, daysLeft)})
		}
	}
	return out, rows.Err()
}

func liveSystemdWarnings(ctx context.Context, pool *pgxpool.Pool, hostID *int64) ([]LiveWarning, error) {
	query := `SELECT host_id, name FROM systemd_units WHERE active_state = 'failed'`
	var args []interface{}
	if hostID != nil {
		query += ` AND host_id = $1`
		args = append(args, *hostID)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load live systemd evidence: %w", err))
	}
	defer rows.Close()

	var out []LiveWarning
	for rows.Next() {
		var hid int64
		var name string
		if err := rows.Scan(&hid, &name); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan live systemd row: %w", err))
		}
		out = append(out, LiveWarning{HostID: hid, Category: "services", Severity: model.SeverityCritical, Message: fmt.Sprintf("unit %s is in failed state", name)})
	}
	return out, rows.Err()
}

func liveDiskWarnings(ctx context.Context, pool *pgxpool.Pool, hostID *int64) ([]LiveWarning, error) {
	query := `SELECT host_id, mount_point, use_pct FROM mounts WHERE use_pct IS NOT NULL AND use_pct >= 80`
	var args []interface{}
	if hostID != nil {
		query += ` AND host_id = $1`
		args = append(args, *hostID)
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load live disk evidence: %w", err))
	}
	defer rows.Close()

	var out []LiveWarning
	for rows.Next() {
		var hid int64
		var mountPoint string
		var usePct int
		if err := rows.Scan(&hid, &mountPoint, &usePct); err != nil {
			return nil, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, fmt.Errorf("scan live disk row: %w", err))
		}
		severity := model.SeverityWarning
		if usePct >= 90 {
			severity = model.SeverityCritical
		}
		out = append(out, LiveWarning{HostID: hid, Category: "capacity", Severity: severity, Message: fmt.Sprintf("mount %s at %d%%", mountPoint, usePct)})
	}
	return out, rows.Err()
}
