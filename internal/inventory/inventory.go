// Package inventory implements the inventory mapper (C4, §4.4): it takes
// one gather document for a host and reconciles it into the relational
// inventory tables inside a single transaction. Grounded directly on the
// teacher's checkin/db.go ProcessCheckin — same shape (begin tx, deferred
// rollback, a sequence of per-category steps, commit last) generalized
// from "merge duplicate appliances + fetch pending orders" to "delete and
// reinsert each child collection for one host".
package inventory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/docvalue"
	"github.com/bmetallica/systemmap/internal/model"
)

// batchSize bounds how many rows are sent per multi-row INSERT (§4.4:
// "child collections are replaced in batches of 200 rows").
const batchSize = 200

// Counts reports how many rows were written to each child collection,
// returned to the caller (job runtime, C9) for progress reporting.
type Counts struct {
	Services    int
	Mounts      int
	Interfaces  int
	Containers  int
	CronEntries int
	Units       int
	Certs       int
	LvmVolumes  int
	Users       int
	LogEntries  int
}

// Mapper reconciles gather documents into the relational inventory.
type Mapper struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New builds a Mapper bound to pool.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Mapper {
	return &Mapper{pool: pool, log: log.With().Str("component", "inventory").Logger()}
}

// MapDocument reconciles one gather document for hostID (§4.4: "mapDocument
// (hostRef, document) -> counts"). The whole operation is one transaction:
// a partial write never leaves the inventory half-updated for a host.
func (m *Mapper) MapDocument(ctx context.Context, hostID int64, doc docvalue.Doc) (Counts, error) {
	var counts Counts

	root := docvalue.ExpectObject(doc)
	if len(root) == 0 {
		return counts, model.NewErrorf(model.KindDataIntegrity, model.CodeMalformedDocument, "gather document root is not an object")
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return counts, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	steps := []func(context.Context, pgx.Tx, int64, map[string]interface{}, *Counts) error{
		m.reconcileMounts,
		m.reconcileInterfaces,
		m.reconcileServices,
		m.reconcileContainers,
		m.reconcileCron,
		m.reconcileSystemdUnits,
		m.reconcileCerts,
		m.reconcileLvm,
		m.reconcileUsers,
		m.reconcileLogs,
	}
	for _, step := range steps {
		if err := step(ctx, tx, hostID, root, &counts); err != nil {
			return counts, err
		}
	}

	canonical, checksum, err := canonicalAndChecksum(root)
	if err != nil {
		return counts, model.NewError(model.KindDataIntegrity, model.CodeMalformedDocument, err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE hosts SET
			raw_scan_data = $2,
			last_scan_at = $3,
			last_scan_error = NULL,
			status = 'online',
			updated_at = $3
		WHERE id = $1
	`, hostID, canonical, now); err != nil {
		return counts, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("update host: %w", err))
	}
	_ = checksum // recomputed independently by the snapshot engine (C6) from its own stable subset

	if err := tx.Commit(ctx); err != nil {
		return counts, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit: %w", err))
	}

	m.log.Info().Int64("host_id", hostID).
		Int("services", counts.Services).Int("mounts", counts.Mounts).
		Int("containers", counts.Containers).Int("units", counts.Units).
		Msg("inventory reconciled")

	return counts, nil
}

func canonicalAndChecksum(root map[string]interface{}) ([]byte, string, error) {
	canonical, err := docvalue.MarshalCanonical(root)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// str/num/boolean helpers: each pulls one field out of an object doc with a
// declared fallback, matching §4.4's "numeric and string fields are safely
// coerced with fallback" requirement.
func str(obj map[string]interface{}, key, def string) string {
	return docvalue.SafeString(docvalue.Field(obj, key), def)
}

func num(obj map[string]interface{}, key string) int64 {
	return int64(docvalue.SafeInt(docvalue.Field(obj, key), 0))
}

func boolean(obj map[string]interface{}, key string, def bool) bool {
	return docvalue.SafeBool(docvalue.Field(obj, key), def)
}

func intPtr(obj map[string]interface{}, key string) *int {
	return docvalue.SafeIntPtr(docvalue.Field(obj, key))
}

func deleteHostRows(ctx context.Context, tx pgx.Tx, table string, hostID int64) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE host_id = $1`, table), hostID)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("delete %s: %w", table, err))
	}
	return nil
}

// batchInsert sends rows through batches of up to batchSize statements via
// a pgx.Batch (one network round trip per batch), matching §4.4's delete-
// then-batch-insert replacement strategy.
func batchInsert(ctx context.Context, tx pgx.Tx, sql string, rows [][]interface{}) error {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			batch.Queue(sql, row...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows[start:end] {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("batch insert: %w", err))
			}
		}
		if err := br.Close(); err != nil {
			return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("batch close: %w", err))
		}
	}
	return nil
}

func (m *Mapper) reconcileMounts(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "mounts", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "mounts"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "device", ""),
			str(obj, "mountpoint", ""),
			str(obj, "fs", ""),
			num(obj, "size_mb"),
			num(obj, "used_mb"),
			intPtr(obj, "use_pct"),
		})
	}
	counts.Mounts = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO mounts (host_id, device, mount_point, fs, size_mb, used_mb, use_pct)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rows)
}

func (m *Mapper) reconcileInterfaces(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "interfaces", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "interfaces"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		addr := str(obj, "address", "")
		ip := addr
		if idx := strings.IndexByte(addr, '/'); idx >= 0 {
			ip = addr[:idx]
		}
		rows = append(rows, []interface{}{
			hostID, str(obj, "name", ""), ip, "", "up", 0, 0, 0,
		})
	}
	counts.Interfaces = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO interfaces (host_id, name, ip, mac, state, mtu, rx_bytes, tx_bytes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rows)
}

// reconcileServices derives services from the listeners section (§4.4:
// "services are derived from listeners, deduplicated by name+port+proto").
func (m *Mapper) reconcileServices(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "services", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "listeners"))
	seen := make(map[string]bool)
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		name := str(obj, "process", "")
		port := int(num(obj, "port"))
		proto := str(obj, "protocol", "")
		svc := model.Service{Name: name, Port: port, Protocol: proto}
		key := svc.ItemKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, []interface{}{
			hostID, name, port, proto, str(obj, "bind", ""), "listening", 0,
		})
	}
	counts.Services = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO services (host_id, name, port, protocol, bind, state, pid)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rows)
}

func (m *Mapper) reconcileContainers(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "docker_containers", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "docker_containers"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		envDoc := docvalue.ExpectObject(docvalue.Field(obj, "env"))
		env, err := docvalue.MarshalCanonical(envDoc)
		if err != nil {
			env = []byte("{}")
		}
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "id", ""),
			str(obj, "name", ""),
			str(obj, "image", ""),
			str(obj, "state", ""),
			env,
		})
	}
	counts.Containers = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO docker_containers (host_id, id, name, image, state, env)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rows)
}

func (m *Mapper) reconcileCron(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "cron_entries", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "cron_jobs"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "user", ""),
			str(obj, "schedule", ""),
			docvalue.Truncate(str(obj, "command", ""), 2000),
			str(obj, "source", ""),
		})
	}
	counts.CronEntries = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO cron_entries (host_id, "user", schedule, command, source)
		VALUES ($1,$2,$3,$4,$5)
	`, rows)
}

// isInterestingUnitState reports whether a systemd unit's active_state is
// worth persisting (§4.4: units that are merely "inactive/dead" are not
// interesting inventory — only active and failed units are retained).
func isInterestingUnitState(state string) bool {
	return state == "active" || state == "failed"
}

// reconcileSystemdUnits filters to active or failed units only (§4.4: a
// unit that is merely "inactive/dead" is not interesting inventory).
func (m *Mapper) reconcileSystemdUnits(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "systemd_units", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "systemd_units"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		state := str(obj, "active_state", "")
		if !isInterestingUnitState(state) {
			continue
		}
		name := str(obj, "name", "")
		unitType := "service"
		if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
			unitType = name[idx+1:]
		}
		rows = append(rows, []interface{}{
			hostID, name, unitType, state, str(obj, "sub_state", ""),
		})
	}
	counts.Units = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO systemd_units (host_id, name, type, active_state, sub_state)
		VALUES ($1,$2,$3,$4,$5)
	`, rows)
}

func (m *Mapper) reconcileCerts(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "ssl_certs", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "ssl_certificates"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "path", ""),
			str(obj, "subject", ""),
			str(obj, "issuer", ""),
			str(obj, "valid_from", ""),
			str(obj, "valid_to", ""),
			boolean(obj, "is_expired", true),
			num(obj, "days_left"),
			docvalue.SafeStringSlice(docvalue.Field(obj, "san_domains")),
		})
	}
	counts.Certs = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO ssl_certs (host_id, path, subject, issuer, valid_from, valid_to, is_expired, days_left, san_domains)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rows)
}

// reconcileLvm enriches each logical volume with its mountpoint by joining
// against the mounts already reconciled this pass (§4.4: "LVM volumes are
// enriched with their mountpoint, if any, via a join against mounts").
func (m *Mapper) reconcileLvm(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "lvm_volumes", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "lvm"))
	mountByDevice := make(map[string]string)
	for _, mi := range docvalue.ExpectArray(docvalue.Field(root, "mounts")) {
		mobj := docvalue.ExpectObject(mi)
		mountByDevice[str(mobj, "device", "")] = str(mobj, "mountpoint", "")
	}

	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		path := str(obj, "path", "")
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "vg", ""),
			str(obj, "lv", ""),
			path,
			docvalue.Truncate(str(obj, "size", ""), 64),
			mountByDevice[path],
		})
	}
	counts.LvmVolumes = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO lvm_volumes (host_id, vg, lv, path, size, mountpoint)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rows)
}

func (m *Mapper) reconcileUsers(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "user_accounts", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "user_accounts"))
	var rows [][]interface{}
	for _, item := range items {
		obj := docvalue.ExpectObject(item)
		rows = append(rows, []interface{}{
			hostID,
			str(obj, "username", ""),
			num(obj, "uid"),
			num(obj, "gid"),
			str(obj, "shell", ""),
			str(obj, "home_dir", ""),
			boolean(obj, "has_login", true),
		})
	}
	counts.Users = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO user_accounts (host_id, username, uid, gid, shell, home_dir, has_login)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rows)
}

// reconcileLogs keeps only the single latest retention window per host
// (§4.4: "server log lines are single-retention — each reconciliation
// replaces the prior window wholesale").
func (m *Mapper) reconcileLogs(ctx context.Context, tx pgx.Tx, hostID int64, root map[string]interface{}, counts *Counts) error {
	if err := deleteHostRows(ctx, tx, "server_log_entries", hostID); err != nil {
		return err
	}
	items := docvalue.ExpectArray(docvalue.Field(root, "logs"))
	var rows [][]interface{}
	for _, item := range items {
		line, ok := item.(string)
		if !ok {
			continue
		}
		rows = append(rows, []interface{}{hostID, docvalue.Truncate(line, 2000)})
	}
	counts.LogEntries = len(rows)
	return batchInsert(ctx, tx, `
		INSERT INTO server_log_entries (host_id, line)
		VALUES ($1,$2)
	`, rows)
}
