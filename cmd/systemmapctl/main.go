// Command systemmapctl is the operator introspection and control CLI:
// register hosts and credentials, enqueue scans on demand, and list
// hosts/diffs/alerts. Subcommand dispatch and the standard `flag` package
// per subcommand follow cmd/appliance-daemon's --config/--version flag
// idiom — the teacher never reaches for a CLI framework, so neither does
// this.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/config"
	"github.com/bmetallica/systemmap/internal/credstore"
	"github.com/bmetallica/systemmap/internal/jobqueue"
	"github.com/bmetallica/systemmap/internal/rules"
	"github.com/bmetallica/systemmap/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	var cmdErr error
	switch os.Args[1] {
	case "register-host":
		cmdErr = registerHost(ctx, pool, cfg, os.Args[2:])
	case "enqueue":
		cmdErr = enqueue(ctx, pool, os.Args[2:])
	case "hosts":
		cmdErr = listHosts(ctx, pool)
	case "diffs":
		cmdErr = listDiffs(ctx, pool, os.Args[2:])
	case "alerts":
		cmdErr = listAlerts(ctx, pool, os.Args[2:])
	case "warnings":
		cmdErr = listWarnings(ctx, pool, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: systemmapctl <command> [flags]

commands:
  register-host   register a host and store its SSH credential
  enqueue         enqueue a server-scan, network-scan or process-map job
  hosts           list known hosts
  diffs           list recent diff events for a host
  alerts          list active alerts
  warnings        list live ssl/systemd/disk evidence, gated by enabled rule kinds`)
}

func registerHost(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("register-host", flag.ExitOnError)
	ip := fs.String("ip", "", "host IP address (unique)")
	sshUser := fs.String("ssh-user", "root", "SSH username")
	sshPort := fs.Int("ssh-port", 22, "SSH port")
	useSudo := fs.Bool("use-sudo", false, "run gather commands via sudo")
	password := fs.String("password", "", "SSH password (mutually exclusive with -private-key)")
	privateKeyPath := fs.String("private-key", "", "path to a PEM-encoded private key")
	scheduleExpr := fs.String("schedule", "", "cron expression for recurring scans, e.g. '0 */6 * * *'")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ip == "" {
		return fmt.Errorf("-ip is required")
	}
	if (*password == "") == (*privateKeyPath == "") {
		return fmt.Errorf("exactly one of -password or -private-key is required")
	}

	v, err := vault.New(cfg.VaultMasterKeyHex)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	store := credstore.New(pool, v)

	handle := fmt.Sprintf("host:%s", *ip)
	authKind, secret := "password", *password
	if *privateKeyPath != "" {
		keyBytes, err := os.ReadFile(*privateKeyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		authKind, secret = "private_key", string(keyBytes)
	}
	if err := store.Put(ctx, handle, authKind, secret); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	var schedule *string
	if *scheduleExpr != "" {
		schedule = scheduleExpr
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO hosts (ip, credential_handle, ssh_user, ssh_port, use_sudo, schedule_expression, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'configured', now(), now())
		ON CONFLICT (ip) DO UPDATE SET
			credential_handle = excluded.credential_handle,
			ssh_user = excluded.ssh_user,
			ssh_port = excluded.ssh_port,
			use_sudo = excluded.use_sudo,
			schedule_expression = excluded.schedule_expression,
			updated_at = now()`,
		*ip, handle, *sshUser, *sshPort, *useSudo, schedule)
	if err != nil {
		return fmt.Errorf("upsert host: %w", err)
	}
	fmt.Printf("registered host %s (credential handle %s)\n", *ip, handle)
	return nil
}

func enqueue(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	kind := fs.String("type", "", "server-scan | network-scan | process-map")
	hostID := fs.Int64("host", 0, "host id (server-scan, process-map)")
	subnet := fs.String("subnet", "", "CIDR to scan (network-scan)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mgr := jobqueue.New(pool, jobqueue.DefaultConfigs(), zerolog.Nop())
	switch *kind {
	case "server-scan":
		if *hostID == 0 {
			return fmt.Errorf("-host is required for server-scan")
		}
		if err := mgr.EnqueueServerScan(ctx, *hostID); err != nil {
			return err
		}
	case "process-map":
		if *hostID == 0 {
			return fmt.Errorf("-host is required for process-map")
		}
		if err := mgr.Enqueue(ctx, jobqueue.QueueProcessMap, hostID, fmt.Sprintf("host:%d", *hostID), nil); err != nil {
			return err
		}
	case "network-scan":
		if *subnet == "" {
			return fmt.Errorf("-subnet is required for network-scan")
		}
		var scanID int64
		err := pool.QueryRow(ctx, `
			INSERT INTO network_scan_configs (subnet, status)
			VALUES ($1, 'idle')
			ON CONFLICT DO NOTHING
			RETURNING id`, *subnet).Scan(&scanID)
		if err != nil {
			if err := pool.QueryRow(ctx, `SELECT id FROM network_scan_configs WHERE subnet = $1`, *subnet).Scan(&scanID); err != nil {
				return fmt.Errorf("resolve network scan config: %w", err)
			}
		}
		if err := mgr.EnqueueNetworkScan(ctx, scanID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown -type %q", *kind)
	}
	fmt.Println("enqueued")
	return nil
}

func listHosts(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `SELECT id, ip, hostname, status, last_scan_at FROM hosts ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIP\tHOSTNAME\tSTATUS\tLAST SCAN")
	for rows.Next() {
		var id int64
		var ip, hostname, status string
		var lastScan *time.Time
		if err := rows.Scan(&id, &ip, &hostname, &status, &lastScan); err != nil {
			return err
		}
		when := "never"
		if lastScan != nil {
			when = lastScan.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", id, ip, hostname, status, when)
	}
	return w.Flush()
}

func listDiffs(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("diffs", flag.ExitOnError)
	hostID := fs.Int64("host", 0, "host id")
	limit := fs.Int("limit", 20, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hostID == 0 {
		return fmt.Errorf("-host is required")
	}

	rows, err := pool.Query(ctx, `
		SELECT category, change_type, item_key, severity, created_at
		FROM diff_events WHERE host_id = $1 ORDER BY created_at DESC LIMIT $2`, *hostID, *limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tCATEGORY\tCHANGE\tITEM\tSEVERITY")
	for rows.Next() {
		var category, changeType, itemKey, severity string
		var createdAt time.Time
		if err := rows.Scan(&category, &changeType, &itemKey, &severity, &createdAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", createdAt.Format(time.RFC3339), category, changeType, itemKey, severity)
	}
	return w.Flush()
}

func listAlerts(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	hostID := fs.Int64("host", 0, "host id; 0 lists alerts across all hosts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var hostFilter *int64
	if *hostID != 0 {
		hostFilter = hostID
	}
	alerts, err := rules.ListActiveAlerts(ctx, pool, hostFilter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tSEVERITY\tCATEGORY\tTITLE")
	for _, a := range alerts {
		host := "-"
		if a.HostID != nil {
			host = fmt.Sprintf("%d", *a.HostID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, host, a.Severity, a.Category, a.Title)
	}
	return w.Flush()
}

func listWarnings(ctx context.Context, pool *pgxpool.Pool, args []string) error {
	fs := flag.NewFlagSet("warnings", flag.ExitOnError)
	hostID := fs.Int64("host", 0, "host id; 0 lists warnings across all hosts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var hostFilter *int64
	if *hostID != 0 {
		hostFilter = hostID
	}
	warnings, err := rules.LiveWarnings(ctx, pool, hostFilter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSEVERITY\tCATEGORY\tMESSAGE")
	for _, wn := range warnings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", wn.HostID, wn.Severity, wn.Category, wn.Message)
	}
	return w.Flush()
}
