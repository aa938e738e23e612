// Package sshexec implements the remote executor contract (C2, §4.2): SSH
// session lifecycle, script upload/execution/cleanup, a classified error
// taxonomy with per-kind retriability, and a non-scripted health check.
// Adapted from the teacher's SSH executor (session caching, TOFU host-key
// verification, LRU eviction, retry/backoff), generalized from its
// MSP-appliance-specific ExecutionResult shape to the spec's
// runScript/runCommand contract.
package sshexec

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/bmetallica/systemmap/internal/model"
)

// Credentials identifies a Linux target and its auth material (decrypted
// by the caller via internal/vault before reaching this package).
type Credentials struct {
	Hostname   string
	Port       int // default 22
	Username   string
	Password   *string
	PrivateKey *string // PEM-encoded
	UseSudo    bool
}

// Options bounds one runScript/runCommand call.
type Options struct {
	Timeout    time.Duration // overall per-call deadline, default 180s
	Retries    int           // extra attempts beyond the first, default 2
	RetryDelay time.Duration // base backoff, default 3s, doubled per attempt
}

const (
	defaultCallTimeout = 180 * time.Second
	defaultRetries     = 2
	defaultRetryBase   = 3 * time.Second
	readyTimeout       = 15 * time.Second
	keepaliveInterval  = 15 * time.Second
	keepaliveMaxMissed = 3

	stdoutCap = 10 * 1024 * 1024 // 10 MB hard cap (§4.2)
	stderrCap = 100 * 1024       // 100 KB cap (§4.2)

	connMaxAge     = 300 * time.Second
	maxCachedConns = 50
	remoteScript   = "/tmp/.systemmap_gather.sh"
)

var knownHostsPath = "/var/lib/systemmap/ssh_known_hosts"

// cachedConn holds an SSH client with its creation time.
type cachedConn struct {
	client    *ssh.Client
	createdAt time.Time
}

// Executor manages SSH connections and remote script/command execution.
type Executor struct {
	conns     map[string]*cachedConn
	connOrder []string // LRU order, oldest first
	hostKeys  map[string]ssh.PublicKey
	mu        sync.Mutex
}

// NewExecutor creates an Executor, loading any persisted TOFU host keys.
func NewExecutor() *Executor {
	e := &Executor{
		conns:    make(map[string]*cachedConn),
		hostKeys: make(map[string]ssh.PublicKey),
	}
	e.loadKnownHosts()
	return e
}

// RunScript uploads script via heredoc, executes it with bash, deletes it,
// and returns the extracted top-level JSON document from stdout (§4.2,
// §4.3). Retries per Options on retriable classified errors.
func (e *Executor) RunScript(ctx context.Context, creds *Credentials, script string, opts Options) ([]byte, error) {
	opts = withDefaults(opts)

	cmd := uploadAndRunCommand(script, creds.UseSudo, creds.Username)
	stdout, _, exitCode, err := e.runWithRetry(ctx, creds, cmd, opts)
	if err != nil {
		return nil, err
	}

	doc, ok := extractTopLevelDocument(stdout)
	if !ok {
		return nil, model.NewErrorf(model.KindPermanent, model.CodeParseError,
			"no well-formed top-level document in stdout (exit=%d)", exitCode)
	}
	return doc, nil
}

// RunCommand executes an arbitrary command and returns trimmed stdout text
// (§4.2's runCommand contract).
func (e *Executor) RunCommand(ctx context.Context, creds *Credentials, command string, opts Options) (string, error) {
	opts = withDefaults(opts)
	stdout, _, _, err := e.runWithRetry(ctx, creds, command, opts)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

// HealthCheck performs the non-scripted reachability probe (§4.2: "also
// exposes a non-scripted health check returning {reachable, latencyMs,
// osBanner}").
type HealthResult struct {
	Reachable bool
	LatencyMS int64
	OSBanner  string
}

func (e *Executor) HealthCheck(ctx context.Context, creds *Credentials) HealthResult {
	start := time.Now()
	stdout, _, _, err := e.runWithRetry(ctx, creds, "uname -a && hostname", Options{Timeout: readyTimeout, Retries: 0})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthResult{Reachable: false, LatencyMS: latency}
	}
	return HealthResult{Reachable: true, LatencyMS: latency, OSBanner: strings.TrimSpace(stdout)}
}

func withDefaults(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryBase
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	return opts
}

func uploadAndRunCommand(script string, useSudo bool, username string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(script))
	upload := fmt.Sprintf(`echo %s | base64 -d > %s && chmod +x %s`, encoded, remoteScript, remoteScript)

	var run string
	if useSudo && username != "root" {
		run = fmt.Sprintf(`sudo bash %s`, remoteScript)
	} else {
		run = fmt.Sprintf(`bash %s`, remoteScript)
	}

	cleanup := fmt.Sprintf(`rm -f %s`, remoteScript)
	return fmt.Sprintf("%s && %s; ec=$?; %s; exit $ec", upload, run, cleanup)
}

// extractTopLevelDocument returns the substring delimited by the outermost
// "{" ... "}" in stdout, tolerating surrounding text (§4.2: "Stdout must
// contain a well-formed top-level document delimited by the outermost
// '{...}'; content outside the delimiters is tolerated").
func extractTopLevelDocument(stdout string) ([]byte, bool) {
	start := strings.Index(stdout, "{")
	end := strings.LastIndex(stdout, "}")
	if start < 0 || end < start {
		return nil, false
	}
	return []byte(stdout[start : end+1]), true
}

// runWithRetry executes cmd with the retry/backoff loop from §4.2 (up to
// N extra attempts, exponential backoff base × 2^(attempt-1); aborts
// immediately on a non-retriable classified error).
func (e *Executor) runWithRetry(ctx context.Context, creds *Credentials, cmd string, opts Options) (stdout, stderr string, exitCode int, retErr error) {
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := opts.RetryDelay * time.Duration(1<<uint(attempt-1))
			log.Info().Str("host", creds.Hostname).Int("attempt", attempt).Dur("backoff", backoff).Msg("ssh retry")
			select {
			case <-ctx.Done():
				return "", "", -1, model.NewError(model.KindTransient, model.CodeUnknown, ctx.Err())
			case <-time.After(backoff):
			}
		}

		out, errOut, code, err := e.executeOnce(ctx, creds, cmd, opts.Timeout)
		if err == nil {
			return out, errOut, code, nil
		}

		classified := classifyError(err, code)
		lastErr = classified
		if !classified.Retriable() {
			e.InvalidateConnection(creds.Hostname)
			return "", "", code, classified
		}
		e.InvalidateConnection(creds.Hostname)
	}

	return "", "", -1, lastErr
}

// executeOnce opens one SSH session, runs cmd, and captures bounded
// stdout/stderr.
func (e *Executor) executeOnce(ctx context.Context, creds *Credentials, cmd string, timeout time.Duration) (string, string, int, error) {
	client, err := e.getConnection(creds)
	if err != nil {
		return "", "", -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return "", "", -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return "", "", -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		return "", "", -1, fmt.Errorf("start command: %w", err)
	}

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyBounded(&outBuf, stdoutPipe, stdoutCap) }()
	go func() { defer wg.Done(); copyBounded(&errBuf, stderrPipe, stderrCap) }()

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", -1, fmt.Errorf("context cancelled")
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return "", "", -1, fmt.Errorf("execution timed out after %s", timeout)
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return "", "", -1, fmt.Errorf("run: %w", runErr)
			}
		}
		if outBuf.Len() >= stdoutCap {
			return outBuf.String(), errBuf.String(), exitCode, model.NewErrorf(model.KindPermanent, model.CodeOutputTooLarge, "stdout exceeded %d bytes", stdoutCap)
		}
		return outBuf.String(), errBuf.String(), exitCode, nil
	}
}

func copyBounded(dst *strings.Builder, src io.Reader, capBytes int) {
	reader := bufio.NewReaderSize(src, 32*1024)
	buf := make([]byte, 32*1024)
	for dst.Len() < capBytes {
		n, err := reader.Read(buf)
		if n > 0 {
			remaining := capBytes - dst.Len()
			if n > remaining {
				n = remaining
			}
			dst.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
	// Drain the rest so the remote process isn't blocked on a full pipe.
	io.Copy(io.Discard, reader)
}

// classifyError maps a raw SSH/exec error into the §4.2/§7 taxonomy.
func classifyError(err error, exitCode int) *model.Error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	switch {
	case isAuthError(err):
		return model.NewError(model.KindPermanent, model.CodeAuthFailed, err)
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "lookup "):
		return model.NewError(model.KindPermanent, model.CodeDNSResolution, err)
	case strings.Contains(msg, "connection refused"):
		return model.NewError(model.KindTransient, model.CodeConnectionRefused, err)
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "i/o timeout"):
		if strings.Contains(msg, "execution timed out") {
			return model.NewError(model.KindTransient, model.CodeScriptTimeout, err)
		}
		return model.NewError(model.KindTransient, model.CodeConnectionTimeout, err)
	case strings.Contains(msg, "no route to host") || strings.Contains(msg, "network is unreachable"):
		return model.NewError(model.KindTransient, model.CodeHostUnreachable, err)
	default:
		c := model.NewError(model.KindTransient, model.CodeUnknown, err)
		if exitCode == 124 || exitCode == 137 {
			c.Code = model.CodeScriptTimeout
		}
		return c
	}
}

// getConnection returns a cached or freshly dialed SSH connection,
// enforcing LRU eviction and connection-age expiry.
func (e *Executor) getConnection(creds *Credentials) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.conns[creds.Hostname]; ok {
		if time.Since(cached.createdAt) < connMaxAge {
			if _, err := cached.client.NewSession(); err == nil {
				e.lruTouch(creds.Hostname)
				return cached.client, nil
			}
			log.Info().Str("host", creds.Hostname).Msg("stale ssh connection, reconnecting")
		}
		cached.client.Close()
		delete(e.conns, creds.Hostname)
		e.lruRemove(creds.Hostname)
	}

	config, err := e.buildSSHConfig(creds)
	if err != nil {
		return nil, err
	}

	port := creds.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(creds.Hostname, fmt.Sprintf("%d", port))

	conn, err := net.DialTimeout("tcp", addr, readyTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	go e.keepalive(client, creds.Hostname)

	if len(e.conns) >= maxCachedConns && len(e.connOrder) > 0 {
		evictHost := e.connOrder[0]
		e.connOrder = e.connOrder[1:]
		if old, ok := e.conns[evictHost]; ok {
			old.client.Close()
			delete(e.conns, evictHost)
		}
	}

	e.conns[creds.Hostname] = &cachedConn{client: client, createdAt: time.Now()}
	e.lruTouch(creds.Hostname)
	return client, nil
}

// keepalive sends a keepalive request every 15s; after 3 consecutive
// missed responses the connection is invalidated (§4.2).
func (e *Executor) keepalive(client *ssh.Client, hostname string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for range ticker.C {
		e.mu.Lock()
		cached, ok := e.conns[hostname]
		stillCurrent := ok && cached.client == client
		e.mu.Unlock()
		if !stillCurrent {
			return
		}

		_, _, err := client.SendRequest("keepalive@systemmap", true, nil)
		if err != nil {
			missed++
			if missed >= keepaliveMaxMissed {
				e.InvalidateConnection(hostname)
				return
			}
			continue
		}
		missed = 0
	}
}

func (e *Executor) lruTouch(hostname string) {
	e.lruRemove(hostname)
	e.connOrder = append(e.connOrder, hostname)
}

func (e *Executor) lruRemove(hostname string) {
	for i, h := range e.connOrder {
		if h == hostname {
			e.connOrder = append(e.connOrder[:i], e.connOrder[i+1:]...)
			return
		}
	}
}

// InvalidateConnection drops any cached connection for hostname.
func (e *Executor) InvalidateConnection(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.conns[hostname]; ok {
		cached.client.Close()
		delete(e.conns, hostname)
		e.lruRemove(hostname)
	}
}

// ConnectionCount returns the number of cached connections.
func (e *Executor) ConnectionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// CloseAll closes every cached connection, e.g. on graceful shutdown.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, cached := range e.conns {
		cached.client.Close()
		delete(e.conns, host)
	}
	e.connOrder = nil
}

func (e *Executor) buildSSHConfig(creds *Credentials) (*ssh.ClientConfig, error) {
	username := creds.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: e.tofuHostKeyCallback,
		Timeout:         readyTimeout,
	}

	switch {
	case creds.PrivateKey != nil && *creds.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(*creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case creds.Password != nil && *creds.Password != "":
		config.Auth = []ssh.AuthMethod{
			ssh.Password(*creds.Password),
			ssh.KeyboardInteractive(passwordKeyboardInteractive(*creds.Password)),
		}
	default:
		return nil, fmt.Errorf("no auth method for %s (need key or password)", creds.Hostname)
	}

	return config, nil
}

// passwordKeyboardInteractive answers every prompt with the configured
// password, supporting servers that require keyboard-interactive instead
// of plain password auth (§4.2: "supports keyboard-interactive fallback
// using the configured password").
func passwordKeyboardInteractive(password string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

// tofuHostKeyCallback implements Trust On First Use: accept and persist
// new host keys, reject changed keys.
func (e *Executor) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, known := e.hostKeys[host]
	if !known {
		e.hostKeys[host] = key
		e.saveKnownHosts()
		return nil
	}

	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}

	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), knownHostsPath)
}

func (e *Executor) loadKnownHosts() {
	f, err := os.Open(knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		e.hostKeys[parts[0]] = pubKey
	}
}

func (e *Executor) saveKnownHosts() {
	dir := filepath.Dir(knownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}

	var buf strings.Builder
	buf.WriteString("# SSH known hosts (TOFU — managed by systemmap)\n")
	for host, key := range e.hostKeys {
		buf.WriteString(fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal())))
	}
	os.WriteFile(knownHostsPath, []byte(buf.String()), 0o600)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
