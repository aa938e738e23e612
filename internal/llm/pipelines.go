package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/model"
)

// CommandRunner executes a single command against a host over SSH and
// returns trimmed stdout. Orchestrator depends on this narrow interface
// rather than sshexec.Executor directly so process-map can be driven
// without the orchestrator owning credential resolution (C1) itself —
// that composition happens at the worker that wires Orchestrator up.
type CommandRunner interface {
	RunCommand(ctx context.Context, hostID int64, command string, timeout time.Duration) (string, error)
}

// Orchestrator runs the five post-scan pipelines (§4.10), gating local
// providers behind Lock and persisting every result as an AiAnalysis row.
// Grounded on l2planner/planner.go's Plan method for the call shape
// (build request → call → parse → guardrails → persist).
type Orchestrator struct {
	pool     *pgxpool.Pool
	log      zerolog.Logger
	workerID int64
	scrubber *Scrubber
	budget   *BudgetTracker
}

// NewOrchestrator constructs an Orchestrator. workerID is the holder id the
// Lock writes to lock_holder_host; cmd/scand passes its process id (see
// Lock). Every prompt is
// scrubbed of secrets before it reaches a provider, and every call is
// gated by a daily-spend / hourly-rate budget.
func NewOrchestrator(pool *pgxpool.Pool, workerID int64, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		workerID: workerID,
		log:      log.With().Str("component", "llm-orchestrator").Logger(),
		scrubber: NewScrubber(),
		budget:   NewBudgetTracker(DefaultBudgetConfig()),
	}
}

// ErrAnalysisSkippedRecently is returned by RunLogAnalysis when a run
// already completed within the rolling 24h window.
var ErrAnalysisSkippedRecently = fmt.Errorf("log analysis already ran within the last 24h")

func (o *Orchestrator) loadSettings(ctx context.Context) (model.LlmSettings, error) {
	var s model.LlmSettings
	var features []byte
	err := o.pool.QueryRow(ctx, `
		SELECT id, provider, endpoint, credential, model, features_enabled, temperature, max_tokens, timeout_seconds
		FROM llm_settings WHERE id = 1`).Scan(
		&s.ID, &s.Provider, &s.Endpoint, &s.Credential, &s.Model, &features, &s.Temperature, &s.MaxTokens, &s.TimeoutSeconds)
	if err != nil {
		return s, model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("load llm settings: %w", err))
	}
	s.FeaturesEnabled = map[string]bool{}
	if len(features) > 0 {
		_ = json.Unmarshal(features, &s.FeaturesEnabled)
	}
	return s, nil
}

// isLocalProvider reports whether provider requires the single-writer
// lock. External-API providers (OpenAI-compatible, Anthropic-style)
// bypass it entirely (§4.10).
func isLocalProvider(provider string) bool {
	return provider == "ollama"
}

// chat runs one provider call, acquiring the single-writer lock first
// when the configured provider is local.
func (o *Orchestrator) chat(ctx context.Context, settings model.LlmSettings, messages []Message, jsonMode bool) (ChatResult, error) {
	provider, err := ForProviderName(settings.Provider)
	if err != nil {
		return ChatResult{}, model.NewError(model.KindPermanent, model.CodeLLMDisabled, err)
	}

	if err := o.budget.CheckBudget(); err != nil {
		return ChatResult{}, model.NewError(model.KindTransient, model.CodeLLMLockBlocked, err)
	}
	release, ok := o.budget.TryAcquire()
	if !ok {
		return ChatResult{}, model.NewError(model.KindTransient, model.CodeLLMLockBlocked, fmt.Errorf("llm concurrency limit reached"))
	}
	defer release()

	scrubbed := make([]Message, len(messages))
	for i, m := range messages {
		scrubbed[i] = Message{Role: m.Role, Content: o.scrubber.ScrubString(m.Content)}
	}
	messages = scrubbed

	opts := ChatOptions{
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		JSONMode:    jsonMode,
		Endpoint:    settings.Endpoint,
		Credential:  settings.Credential,
		Model:       settings.Model,
		TimeoutSecs: settings.TimeoutSeconds,
	}

	if !isLocalProvider(settings.Provider) {
		result, err := provider.Chat(ctx, messages, opts)
		if err == nil {
			o.budget.RecordCost(settings.Provider, result.InputUsage, result.OutputUsed)
		}
		return result, err
	}

	lock := NewLock(o.pool, o.workerID)
	var result ChatResult
	err = lock.WithLock(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = provider.Chat(ctx, messages, opts)
		return callErr
	})
	if err == ErrLocked {
		return ChatResult{}, model.NewError(model.KindTransient, model.CodeLLMLockBlocked, err)
	}
	if err == nil {
		o.budget.RecordCost(settings.Provider, result.InputUsage, result.OutputUsed)
	}
	return result, err
}

// chatJSON runs chat with JSON mode requested and applies the one-retry
// JSON-extraction FSM (§4.10 "JSON extraction").
func (o *Orchestrator) chatJSON(ctx context.Context, settings model.LlmSettings, messages []Message) (map[string]interface{}, ChatResult, error) {
	result, err := o.chat(ctx, settings, messages, true)
	if err != nil {
		return nil, result, err
	}

	reprompt := func(ctx context.Context) (string, error) {
		retryMessages := append(append([]Message{}, messages...), Message{
			Role:    "user",
			Content: "Your previous reply was not valid JSON. Return JSON only, with no surrounding prose or code fences.",
		})
		retried, err := o.chat(ctx, settings, retryMessages, true)
		if err != nil {
			return "", err
		}
		return retried.Content, nil
	}

	parsed, err := ExtractJSONWithRetry(ctx, result.Content, reprompt)
	return parsed, result, err
}

func (o *Orchestrator) featureEnabled(settings model.LlmSettings, purpose model.AiPurpose) bool {
	enabled, ok := settings.FeaturesEnabled[string(purpose)]
	return !ok || enabled
}

// replaceAiAnalysis deletes any prior row for (hostID, purpose) and
// inserts the new one in the same transaction (AiAnalysis invariant: at
// most one row per host/purpose).
func (o *Orchestrator) replaceAiAnalysis(ctx context.Context, hostID int64, purpose model.AiPurpose, document []byte, rawPrompt, rawResponse, modelUsed string, durationMS int64) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin ai_analysis tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM ai_analysis WHERE host_id = $1 AND purpose = $2`, hostID, purpose); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("delete prior ai_analysis: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ai_analysis (host_id, purpose, document, raw_prompt, raw_response, model_used, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		hostID, purpose, document, rawPrompt, rawResponse, modelUsed, durationMS); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("insert ai_analysis: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit ai_analysis tx: %w", err))
	}
	return nil
}

func (o *Orchestrator) insertAlert(ctx context.Context, hostID int64, title, message string, severity model.Severity, category string) error {
	_, err := o.pool.Exec(ctx, `
		INSERT INTO alerts (host_id, title, message, severity, category, metadata, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, '{}', false, now())`,
		hostID, title, message, severity, category)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("insert ai alert: %w", err))
	}
	return nil
}

// --- helpers for reading fields out of an extracted JSON map ---

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapSliceField(m map[string]interface{}, key string) []map[string]interface{} {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, v := range raw {
		if mm, ok := v.(map[string]interface{}); ok {
			out = append(out, mm)
		}
	}
	return out
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

// --- server_summary ---

const serverSummarySystemPrompt = `You analyze a Linux server's inventory facts and summarize its role.
Return JSON only: {"purpose": string, "tags": [string], "summary": string}.
purpose is a short label (e.g. "database server", "web frontend").
tags is 2-6 short lowercase keywords. summary is 2-3 sentences.`

// hostFactsSummary is produced by the caller from inventory state (host
// row, services, mounts, etc); the orchestrator treats it as an opaque
// prompt body so it doesn't need direct inventory-package knowledge.
func (o *Orchestrator) RunServerSummary(ctx context.Context, hostID int64, hostFactsSummary string) error {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return err
	}
	if !o.featureEnabled(settings, model.PurposeServerSummary) {
		return nil
	}

	messages := []Message{
		{Role: "system", Content: serverSummarySystemPrompt},
		{Role: "user", Content: hostFactsSummary},
	}

	parsed, result, err := o.chatJSON(ctx, settings, messages)
	if err != nil {
		return err
	}

	purpose := stringField(parsed, "purpose")
	tags := stringSliceField(parsed, "tags")
	summary := stringField(parsed, "summary")

	document, _ := json.Marshal(map[string]interface{}{"purpose": purpose, "tags": tags, "summary": summary})

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("begin server summary tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE hosts SET ai_purpose = $1, ai_tags = $2, ai_summary = $3, updated_at = now() WHERE id = $4`,
		purpose, tags, summary, hostID); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("update host ai fields: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return model.NewError(model.KindTransient, model.CodeDatabase, fmt.Errorf("commit server summary tx: %w", err))
	}

	return o.replaceAiAnalysis(ctx, hostID, model.PurposeServerSummary, document, hostFactsSummary, result.Content, result.Model, result.DurationMS)
}

// --- anomaly_check ---

const anomalyCheckSystemPrompt = `You review a list of recent inventory changes on a Linux server for signs of compromise or misconfiguration.
Return JSON only: {"overall": "low"|"medium"|"high"|"critical", "findings": [{"itemKey": string, "assessment": "normal"|"suspicious"|"critical", "reason": string}]}.`

const anomalyMaxDiffs = 30

// changeTypeRank orders diffs within a severity tier (removed → added →
// modified, §4.10).
func changeTypeRank(c model.ChangeType) int {
	switch c {
	case model.ChangeRemoved:
		return 0
	case model.ChangeAdded:
		return 1
	default:
		return 2
	}
}

// prioritizeDiffs orders diffs by (severity critical→warning→info, then
// changeType removed→added→modified) and truncates to anomalyMaxDiffs
// (§4.10: "over at most 30 diffs prioritised by...").
func prioritizeDiffs(diffs []model.DiffEvent) []model.DiffEvent {
	sorted := make([]model.DiffEvent, len(diffs))
	copy(sorted, diffs)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := model.SeverityRank(sorted[i].Severity), model.SeverityRank(sorted[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return changeTypeRank(sorted[i].ChangeType) < changeTypeRank(sorted[j].ChangeType)
	})
	if len(sorted) > anomalyMaxDiffs {
		sorted = sorted[:anomalyMaxDiffs]
	}
	return sorted
}

func describeDiff(d model.DiffEvent) string {
	return fmt.Sprintf("- [%s/%s] %s %s (old=%s new=%s)",
		d.Severity, d.Category, d.ChangeType, d.ItemKey,
		truncate(string(d.OldValue), 200), truncate(string(d.NewValue), 200))
}

func (o *Orchestrator) RunAnomalyCheck(ctx context.Context, hostID int64, diffs []model.DiffEvent) error {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return err
	}
	if !o.featureEnabled(settings, model.PurposeAnomalyCheck) {
		return nil
	}

	prioritized := prioritizeDiffs(diffs)
	if len(prioritized) == 0 {
		return nil
	}

	var body strings.Builder
	for _, d := range prioritized {
		body.WriteString(describeDiff(d))
		body.WriteString("\n")
	}

	messages := []Message{
		{Role: "system", Content: anomalyCheckSystemPrompt},
		{Role: "user", Content: body.String()},
	}

	parsed, result, err := o.chatJSON(ctx, settings, messages)
	if err != nil {
		return err
	}

	overall := stringField(parsed, "overall")
	findings := mapSliceField(parsed, "findings")

	anyCritical := overall == "critical"
	for _, f := range findings {
		if stringField(f, "assessment") == "critical" {
			anyCritical = true
		}
	}

	if anyCritical {
		if err := o.insertAlert(ctx, hostID, "AI anomaly check flagged a critical change",
			fmt.Sprintf("overall risk: %s", overall), model.SeverityCritical, "ai_anomaly"); err != nil {
			return err
		}
	} else if overall == "high" {
		if err := o.insertAlert(ctx, hostID, "AI anomaly check flagged elevated risk",
			fmt.Sprintf("overall risk: %s", overall), model.SeverityWarning, "ai_anomaly"); err != nil {
			return err
		}
	}

	document, _ := json.Marshal(map[string]interface{}{"overall": overall, "findings": findings})
	return o.replaceAiAnalysis(ctx, hostID, model.PurposeAnomalyCheck, document, body.String(), result.Content, result.Model, result.DurationMS)
}

// --- log_analysis ---

var logAnalysisRelevantLine = regexp.MustCompile(`(?i)error|fail|warn|crit|oom|panic|kill|denied|segfault`)

const logAnalysisCompressedCap = 2048

// compressLogs retains only lines matching logAnalysisRelevantLine and
// caps the result at logAnalysisCompressedCap bytes (§4.10: "compresses
// logs to ≈2 KB by retaining lines matching
// /error|fail|warn|crit|oom|panic|kill|denied|segfault/i").
func compressLogs(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		if logAnalysisRelevantLine.MatchString(line) {
			kept = append(kept, line)
		}
	}
	joined := strings.Join(kept, "\n")
	if len(joined) > logAnalysisCompressedCap {
		joined = joined[:logAnalysisCompressedCap]
	}
	return joined
}

const logAnalysisSystemPrompt = `You triage compressed Linux system log excerpts for operational health.
Return JSON only: {"statusScore": 0-100, "status": "healthy"|"degraded"|"critical", "summary": [string], "findings": [{"description": string, "severity": string}]}.
findings has at most 8 entries.`

const logAnalysisWindow = 24 * time.Hour
const logAnalysisMaxFindings = 8

func (o *Orchestrator) lastLogAnalysisAt(ctx context.Context, hostID int64) (*time.Time, error) {
	var at time.Time
	err := o.pool.QueryRow(ctx, `
		SELECT created_at FROM ai_analysis WHERE host_id = $1 AND purpose = $2 ORDER BY created_at DESC LIMIT 1`,
		hostID, model.PurposeLogAnalysis).Scan(&at)
	if err != nil {
		return nil, nil // no prior row — not a failure
	}
	return &at, nil
}

func (o *Orchestrator) RunLogAnalysis(ctx context.Context, hostID int64, rawLogs string) error {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return err
	}
	if !o.featureEnabled(settings, model.PurposeLogAnalysis) {
		return nil
	}

	lastRun, err := o.lastLogAnalysisAt(ctx, hostID)
	if err != nil {
		return err
	}
	if lastRun != nil && time.Since(*lastRun) < logAnalysisWindow {
		return ErrAnalysisSkippedRecently
	}

	compressed := compressLogs(rawLogs)
	if compressed == "" {
		return nil
	}

	messages := []Message{
		{Role: "system", Content: logAnalysisSystemPrompt},
		{Role: "user", Content: compressed},
	}

	parsed, result, err := o.chatJSON(ctx, settings, messages)
	if err != nil {
		return err
	}

	status := stringField(parsed, "status")
	statusScore := intField(parsed, "statusScore")
	summary := stringSliceField(parsed, "summary")
	findings := mapSliceField(parsed, "findings")
	if len(findings) > logAnalysisMaxFindings {
		findings = findings[:logAnalysisMaxFindings]
	}

	if status == "critical" {
		if err := o.insertAlert(ctx, hostID, "AI log analysis found a critical condition",
			strings.Join(summary, " "), model.SeverityCritical, "ai_log_analysis"); err != nil {
			return err
		}
	}

	document, _ := json.Marshal(map[string]interface{}{
		"statusScore": statusScore, "status": status, "summary": summary, "findings": findings,
	})
	return o.replaceAiAnalysis(ctx, hostID, model.PurposeLogAnalysis, document, compressed, result.Content, result.Model, result.DurationMS)
}

// --- runbook ---

const runbookSystemPrompt = `You write an operator runbook for a Linux server given its inventory, recent alerts, and recent changes.
Return JSON only: {"sections": [{"title": string, "priority": "routine"|"important"|"critical", "body": string}]}.`

var priorityRank = map[string]int{"critical": 0, "important": 1, "routine": 2}

// sortRunbookSections orders sections critical→important→routine (§4.10).
// Unknown priorities sort after "routine".
func sortRunbookSections(sections []map[string]interface{}) []map[string]interface{} {
	sorted := make([]map[string]interface{}, len(sections))
	copy(sorted, sections)
	rankOf := func(s map[string]interface{}) int {
		if r, ok := priorityRank[stringField(s, "priority")]; ok {
			return r
		}
		return len(priorityRank)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return rankOf(sorted[i]) < rankOf(sorted[j]) })
	return sorted
}

// flagDangerousSections annotates any runbook section whose body suggests a
// destructive command with "dangerous": true and a "dangerous_reason", so an
// operator reading the runbook sees a warning rather than a bare suggestion
// to run it.
func flagDangerousSections(sections []map[string]interface{}) {
	for _, s := range sections {
		if reason := checkDangerous(stringField(s, "body")); reason != "" {
			s["dangerous"] = true
			s["dangerous_reason"] = reason
		}
	}
}

func (o *Orchestrator) RunRunbook(ctx context.Context, hostID int64, hostContext string) ([]map[string]interface{}, error) {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	messages := []Message{
		{Role: "system", Content: runbookSystemPrompt},
		{Role: "user", Content: hostContext},
	}

	parsed, result, err := o.chatJSON(ctx, settings, messages)
	if err != nil {
		return nil, err
	}

	sections := sortRunbookSections(mapSliceField(parsed, "sections"))
	flagDangerousSections(sections)

	document, _ := json.Marshal(map[string]interface{}{"sections": sections})
	if err := o.replaceAiAnalysis(ctx, hostID, model.PurposeRunbook, document, hostContext, result.Content, result.Model, result.DurationMS); err != nil {
		return nil, err
	}
	return sections, nil
}

// --- process_map ---

const (
	processMapMaxFileBytes    = 256 * 1024
	processMapMaxFilesPerProc = 30
	processMapMaxFilesTotal   = 200
	processMapPathSelectAbove = 3
	processMapCompressCap     = 60000
	discoveryCommandTimeout   = 15 * time.Second
)

// discoveredFile is one base64-encoded candidate configuration file
// reported by the discovery script for one process.
type discoveredFile struct {
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
}

// processMapKnownCommands is the fixed, no-LLM discovery-command catalog
// keyed by process name (§4.10 step 3: "fixed catalog keyed by process
// name; no LLM call for this step").
var processMapKnownCommands = map[string]string{
	"nginx":        "nginx -T 2>&1 | head -c 8000",
	"apache2":      "apachectl -S 2>&1 | head -c 8000",
	"httpd":        "apachectl -S 2>&1 | head -c 8000",
	"postgres":     "psql -U postgres -c 'SHOW ALL;' 2>&1 | head -c 8000",
	"mysqld":       "mysqladmin variables 2>&1 | head -c 8000",
	"redis-server": "redis-cli INFO 2>&1 | head -c 8000",
	"docker":       "docker info 2>&1 | head -c 8000",
	"sshd":         "sshd -T 2>&1 | head -c 8000",
}

// processMapDiscoveryScript runs over SSH and emits JSON mapping process
// name to a bounded list of base64-encoded candidate configuration files,
// located via command-line args, open FDs, package file lists, /etc/<name>
// aliases, standard locations, and systemd unit EnvironmentFiles (§4.10
// step 1). Bounds mirror the spec: 256 KB/file, 30 files/process, 200
// total.
const processMapDiscoveryScript = `#!/bin/bash
set -u
declare -A seen_total=0
total=0
echo "{"
first_proc=1
for pid in $(ps -eo pid --no-headers); do
  comm=$(ps -p "$pid" -o comm= 2>/dev/null)
  [ -z "$comm" ] && continue
  case "$comm" in
    kthreadd|ksoftirqd*|migration*|rcu_*|kworker*|kcompactd*|khugepaged|kswapd*) continue ;;
  esac
  exe=$(readlink -f /proc/$pid/exe 2>/dev/null)
  candidates=()
  while IFS= read -r arg; do
    case "$arg" in *.conf|*.cfg|*.ini|*.yaml|*.yml|*.toml|*.json) candidates+=("$arg") ;; esac
  done < <(tr '\0' '\n' < /proc/$pid/cmdline 2>/dev/null)
  for fd in /proc/$pid/fd/*; do
    target=$(readlink -f "$fd" 2>/dev/null)
    case "$target" in *.conf|*.cfg|*.ini|*.yaml|*.yml) candidates+=("$target") ;; esac
  done
  for alias in "$comm" "${comm%d}" "postgresql"; do
    [ -d "/etc/$alias" ] && candidates+=($(find "/etc/$alias" -maxdepth 2 -type f 2>/dev/null))
    [ -f "/etc/$alias.conf" ] && candidates+=("/etc/$alias.conf")
  done
  unit=$(systemctl status "$pid" 2>/dev/null | grep -oP '^\s*\K[\w@.-]+\.service' | head -1)
  if [ -n "$unit" ]; then
    candidates+=($(systemctl show -p EnvironmentFiles "$unit" 2>/dev/null | sed 's/.*=//'))
  fi

  count=0
  proc_entries=""
  for path in "${candidates[@]}"; do
    [ -z "$path" ] && continue
    [ -f "$path" ] || continue
    [ $count -ge 30 ] && break
    [ $total -ge 200 ] && break
    size=$(stat -c%s "$path" 2>/dev/null || echo 0)
    [ "$size" -gt 262144 ] && continue
    b64=$(base64 -w0 "$path" 2>/dev/null)
    [ -z "$b64" ] && continue
    [ -n "$proc_entries" ] && proc_entries+=","
    proc_entries+="{\"path\":\"$path\",\"content_b64\":\"$b64\"}"
    count=$((count+1))
    total=$((total+1))
  done
  [ $count -eq 0 ] && continue
  [ $first_proc -eq 0 ] && echo ","
  printf '"%s":[%s]' "$comm" "$proc_entries"
  first_proc=0
  [ $total -ge 200 ] && break
done
echo "}"
`

// ProcessMapNode is one node in a process's hierarchical configuration
// tree (§4.10 step 5).
type ProcessMapNode struct {
	Type     string           `json:"type"`
	Value    string           `json:"value"`
	Children []ProcessMapNode `json:"children,omitempty"`
}

// ProcessMapEntry is one process's enriched tree in the final document.
type ProcessMapEntry struct {
	Process string           `json:"process"`
	PID     int              `json:"pid,omitempty"`
	User    string           `json:"user,omitempty"`
	CPUPct  float64          `json:"cpuPct,omitempty"`
	MemMB   int64            `json:"memMb,omitempty"`
	Ports   []int            `json:"ports,omitempty"`
	Tree    []ProcessMapNode `json:"tree,omitempty"`
}

// ProcessMapDocument is the persisted AiAnalysis(purpose=process_map) body.
type ProcessMapDocument struct {
	Entries []ProcessMapEntry `json:"entries"`
}

// commentOrBlankLine matches lines free-compression should drop (§4.10
// step 5: "trims comments and blank lines").
var commentOrBlankLine = regexp.MustCompile(`^\s*(#|//|;|$)`)

// freeCompress strips comment and blank lines, then caps the result at
// processMapCompressCap characters.
func freeCompress(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if commentOrBlankLine.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	joined := strings.Join(kept, "\n")
	if len(joined) > processMapCompressCap {
		joined = joined[:processMapCompressCap]
	}
	return joined
}

// decodeDiscoveredFiles base64-decodes each file's content to UTF-8,
// dropping files that fail to decode or exceed the per-file cap (§4.10
// step 2).
func decodeDiscoveredFiles(files []discoveredFile) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		if len(f.ContentB64) == 0 {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(f.ContentB64)
		if err != nil || len(decoded) > processMapMaxFileBytes {
			continue
		}
		out[f.Path] = string(decoded)
	}
	return out
}

const pathSelectionSystemPrompt = `You are given more than three candidate configuration file paths for one process.
Return JSON only: {"paths": [string]} containing only the structurally most relevant paths.`

const processTreeSystemPrompt = `Build a hierarchical configuration tree for one Linux process from its configuration file contents and runtime facts.
Node types: config_file, port, path, directory, vhost, upstream, connection, volume, parameter, user, module, database, log.
Return JSON only: {"tree": [{"type": string, "value": string, "children": [...]}]}.`

func parseProcessMapNode(m map[string]interface{}) ProcessMapNode {
	node := ProcessMapNode{Type: stringField(m, "type"), Value: stringField(m, "value")}
	for _, child := range mapSliceField(m, "children") {
		node.Children = append(node.Children, parseProcessMapNode(child))
	}
	return node
}

// RunProcessMap executes the five-phase pipeline for hostID (§4.10): SSH
// config discovery, base64 decode, known-command catalog, LLM path
// selection above three candidates, and per-process LLM tree
// construction, then enrichment from services/processes and persistence.
func (o *Orchestrator) RunProcessMap(ctx context.Context, hostID int64, runner CommandRunner, services []model.Service, processes []model.Process) error {
	settings, err := o.loadSettings(ctx)
	if err != nil {
		return err
	}
	if !o.featureEnabled(settings, model.PurposeProcessMap) {
		return nil
	}

	// Phase 1: config discovery over SSH.
	raw, err := runner.RunCommand(ctx, hostID, processMapDiscoveryScript, 180*time.Second)
	if err != nil {
		return model.NewError(model.KindTransient, model.CodeScriptError, fmt.Errorf("process-map discovery script: %w", err))
	}

	var discovery map[string][]discoveredFile
	if err := json.Unmarshal([]byte(raw), &discovery); err != nil {
		return model.NewError(model.KindPermanent, model.CodeParseError, fmt.Errorf("parse process-map discovery output: %w", err))
	}

	entries := make([]ProcessMapEntry, 0, len(discovery))
	var promptLog strings.Builder
	var responseLog strings.Builder
	var lastModel string
	var totalDurationMS int64

	for procName, files := range discovery {
		// Phase 2: decode.
		decoded := decodeDiscoveredFiles(files)
		paths := make([]string, 0, len(decoded))
		for p := range decoded {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		// Phase 3: known discovery command, no LLM.
		var runtimeFacts string
		if cmd, ok := processMapKnownCommands[procName]; ok {
			if out, err := runner.RunCommand(ctx, hostID, cmd, discoveryCommandTimeout); err == nil {
				runtimeFacts = out
			}
		}

		// Phase 4: LLM path selection when more than three candidates.
		if len(paths) > processMapPathSelectAbove {
			selection := strings.Join(paths, "\n")
			messages := []Message{
				{Role: "system", Content: pathSelectionSystemPrompt},
				{Role: "user", Content: fmt.Sprintf("process: %s\npaths:\n%s", procName, selection)},
			}
			parsed, result, err := o.chatJSON(ctx, settings, messages)
			if err == nil {
				if selected := stringSliceField(parsed, "paths"); len(selected) > 0 {
					paths = selected
				}
				lastModel = result.Model
				totalDurationMS += result.DurationMS
			}
		}

		// Phase 5: per-process hierarchical tree.
		var body strings.Builder
		for _, p := range paths {
			if content, ok := decoded[p]; ok {
				body.WriteString(fmt.Sprintf("--- %s ---\n%s\n", p, content))
			}
		}
		if runtimeFacts != "" {
			body.WriteString("--- runtime ---\n")
			body.WriteString(runtimeFacts)
		}
		compressed := freeCompress(body.String())
		if compressed == "" {
			continue
		}

		messages := []Message{
			{Role: "system", Content: processTreeSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("process: %s\n%s", procName, compressed)},
		}
		parsed, result, err := o.chatJSON(ctx, settings, messages)
		if err != nil {
			o.log.Warn().Err(err).Str("process", procName).Int64("host_id", hostID).Msg("process-map tree construction failed")
			continue
		}
		lastModel = result.Model
		totalDurationMS += result.DurationMS
		promptLog.WriteString(compressed)
		promptLog.WriteString("\n")
		responseLog.WriteString(result.Content)
		responseLog.WriteString("\n")

		var tree []ProcessMapNode
		for _, n := range mapSliceField(parsed, "tree") {
			tree = append(tree, parseProcessMapNode(n))
		}

		entries = append(entries, ProcessMapEntry{Process: procName, Tree: tree})
	}

	// Phase 6: enrichment + processes with no discovered config.
	enrichProcessMapEntries(&entries, services, processes)

	document, err := json.Marshal(ProcessMapDocument{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal process-map document: %w", err)
	}

	return o.replaceAiAnalysis(ctx, hostID, model.PurposeProcessMap, document, promptLog.String(), responseLog.String(), lastModel, totalDurationMS)
}

// enrichProcessMapEntries attaches ports (from services, matched by PID)
// and CPU/memory/user/pid (from processes, matched by command name) to
// each entry, then appends minimal entries for non-kernel processes that
// had no discovered configuration at all (§4.10 step 6).
func enrichProcessMapEntries(entries *[]ProcessMapEntry, services []model.Service, processes []model.Process) {
	byCommand := make(map[string]model.Process, len(processes))
	for _, p := range processes {
		byCommand[p.Command] = p
	}
	portsByPID := make(map[int][]int, len(services))
	for _, s := range services {
		portsByPID[s.PID] = append(portsByPID[s.PID], s.Port)
	}

	covered := make(map[string]bool, len(*entries))
	for i := range *entries {
		e := &(*entries)[i]
		covered[e.Process] = true
		proc, ok := byCommand[e.Process]
		if !ok {
			continue
		}
		e.PID = proc.PID
		e.User = proc.User
		e.CPUPct = proc.CPUPct
		e.MemMB = proc.MemMB
		e.Ports = portsByPID[proc.PID]
	}

	for _, p := range processes {
		if covered[p.Command] {
			continue
		}
		*entries = append(*entries, ProcessMapEntry{
			Process: p.Command,
			PID:     p.PID,
			User:    p.User,
			CPUPct:  p.CPUPct,
			MemMB:   p.MemMB,
			Ports:   portsByPID[p.PID],
		})
		covered[p.Command] = true
	}
}
