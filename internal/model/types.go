package model

import (
	"strconv"
	"time"
)

// HostStatus is the lifecycle status of a Host (§3, owned by the job
// runtime and the inventory mapper).
type HostStatus string

const (
	HostDiscovered HostStatus = "discovered"
	HostConfigured HostStatus = "configured"
	HostScanning   HostStatus = "scanning"
	HostOnline     HostStatus = "online"
	HostOffline    HostStatus = "offline"
	HostError      HostStatus = "error"
)

// Host is the root inventory entity, unique by IP.
type Host struct {
	ID                 int64
	IP                 string
	Hostname           string
	OSInfo             string
	KernelInfo         string
	CPUInfo            string
	MemoryMB           int64
	CredentialHandle   string // opaque reference into the vault (C1)
	SSHPort            int
	SSHUser            string
	UseSudo            bool // per-host sudo toggle (§9 Open Question)
	ScheduleExpression *string
	Status             HostStatus
	LastScanAt         *time.Time
	LastScanError      *string
	RawScanData        []byte // last collected gather document, verbatim
	AIPurpose          *string
	AITags             []string
	AISummary          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Service is a listening network service discovered on a host.
type Service struct {
	HostID   int64
	Name     string
	Port     int
	Protocol string
	Bind     string
	State    string
	PID      int
}

// ItemKey implements the category-specific deterministic key (§3).
func (s Service) ItemKey() string {
	return s.Name + ":" + strconv.Itoa(s.Port) + ":" + s.Protocol
}

// Mount is a filesystem mount point.
type Mount struct {
	HostID     int64
	Device     string
	MountPoint string
	FS         string
	SizeMB     int64
	UsedMB     int64
	UsePct     *int // nil when unset — see §9 Open Question on default severity
}

func (m Mount) ItemKey() string { return m.MountPoint }

// Interface is a network interface.
type Interface struct {
	HostID int64
	Name   string
	IP     string
	MAC    string
	State  string
	MTU    int
	RXByte int64
	TXByte int64
}

func (i Interface) ItemKey() string { return i.Name }

// DockerContainer is a running or stopped container observed on a host.
type DockerContainer struct {
	HostID   int64
	ID       string
	Name     string
	Image    string
	State    string
	Ports    []string
	Networks []string
	Env      map[string]string // masked per §4.3.3 before reaching here
	Volumes  []string
}

func (c DockerContainer) ItemKey() string { return c.ID }

// CronEntry is a scheduled job discovered on a host.
type CronEntry struct {
	HostID  int64
	User    string
	Schedule string
	Command string
	Source  string
}

func (c CronEntry) ItemKey() string { return c.User + ":" + c.Schedule + ":" + c.Command }

// SystemdUnit is a systemd unit's observed state.
type SystemdUnit struct {
	HostID       int64
	Name         string
	Type         string
	ActiveState  string
	SubState     string
	MainPID      int
	MemoryMB     int64
	CPUSeconds   float64
	Enabled      bool
}

func (u SystemdUnit) ItemKey() string { return u.Name }

// SslCert is a TLS certificate observed on a host.
type SslCert struct {
	HostID     int64
	Path       string
	Subject    string
	Issuer     string
	ValidFrom  time.Time
	ValidTo    time.Time
	IsExpired  bool
	DaysLeft   int
	SANDomains []string
}

func (c SslCert) ItemKey() string { return c.Path }

// LvmVolume is a logical volume, enriched by joining against mounts.
type LvmVolume struct {
	HostID     int64
	VG         string
	LV         string
	Path       string
	SizeMB     int64
	MountPoint string
}

func (v LvmVolume) ItemKey() string { return v.VG + "/" + v.LV }

// UserAccount is a local user account.
type UserAccount struct {
	HostID   int64
	Username string
	UID      int
	GID      int
	Shell    string
	HomeDir  string
	HasLogin bool
	Groups   []string
}

func (u UserAccount) ItemKey() string { return u.Username + ":" + strconv.Itoa(u.UID) }

// Process is a running process from the gather document's processes
// section (the first gatherscript MaxProcesses rows of ps, 500 by default);
// snapshots exclude processes.
type Process struct {
	HostID   int64
	PID      int
	PPID     int
	User     string
	CPUPct   float64
	MemMB    int64
	Command  string
	FullPath string
	Args     []string
	Cgroup   string
	FDCount  int
}

// Snapshot is an immutable, content-addressed point-in-time record (§3, §4.6).
type Snapshot struct {
	ID         int64
	HostID     int64
	ScanNumber int64
	Document   []byte // canonical JSON of the stable subset
	Checksum   string // SHA-256 hex, excludes processes
	CreatedAt  time.Time
}

// ChangeType is the three-way diff classification.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Severity is shared by DiffEvent and Alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityRank orders severities for sorting (critical < warning < info, §4.7).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// DiffEvent is a typed change between two consecutive snapshots (§3).
type DiffEvent struct {
	ID           int64
	HostID       int64
	SnapshotID   int64
	Category     string
	ChangeType   ChangeType
	ItemKey      string
	OldValue     []byte // JSON, nil for added
	NewValue     []byte // JSON, nil for removed
	Severity     Severity
	Acknowledged bool
	CreatedAt    time.Time
}

// DetectionMethod classifies how a ConnectionEdge was derived (§4.5).
type DetectionMethod string

const (
	DetectionSocket DetectionMethod = "socket"
	DetectionConfig DetectionMethod = "config"
	DetectionDocker DetectionMethod = "docker"
	DetectionARP    DetectionMethod = "arp"
)

// ConnectionEdge is directed evidence of a network relationship (§3, §4.5).
type ConnectionEdge struct {
	ID              int64
	SourceHostID    int64
	TargetHostID    *int64 // nil when target is outside inventory
	TargetIP        string
	TargetPort      int
	SourceProcess   *string
	DetectionMethod DetectionMethod
	Details         string
	IsExternal      bool
}

// RuleScope selects whether an AlertRule applies globally or to one host.
type RuleScope string

const (
	ScopeGlobal RuleScope = "global"
	ScopeHost   RuleScope = "host"
)

// RuleConditionKind is the tagged-variant discriminator for RuleCondition
// (§4.7), generalized from the teacher's healing/l1_engine.go generic
// RuleCondition{Field,Operator,Value} into five named kinds so each kind
// can carry only the fields it needs instead of a loosely-typed triple.
type RuleConditionKind string

const (
	ConditionSSLExpiry      RuleConditionKind = "ssl_expiry"
	ConditionDiskUsage      RuleConditionKind = "disk_usage"
	ConditionSystemdFailed  RuleConditionKind = "systemd_failed"
	ConditionDiffCount      RuleConditionKind = "diff_count"
	ConditionServiceMissing RuleConditionKind = "service_missing"
)

// RuleCondition is a tagged condition evaluated by the rule engine (C7,
// §4.7). Only the fields relevant to Kind are populated; the rest are
// zero-valued and ignored by the evaluator.
type RuleCondition struct {
	Kind RuleConditionKind

	// ssl_expiry
	DaysLeft int

	// disk_usage
	ThresholdPct int

	// diff_count
	Category   *string // nil matches any category
	ChangeType *ChangeType // nil matches any change type
	Threshold  int

	// service_missing
	ServiceName string
}

// AlertRule is an administrator-managed rule with a tagged condition (§4.7).
type AlertRule struct {
	ID              int64
	Name            string
	Description     string
	Category        string
	Condition       RuleCondition
	Severity        Severity
	Enabled         bool
	Scope           RuleScope
	HostID          *int64 // set when Scope == ScopeHost
	CooldownMinutes int
	LastTriggeredAt *time.Time
}

// Alert is an emitted notification, optionally tied to a rule and host (§3).
type Alert struct {
	ID         int64
	RuleID     *int64
	HostID     *int64
	Title      string
	Message    string
	Severity   Severity
	Category   string
	Metadata   []byte // JSON
	Resolved   bool
	ResolvedAt *time.Time
	ResolvedBy *string
	CreatedAt  time.Time
}

// AiPurpose enumerates the LLM orchestrator's post-scan pipelines (§4.10).
type AiPurpose string

const (
	PurposeServerSummary AiPurpose = "server_summary"
	PurposeAnomalyCheck  AiPurpose = "anomaly_check"
	PurposeProcessMap    AiPurpose = "process_map"
	PurposeRunbook       AiPurpose = "runbook"
	PurposeLogAnalysis   AiPurpose = "log_analysis"
)

// AiAnalysis is the persisted result of one LLM pipeline run (§3). At most
// one row exists per (HostID, Purpose) — new writes delete prior rows.
type AiAnalysis struct {
	ID          int64
	HostID      int64
	Purpose     AiPurpose
	Document    []byte // JSON
	RawPrompt   string
	RawResponse string
	ModelUsed   string
	DurationMS  int64
	CreatedAt   time.Time
}

// LlmSettings is the singleton row holding provider configuration and the
// single-writer lock fields for local LLM providers (§3, §4.10).
type LlmSettings struct {
	ID              int64
	Provider        string
	Endpoint        string
	Credential      string
	Model           string
	FeaturesEnabled map[string]bool
	Temperature     float64
	MaxTokens       int
	TimeoutSeconds  int

	// single-writer lock
	LockRunning    bool
	LockHolderHost *int64
	LockUpdatedAt  *time.Time
}

// NetworkScanStatus is the lifecycle status of a NetworkScanConfig run.
type NetworkScanStatus string

const (
	NetworkScanIdle    NetworkScanStatus = "idle"
	NetworkScanRunning NetworkScanStatus = "running"
	NetworkScanFailed  NetworkScanStatus = "failed"
)

// NetworkScanConfig is a recurring subnet discovery scan (C8 schedule sync,
// C9 network-scan queue), keyed for cron registration by "subnet|expression".
type NetworkScanConfig struct {
	ID                 int64
	Subnet             string
	ScheduleExpression *string
	Status             NetworkScanStatus
	LastScanAt         *time.Time
	LastScanError      *string
}

// AuditEntry records the principal and outcome of a write path (§7:
// "Every write path records an audit entry identifying principal and
// outcome"). Grounded on the teacher's evidence-signing concept, generalized
// into a plain append-only table rather than a signed bundle since this
// spec has no external Central-Command collaborator to verify against.
type AuditEntry struct {
	ID        int64
	Principal string
	Action    string
	Outcome   string // "ok" | "error:<code>"
	HostID    *int64
	Detail    string
	CreatedAt time.Time
}

