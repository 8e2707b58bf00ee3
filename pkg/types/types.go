// Package types holds the data model shared across CloneBox's components:
// VM configuration, transaction artifacts, snapshots, health checks, and
// orchestration state. Types here are passed by value or pointer between
// packages; none of them own a mutex or a goroutine.
package types

import "time"

// NetworkMode selects how a VM's network interface is configured.
type NetworkMode string

const (
	NetworkModeAuto          NetworkMode = "auto"
	NetworkModeUserMode      NetworkMode = "user-mode"
	NetworkModeDefaultBridge NetworkMode = "default-bridge"
	NetworkModeCustomBridge  NetworkMode = "custom-bridge"
)

// AuthMethod tags the variant carried by AuthConfig.
type AuthMethod string

const (
	AuthMethodSSHKey          AuthMethod = "ssh_key"
	AuthMethodOneTimePassword AuthMethod = "one_time_password"
	AuthMethodPassword        AuthMethod = "password"
)

// AuthConfig is a closed tagged variant over the three ways CloneBox can
// grant a user access to a freshly booted guest. Only the field matching
// Method is meaningful; callers switch on Method, never on which pointer is
// non-nil.
type AuthConfig struct {
	Method AuthMethod

	SSHKey *SSHKeyAuth
	// OneTimePassword carries no configuration beyond the method itself
	// today; the field exists so future length/charset tuning has a home.
	OneTimePassword *OneTimePasswordAuth
	Password        *PasswordAuth
}

// SSHKeySourceKind is a tagged variant over where a public key comes from.
type SSHKeySourceKind string

const (
	SSHKeySourceFile    SSHKeySourceKind = "file_path"
	SSHKeySourceGitHub  SSHKeySourceKind = "github"
	SSHKeySourceGitLab  SSHKeySourceKind = "gitlab"
	SSHKeySourceLiteral SSHKeySourceKind = "literal_key"
)

type SSHKeySource struct {
	Kind SSHKeySourceKind
	// Value is the file path, the GitHub/GitLab username (optionally
	// "user@host" for GitLab), or the literal public key text, depending
	// on Kind.
	Value string
}

type SSHKeyAuth struct {
	Sources []SSHKeySource
}

type OneTimePasswordAuth struct {
	Length int
}

// PasswordAuth is deprecated; resolving it emits a warning (see
// pkg/secrets).
type PasswordAuth struct {
	SecretRef SecretReference
}

// ResourceLimits bounds a VM's claim on host resources. Zero-valued fields
// mean "unbounded" for that dimension.
type ResourceLimits struct {
	CPUShares      int
	CPUQuota       int64
	CPUPeriod      int64
	MemoryHard     int64
	MemorySoft     int64
	MemorySwap     int64
	BlockIOBps     int64
	BlockIOIops    int64
	NetworkRateBps int64
}

// PathMount declares a shared-directory mount between host and guest.
type PathMount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// VMConfig is the immutable, user-facing description of a VM to provision.
// Name must match `[a-z][a-z0-9-]{0,62}`; DiskSizeBytes must be >= the base
// image's virtual size; if Auth.Method is ssh_key, at least one source must
// resolve to a public key.
type VMConfig struct {
	Name               string
	VCPUs              int
	MemoryBytes        int64
	DiskSizeBytes      int64
	BaseImagePath      string
	NetworkMode        NetworkMode
	Username           string
	Auth               AuthConfig
	Packages           []string
	Services           []string
	PathMounts         []PathMount
	PostCommands       []string
	ResourceLimits     *ResourceLimits
	HealthCheckConfigs []HealthCheckConfig
	SnapshotPolicy     *SnapshotPolicy
}

// SecretProvider enumerates the recognized secret backends.
type SecretProvider string

const (
	SecretProviderEnv    SecretProvider = "env"
	SecretProviderDotenv SecretProvider = "dotenv"
	SecretProviderVault  SecretProvider = "vault"
	SecretProviderSops   SecretProvider = "sops"
	SecretProviderAge    SecretProvider = "age"
)

// SecretReference names a secret without carrying its value.
type SecretReference struct {
	Provider       SecretProvider
	Path           string
	Key            string
	ProviderConfig map[string]string
}

// redactedSecretString is what Secret.String() always returns, regardless
// of the underlying value, so a Secret can never leak through fmt.Stringer,
// a log call, or an accidental %v.
const redactedSecretString = "<redacted>"

// Secret is the resolved value of a SecretReference. value is unexported so
// that an accidental struct copy into a log call still can't print it;
// holders must call Reveal explicitly.
type Secret struct {
	value        string
	ProviderName SecretProvider
	RetrievedAt  time.Time
}

// NewSecret constructs a Secret. Only pkg/secrets providers should call this.
func NewSecret(value string, provider SecretProvider, retrievedAt time.Time) Secret {
	return Secret{value: value, ProviderName: provider, RetrievedAt: retrievedAt}
}

// Reveal returns the plaintext value. Callers must not log, persist, or
// otherwise let the returned string escape the immediate call site.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string { return redactedSecretString }

// ArtifactKind enumerates the kinds of resources a Transaction can own.
type ArtifactKind string

const (
	ArtifactDirectory ArtifactKind = "directory"
	ArtifactFile      ArtifactKind = "file"
	ArtifactDiskImage ArtifactKind = "disk_image"
	ArtifactSeedISO   ArtifactKind = "seed_iso"
	ArtifactDomain    ArtifactKind = "domain"
	ArtifactNetwork   ArtifactKind = "network"
)

// Artifact is one element of a transaction's creation history, in creation
// order. Rollback visits the owning transaction's artifact list in reverse.
type Artifact struct {
	Kind       ArtifactKind      `json:"kind"`
	Identifier string            `json:"identifier"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TransactionState is the lifecycle of a TransactionJournal.
type TransactionState string

const (
	TransactionPending       TransactionState = "pending"
	TransactionInProgress    TransactionState = "in_progress"
	TransactionCommitted     TransactionState = "committed"
	TransactionRolledBack    TransactionState = "rolled_back"
	TransactionFailedRollback TransactionState = "failed_rollback"
)

// TransactionJournal is the on-disk record of one transaction's progress,
// written to <state_root>/transactions/<transaction_id>.json.
type TransactionJournal struct {
	TransactionID string           `json:"transaction_id"`
	TargetName    string           `json:"target_name"`
	State         TransactionState `json:"state"`
	Artifacts     []Artifact       `json:"artifacts"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at"`
	Error         string           `json:"error,omitempty"`
}

// DomainState mirrors what the hypervisor reports for a managed domain.
type DomainState string

const (
	DomainStateRunning  DomainState = "running"
	DomainStatePaused   DomainState = "paused"
	DomainStateShutdown DomainState = "shutdown"
	DomainStateShutoff  DomainState = "shutoff"
	DomainStateUnknown  DomainState = "unknown"
)

// VMInfo is what the Hypervisor Backend reports about a domain.
type VMInfo struct {
	Name        string
	UUID        string
	State       DomainState
	VCPUs       int
	MemoryBytes int64
	IPAddresses []string
	Persistent  bool
	Autostart   bool
}

// SnapshotType distinguishes whether a snapshot includes guest memory.
type SnapshotType string

const (
	SnapshotDiskOnly       SnapshotType = "disk_only"
	SnapshotFullWithMemory SnapshotType = "full_with_memory"
	SnapshotExternal       SnapshotType = "external"
)

// SnapshotState is a snapshot's own lifecycle, distinct from the VM's state.
type SnapshotState string

const (
	SnapshotStateCreating  SnapshotState = "creating"
	SnapshotStateReady     SnapshotState = "ready"
	SnapshotStateReverting SnapshotState = "reverting"
	SnapshotStateDeleting  SnapshotState = "deleting"
	SnapshotStateFailed    SnapshotState = "failed"
)

// Snapshot is one node in a VM's snapshot forest. ParentName is empty for a
// root. Children is maintained by the Snapshot Manager, not by callers.
type Snapshot struct {
	Name        string        `json:"name"`
	VMName      string        `json:"vm_name"`
	Type        SnapshotType  `json:"type"`
	State       SnapshotState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	Description string        `json:"description,omitempty"`
	ParentName  string        `json:"parent_name,omitempty"`
	Children    []string      `json:"children"`
	SizeBytes   int64         `json:"size_bytes"`
	Tags        []string      `json:"tags"`
	AutoPolicy  string        `json:"auto_policy,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
}

// SnapshotTree is derived on demand from a VM's Snapshot records; it is
// never itself persisted.
type SnapshotTree struct {
	VMName      string
	RootNames   []string
	CurrentName string
}

// SnapshotPolicyTrigger enumerates when an automatic snapshot sweep runs.
type SnapshotPolicyTrigger string

const (
	SnapshotTriggerSchedule   SnapshotPolicyTrigger = "schedule"
	SnapshotTriggerPreRestore SnapshotPolicyTrigger = "pre_restore"
	SnapshotTriggerManual     SnapshotPolicyTrigger = "manual"
)

// SnapshotPolicy is a retention policy enforced by EnforcePolicy.
type SnapshotPolicy struct {
	Name         string
	Triggers     []SnapshotPolicyTrigger
	Schedule     string // cron expression; empty if not schedule-triggered
	KeepLast     int
	KeepDaily    int
	KeepWeekly   int
	KeepMonthly  int
	MaxCount     int
	MaxSizeBytes int64
	NameTemplate string
}

// ProbeType enumerates the Health Engine's built-in probe kinds.
type ProbeType string

const (
	ProbeTCP     ProbeType = "tcp"
	ProbeHTTP    ProbeType = "http"
	ProbeCommand ProbeType = "command"
	ProbeScript  ProbeType = "script"
	ProbeDisk    ProbeType = "disk"
	ProbeMemory  ProbeType = "memory"
	ProbeProcess ProbeType = "process"
	ProbeDNS     ProbeType = "dns"
)

// HealthCheckConfig configures one scheduled probe.
type HealthCheckConfig struct {
	Name             string
	ProbeType        ProbeType
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	ProbeConfig      map[string]string
	OnFailure        []string // argv of a host command
	OnRecovery       []string
	Critical         bool
	Tags             []string
}

// HealthStatus is the declared status of a probe or of a VM in aggregate.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheckResult is one probe observation plus its running counters.
type HealthCheckResult struct {
	Name                 string
	Status               HealthStatus
	ObservedAt           time.Time
	Duration             time.Duration
	Message              string
	Details              map[string]string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// OrchestratedVMState is the lifecycle of a VM under Orchestrator control.
type OrchestratedVMState string

const (
	OrchestratedPending  OrchestratedVMState = "pending"
	OrchestratedCreating OrchestratedVMState = "creating"
	OrchestratedStarting OrchestratedVMState = "starting"
	OrchestratedRunning  OrchestratedVMState = "running"
	OrchestratedStopping OrchestratedVMState = "stopping"
	OrchestratedStopped  OrchestratedVMState = "stopped"
	OrchestratedFailed   OrchestratedVMState = "failed"
)

// OrchestratedVM is one node in a compose document's dependency graph.
type OrchestratedVM struct {
	Name         string
	ConfigSource string
	DependsOn    []string
	HealthGate   *string // health check name to gate on, if any
	Environment  map[string]string
	State        OrchestratedVMState
	Error        string
}
