package types

import (
	"time"
)

// Cluster represents a single managed container instance plus its
// workspace, quotas and metadata.
type Cluster struct {
	ID           string
	Name         string
	TemplateName string
	OwnerID      string
	CreatedAt    time.Time

	// Placement
	Port          int
	WorkspacePath string
	ContainerID   string

	State           ClusterState
	LastTransition  time.Time
	RestartAttempts int
	// LastHealthyAt is the most recent HEALTHY probe observation. Used to
	// clear RestartAttempts once a healthy streak spans a full cooldown.
	LastHealthyAt time.Time
	// CooldownUntil is set when recovery exhausts its attempts; no restart
	// is attempted before this instant.
	CooldownUntil time.Time

	Quotas Quotas

	Recovery RecoveryPolicy
	Backup   BackupPolicy
}

// ClusterState represents the lifecycle state of a cluster
type ClusterState string

const (
	ClusterStateCreated    ClusterState = "CREATED"
	ClusterStateStarting   ClusterState = "STARTING"
	ClusterStateRunning    ClusterState = "RUNNING"
	ClusterStateStopping   ClusterState = "STOPPING"
	ClusterStateStopped    ClusterState = "STOPPED"
	ClusterStateFailed     ClusterState = "FAILED"
	ClusterStateRestarting ClusterState = "RESTARTING"
	ClusterStateDeleting   ClusterState = "DELETING"
	ClusterStateDeleted    ClusterState = "DELETED"
)

// IsTransient reports whether the state accepts no external operations.
func (s ClusterState) IsTransient() bool {
	switch s {
	case ClusterStateStarting, ClusterStateStopping, ClusterStateRestarting, ClusterStateDeleting:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves the state.
func (s ClusterState) IsTerminal() bool {
	return s == ClusterStateDeleted
}

// Quotas bounds a cluster's resource consumption. NetworkMBps may be zero
// (unthrottled); all other fields must be positive.
type Quotas struct {
	CPUCores    float64 `yaml:"cpu"`
	MemoryMB    int64   `yaml:"memory_mb"`
	DiskGB      int64   `yaml:"disk_gb"`
	NetworkMBps int64   `yaml:"network_mbps"`
}

// Valid reports whether the quotas satisfy the positivity rules.
func (q Quotas) Valid() bool {
	return q.CPUCores > 0 && q.MemoryMB > 0 && q.DiskGB > 0 && q.NetworkMBps >= 0
}

// Template is a read-only descriptor discovered from the templates root.
type Template struct {
	Name          string
	ManifestPath  string
	Image         string
	ContainerPort int
	Env           map[string]string
	HealthPath    string
	DefaultQuotas Quotas
}

// HealthState classifies one probe outcome
type HealthState string

const (
	HealthStateHealthy   HealthState = "HEALTHY"
	HealthStateUnhealthy HealthState = "UNHEALTHY"
	HealthStateUnknown   HealthState = "UNKNOWN"
)

// HealthSample records one probe outcome for a cluster
type HealthSample struct {
	ClusterID      string
	Timestamp      time.Time
	State          HealthState
	ContainerState string
	ExitCode       int
	Latency        time.Duration
	Reason         string
}

// MetricsSample records one resource usage snapshot for a cluster
type MetricsSample struct {
	ClusterID       string
	Timestamp       time.Time
	CPUPercent      float64 // percent of the cluster's cpu quota
	MemoryBytes     int64
	MemoryPercent   float64
	DiskBytes       int64
	DiskPercent     float64
	NetworkRxBytes  int64
	NetworkTxBytes  int64
	Uptime          time.Duration
	RestartCount    int
	ContainerStatus string
	HealthState     HealthState
}

// AlertSeverity orders alerts by urgency
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "LOW"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is raised by the health or metrics engines when a threshold is
// crossed. Within the coalescing window an identical (ClusterID, Kind)
// pair updates LastSeenAt instead of opening a new alert.
type Alert struct {
	ID             string
	ClusterID      string
	Severity       AlertSeverity
	Kind           string
	Message        string
	OpenedAt       time.Time
	LastSeenAt     time.Time
	ResolvedAt     *time.Time
	ResolutionNote string
}

// Resolved reports whether the alert has been closed.
func (a *Alert) Resolved() bool {
	return a.ResolvedAt != nil
}

// BackupKind classifies a snapshot
type BackupKind string

const (
	BackupKindFull        BackupKind = "FULL"
	BackupKindIncremental BackupKind = "INCREMENTAL"
	BackupKindConfigOnly  BackupKind = "CONFIG_ONLY"
	BackupKindDataOnly    BackupKind = "DATA_ONLY"
)

// Backup records one snapshot of a cluster's workspace
type Backup struct {
	ID           string
	ClusterID    string
	TemplateName string
	Kind         BackupKind
	ArchivePath  string
	SizeBytes    int64
	Checksum     string
	CreatedAt    time.Time
	Description  string
	Verified     bool
}

// RecoveryPolicy governs restart attempts, back-off and cooldown for one
// cluster. Zero values fall back to the configured defaults.
type RecoveryPolicy struct {
	MaxAttempts     int
	RetryInterval   time.Duration
	Cooldown        time.Duration
	ProbeInterval   time.Duration
	RestartsEnabled bool
}

// BackupPolicy governs automatic snapshots for one cluster
type BackupPolicy struct {
	AutoBackupEnabled bool
	IntervalHours     int
	RetentionDays     int
	MaxBackups        int
	Kind              BackupKind
	LastBackupAt      time.Time
}

// Principal is an already-authenticated caller. Admins may act on any
// cluster; others only on clusters they own.
type Principal struct {
	UserID  string
	IsAdmin bool
}

// CanAccess reports whether the principal may act on a cluster owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.IsAdmin || p.UserID == ownerID
}

// RuntimeStatus is the runtime driver's view of a container
type RuntimeStatus struct {
	State        string
	Running      bool
	ExitCode     int
	StartedAt    time.Time
	RestartCount int
}

// RuntimeStats is one raw stats reading from the runtime driver
type RuntimeStats struct {
	CPUPercent  float64 // percent of one host core
	MemoryBytes int64
	MemoryLimit int64
	NetworkRx   int64
	NetworkTx   int64
	BlockRead   int64
	BlockWrite  int64
}

// ExecResult is the outcome of an in-container command execution
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}
