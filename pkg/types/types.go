// Package types holds the wire-facing data model shared by the
// dispatcher, session core, and worker runtime: ClusterConfig, task
// envelopes/statuses, session manifests, and the handful of supporting
// records the cloud-burst backend passes between client, object store,
// and worker.
package types

import (
	"time"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/lifecycle"
)

// LaunchKind selects whether workers run on the serverless launch type
// or on an instance-backed capacity provider.
type LaunchKind string

const (
	LaunchServerless LaunchKind = "serverless"
	LaunchInstance   LaunchKind = "instance"
)

// Architecture is the CPU architecture a task definition targets.
type Architecture string

const (
	ArchX86_64 Architecture = "X86_64"
	ArchARM64  Architecture = "ARM64"
)

// ClusterConfig is the validated configuration for an ephemeral cluster
// or detached session's backend. I6-I8 and P7 are enforced by
// pkg/config, not here; this struct is the post-validation shape.
type ClusterConfig struct {
	Workers           uint32
	CPUUnits          float64
	MemoryGB          float64
	Region            string
	TimeoutS          uint32
	LaunchKind        LaunchKind
	InstanceType      string
	UseSpot           bool
	WarmPoolTimeoutS  uint32
	Architecture      Architecture
	ImageRef          string
	Bucket            string
	ClusterName       string
	Subnets           []string
	SecurityGroups    []string
	AccountID         string
	InstanceProfile   string
	ExecutionRole     string
	TaskRole          string
	LogGroup          string
	ObservedVCPUQuota uint32
}

// TaskEnvelope is the input a worker reads from tasks/<task_id>.blob.
type TaskEnvelope struct {
	TaskID    string      `cbor:"task_id"`
	Expr      blob.RawBlob `cbor:"expr"`
	Globals   blob.Value  `cbor:"globals"`
	Packages  []string    `cbor:"packages"`
	Seed      blob.Value  `cbor:"seed,omitempty"`
	SessionID string      `cbor:"session_id,omitempty"`
}

// TaskStatus is the per-task record at
// sessions/<sid>/tasks/<tid>/status.blob.
type TaskStatus struct {
	TaskID      string            `cbor:"task_id"`
	State       lifecycle.State   `cbor:"state"`
	CreatedAt   time.Time         `cbor:"created_at"`
	ClaimedAt   *time.Time        `cbor:"claimed_at,omitempty"`
	ClaimedBy   string            `cbor:"claimed_by,omitempty"`
	StartedAt   *time.Time        `cbor:"started_at,omitempty"`
	CompletedAt *time.Time        `cbor:"completed_at,omitempty"`
	Error       string            `cbor:"error,omitempty"`
}

// SessionStats are the manifest's advisory counters; authoritative
// counts always come from enumerating status objects (I5).
type SessionStats struct {
	Total     int `cbor:"total"`
	Pending   int `cbor:"pending"`
	Claimed   int `cbor:"claimed"`
	Running   int `cbor:"running"`
	Completed int `cbor:"completed"`
	Failed    int `cbor:"failed"`
}

// SessionManifest is the object at sessions/<sid>/manifest.blob.
type SessionManifest struct {
	SessionID         string        `cbor:"session_id"`
	CreatedAt         time.Time     `cbor:"created_at"`
	LastActivity      time.Time     `cbor:"last_activity"`
	AbsoluteDeadline  time.Time     `cbor:"absolute_deadline"`
	Backend           ClusterConfig `cbor:"backend"`
	Stats             SessionStats  `cbor:"stats"`
	ContainerTaskARNs []string      `cbor:"container_task_arns"`
	Terminated        bool          `cbor:"terminated,omitempty"`
}

// FutureHandle is the ephemeral dispatcher's per-task record. It holds
// only a task_id, never a pointer back to the owning dispatcher —
// breaking the cyclic Future/Cluster reference the spec's redesign note
// calls out (§9); Resolved/Result are methods on the dispatcher that
// take a *FutureHandle, not the other way around.
type FutureHandle struct {
	TaskID           string
	State            lifecycle.State
	SubmittedAt      time.Time
	ContainerTaskARN string
	CachedResult     *ResultEnvelope
}

// TaskDefinition mirrors a registered container task definition.
type TaskDefinition struct {
	ARN           string
	ImageRef      string
	CPUUnits      float64
	MemoryGB      float64
	LaunchKind    LaunchKind
	Architecture  Architecture
	LogGroup      string
	ExecutionRole string
	TaskRole      string
}

// WaveQueue is the ephemeral dispatcher's in-flight bookkeeping for
// quota-limited (wave) mode.
type WaveQueue struct {
	Pending       []*FutureHandle
	InFlight      map[string]*FutureHandle
	WaveIndex     uint32
	CompletedCount uint32
}

// NewWaveQueue returns an empty wave queue.
func NewWaveQueue() *WaveQueue {
	return &WaveQueue{InFlight: make(map[string]*FutureHandle)}
}

// ResultEnvelope is what a worker writes to results/<task_id>.blob.
type ResultEnvelope struct {
	Error      bool        `cbor:"error"`
	Value      blob.Value  `cbor:"value,omitempty"`
	Stdout     string      `cbor:"stdout"`
	Visible    bool        `cbor:"visible,omitempty"`
	Conditions []string    `cbor:"conditions,omitempty"`
	Message    string      `cbor:"message,omitempty"`
	Traceback  string      `cbor:"traceback,omitempty"`
}

// PoolStatus is the observable return of ComputePoolManager.Status; it
// mirrors pkg/pool.Status and is kept here as the wire/API-facing
// counterpart so callers outside pkg/pool don't need that import.
type PoolStatus struct {
	Desired                      int
	InService                    int
	RegisteredContainerInstances int
	LaunchTemplateID             string
	ASGName                      string
	CapacityProviderName         string
}

// PricingEntry is a row in the pricing oracle's table.
type PricingEntry struct {
	InstanceType string
	Spot         bool
	USDPerHour   float64
}

// RetryConfig configures the retry policy; mirrors pkg/retry.Policy's
// tunables for callers that construct one from a ClusterConfig/flag set
// rather than using pkg/retry.Default() directly.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// SessionSummary is one row of ListSessions() output.
type SessionSummary struct {
	SessionID        string
	CreatedAt        time.Time
	LastActivity     time.Time
	AbsoluteDeadline time.Time
	Stats            SessionStats
	Terminated       bool
}
