package types

import (
	"time"
)

// Node represents a worker node registered with the coordinator
type Node struct {
	ID string `json:"id"`

	// Name is the operator-facing label for the machine
	Name string `json:"name"`

	// IPAddress is the node's reachable IPv4 or IPv6 literal
	IPAddress string `json:"ipAddress"`

	// HardwareFingerprint is the node's authentication credential.
	// It is compared on login and never serialized in responses.
	HardwareFingerprint string `json:"-"`

	// IsAvailable reports whether the node may receive work. It is set
	// by heartbeats and cleared by the liveness sweeper.
	IsAvailable bool `json:"isAvailable"`

	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TaskType identifies the payload family of a batch task. The
// coordinator treats the payload itself as opaque.
type TaskType string

const (
	TaskTypeUnknown           TaskType = "Unknown"
	TaskTypeHelloWorld        TaskType = "HelloWorld"
	TaskTypeTestMessage       TaskType = "TestMessage"
	TaskTypeRenderThumbnails  TaskType = "RenderThumbnails"
	TaskTypeFileProcessing    TaskType = "FileProcessing"
	TaskTypeRealityCapture    TaskType = "RealityCapture"
	TaskTypePackageTask       TaskType = "PackageTask"
	TaskTypeVolumeCompression TaskType = "VolumeCompression"
)

// taskTypes holds every submittable type. Unknown is deliberately absent:
// it exists only as the zero value for unrecognized input.
var taskTypes = map[TaskType]bool{
	TaskTypeHelloWorld:        true,
	TaskTypeTestMessage:       true,
	TaskTypeRenderThumbnails:  true,
	TaskTypeFileProcessing:    true,
	TaskTypeRealityCapture:    true,
	TaskTypePackageTask:       true,
	TaskTypeVolumeCompression: true,
}

// ParseTaskType maps a wire string to a known task type. Unrecognized
// input yields TaskTypeUnknown and false.
func ParseTaskType(s string) (TaskType, bool) {
	t := TaskType(s)
	if taskTypes[t] {
		return t, true
	}
	return TaskTypeUnknown, false
}

// TaskStatus represents the lifecycle state of a batch task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "Pending"
	TaskStatusRunning   TaskStatus = "Running"
	TaskStatusCompleted TaskStatus = "Completed"
	TaskStatusFailed    TaskStatus = "Failed"
	TaskStatusCancelled TaskStatus = "Cancelled"
)

var taskStatuses = map[TaskStatus]bool{
	TaskStatusPending:   true,
	TaskStatusRunning:   true,
	TaskStatusCompleted: true,
	TaskStatusFailed:    true,
	TaskStatusCancelled: true,
}

// ParseTaskStatus maps a wire string to a known task status.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	st := TaskStatus(s)
	return st, taskStatuses[st]
}

// IsTerminal reports whether the status is a sink: no transition may
// leave Completed, Failed, or Cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// BatchTask represents one unit of coordinated work. The store assigns
// ID; RowVersion increments on every persisted update and is the
// compare-and-set token for concurrent writers.
type BatchTask struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Type           TaskType   `json:"type"`
	Status         TaskStatus `json:"status"`
	AssignedNodeID string     `json:"assignedNodeId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`

	// StartedAt is stamped on the first transition into Running,
	// CompletedAt on the transition into a terminal status.
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Parameters is an opaque payload blob interpreted by workers only
	Parameters    string `json:"parameters,omitempty"`
	ResultMessage string `json:"resultMessage,omitempty"`
	RowVersion    int64  `json:"rowVersion"`
}

// MaxParametersBytes bounds the opaque parameter blob on a task.
const MaxParametersBytes = 64 * 1024

// MaxTaskNameLength bounds the task name.
const MaxTaskNameLength = 200

// FileLock records advisory exclusive ownership of a normalized
// filesystem path. At most one row exists per path; LockingNodeID is
// the current owner.
type FileLock struct {
	ID            int64     `json:"id"`
	FilePath      string    `json:"filePath"`
	LockingNodeID string    `json:"lockingNodeId"`
	AcquiredAt    time.Time `json:"acquiredAt"`

	// LastUpdatedAt advances on every same-owner re-acquisition. A lock
	// whose LastUpdatedAt is older than the expiry window is stale and
	// may be stolen or reaped.
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// FolderStatus represents the lifecycle state of one folder within a
// fan-out task.
type FolderStatus string

const (
	FolderStatusPending    FolderStatus = "Pending"
	FolderStatusInProgress FolderStatus = "InProgress"
	FolderStatusCompleted  FolderStatus = "Completed"
	FolderStatusFailed     FolderStatus = "Failed"
)

var folderStatuses = map[FolderStatus]bool{
	FolderStatusPending:    true,
	FolderStatusInProgress: true,
	FolderStatusCompleted:  true,
	FolderStatusFailed:     true,
}

// ParseFolderStatus maps a wire string to a known folder status.
func ParseFolderStatus(s string) (FolderStatus, bool) {
	st := FolderStatus(s)
	return st, folderStatuses[st]
}

// IsTerminal reports whether the folder finished, successfully or not.
func (s FolderStatus) IsTerminal() bool {
	return s == FolderStatusCompleted || s == FolderStatusFailed
}

// FolderProgress tracks one folder processed under a fan-out task.
// Rows are unique per (TaskID, normalized FolderPath).
type FolderProgress struct {
	ID               int64        `json:"id"`
	TaskID           int64        `json:"taskId"`
	FolderPath       string       `json:"folderPath"`
	FolderName       string       `json:"folderName"`
	Status           FolderStatus `json:"status"`
	AssignedNodeID   string       `json:"assignedNodeId,omitempty"`
	AssignedNodeName string       `json:"assignedNodeName,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`

	// Progress is the worker-reported completion fraction in [0, 1]
	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	OutputPath   string  `json:"outputPath,omitempty"`
}

// TaskFilter narrows and pages task listings. Zero fields match
// everything; results order by CreatedAt descending.
type TaskFilter struct {
	Status        TaskStatus
	Type          TaskType
	AssignedNode  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Matches reports whether the task passes every set filter field.
// Pagination is applied by the caller, not here.
func (f *TaskFilter) Matches(t *BatchTask) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AssignedNode != "" && t.AssignedNodeID != f.AssignedNode {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
