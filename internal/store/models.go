package store

import (
	"encoding/json"
	"time"
)

// TaskStatus represents where a task is in its dispatch lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusDispatched TaskStatus = "dispatched"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskKind distinguishes what a task asks the executor to do.
type TaskKind string

const (
	KindFix    TaskKind = "fix"
	KindReview TaskKind = "review" // Flag for a human, never mutates.
	KindTest   TaskKind = "test"
	KindDeploy TaskKind = "deploy"
)

// Priority orders dispatch within a cycle.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the dispatch rank; lower goes first. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority normalizes a free-form priority string.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s), true
	}
	return "", false
}

// NoTarget marks tasks that come from a human-authored plan rather than a scan.
const NoTarget = "N/A"

// Well-known metadata keys.
const (
	MetaHash           = "hash"
	MetaLine           = "line"
	MetaDetector       = "detector"
	MetaSnippet        = "snippet"
	MetaErrorType      = "errorType"
	MetaSeverity       = "severity"
	MetaFixable        = "fixable"
	MetaSource         = "source"
	MetaAnalysisReport = "analysisReport"
	MetaAcceptance     = "acceptanceCriteria"
	MetaFilesToModify  = "filesToModify"
	MetaPatch          = "patch"
)

// TaskRequest is a unit of proposed work.
type TaskRequest struct {
	ID          string            `json:"id"`
	Kind        TaskKind          `json:"kind"`
	Priority    Priority          `json:"priority"`
	Target      string            `json:"target"`
	Description string            `json:"description"`
	Status      TaskStatus        `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value, or "" when unset.
func (t TaskRequest) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}

// HasTarget reports whether the task points at a concrete file.
func (t TaskRequest) HasTarget() bool {
	return t.Target != "" && t.Target != NoTarget
}

// Classification is the defect type used in confidence scoring.
type Classification string

const (
	ClassSyntax  Classification = "syntax"
	ClassLogic   Classification = "logic"
	ClassUnknown Classification = "unknown"
)

// Complexity is the fix complexity tier used in confidence scoring.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// ChangeAction describes what happened to a file.
type ChangeAction string

const (
	ActionCreated  ChangeAction = "created"
	ActionModified ChangeAction = "modified"
	ActionDeleted  ChangeAction = "deleted"
)

// FileChange is one file touched by a fix.
type FileChange struct {
	File         string       `json:"file"`
	Action       ChangeAction `json:"action"`
	LinesChanged int          `json:"linesChanged"`
}

// Metrics are per-execution measurements.
type Metrics struct {
	ExecutionTimeMs int64      `json:"executionTimeMs"`
	LinesOfCode     int        `json:"linesOfCode"`
	Complexity      Complexity `json:"complexity,omitempty"`
}

// TaskResult is the immutable outcome of executing one TaskRequest.
type TaskResult struct {
	TaskID              string       `json:"taskId"`
	Success             bool         `json:"success"`
	Message             string       `json:"message"`
	Errors              []string     `json:"errors,omitempty"`
	Changes             []FileChange `json:"changes,omitempty"`
	Metrics             Metrics      `json:"metrics"`
	ConfidenceScore     float64      `json:"confidenceScore"`
	RequiresHumanReview bool         `json:"requiresHumanReview"`
	Fatal               bool         `json:"fatal,omitempty"` // Rollback failed; repository state unverified.
	Stale               bool         `json:"stale,omitempty"` // Target changed after discovery; nothing was attempted.
	CompletedAt         time.Time    `json:"completedAt"`
}

// BackupRecord owns a durable copy of a file's pre-mutation bytes.
type BackupRecord struct {
	TaskID     string    `json:"taskId"`
	Path       string    `json:"path"`
	BackupPath string    `json:"backupPath"`
	Hash       string    `json:"hash"`
	Mode       uint32    `json:"mode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// HealthStatus buckets the health score.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthMetrics are the aggregates behind a health score.
type HealthMetrics struct {
	TotalTasks           int     `json:"totalTasks"`
	CompletedTasks       int     `json:"completedTasks"`
	FailedTasks          int     `json:"failedTasks"`
	AverageExecutionTime float64 `json:"averageExecutionTime"` // milliseconds
	ErrorRate            float64 `json:"errorRate"`
	AverageConfidence    float64 `json:"averageConfidence"`
	FatalRollbacks       int     `json:"fatalRollbacks"`
}

// SystemHealth is derived from the full result history.
type SystemHealth struct {
	Status  HealthStatus  `json:"status"`
	Score   int           `json:"score"`
	Metrics HealthMetrics `json:"metrics"`
}

// HealthSnapshot is the file format dashboards poll.
type HealthSnapshot struct {
	LastUpdate     time.Time    `json:"lastUpdate"`
	TotalTasks     int          `json:"totalTasks"`
	CompletedTasks int          `json:"completedTasks"`
	HealthScore    int          `json:"healthScore"`
	Status         HealthStatus `json:"status"`
}

// Event is one message on the bus and one line of its durable log.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CycleStatus is the outcome of one orchestration cycle.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CyclePartial   CycleStatus = "partial"
	CycleFailed    CycleStatus = "failed"
)

// CycleRun records one orchestration cycle for history and crash recovery.
type CycleRun struct {
	ID         int64       `json:"id"`
	Status     CycleStatus `json:"status"`
	Discovered int         `json:"discovered"`
	Dispatched int         `json:"dispatched"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    time.Time   `json:"endedAt,omitempty"`
}
