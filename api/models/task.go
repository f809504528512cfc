package models

import (
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) Priority {
	if s == string(PriorityHigh) {
		return PriorityHigh
	}
	return PriorityNormal
}

// IsTerminal reports whether no further status transition is allowed.
// Terminal tasks only leave the store through deletion.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from→to is a legal lifecycle edge.
// The repository enforces the same graph with conditional UPDATEs;
// this is the in-memory reference for validation and tests.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case StatusPending:
		// A task whose enqueue never landed can still be claimed
		// directly, so pending→running is legal alongside the usual
		// pending→queued hop.
		return to == StatusQueued || to == StatusRunning || to == StatusCancelled
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

type Task struct {
	ID               string
	UserID           string
	OriginalFilename string
	StoredFilename   string
	FileSize         int64
	Priority         Priority
	Status           TaskStatus
	Progress         int
	CurrentStep      string
	CreatedAt        time.Time
	QueuedAt         *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ResultFilename   string
	LogFilename      string
	ErrorMessage     string
	Ambiguous        bool
}

type User struct {
	ID       string
	Username string
	IsAdmin  bool
}

// Stats is the queue-level counter snapshot exposed on /stats.
type Stats struct {
	Pending        int
	Running        int
	CompletedToday int
	FailedToday    int
}
