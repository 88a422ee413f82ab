package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskID string

func NewTaskID() TaskID {
	return TaskID(uuid.NewString()[:8])
}

// Mode selects how heavy the delegated agent invocation is.
type Mode string

const (
	ModeSmart Mode = "smart"
	ModeFast  Mode = "fast"
)

// ParseMode maps the tool argument to a Mode. Empty and unknown values are smart.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSmart:
		return ModeSmart, true
	case ModeFast:
		return ModeFast, true
	default:
		return ModeSmart, false
	}
}

// PendingTask is bookkeeping for one in-flight delegated task.
type PendingTask struct {
	ID        TaskID    `json:"id"`
	Task      string    `json:"task"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// ToolResult is produced once per finished delegated task.
type ToolResult struct {
	TaskID   TaskID        `json:"task_id"`
	Success  bool          `json:"success"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}
