package analysis

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Type says what the analysis covers.
type Type string

const (
	TypeFullRepo Type = "full_repo"
	TypePR       Type = "pr"
)

// Status is the lifecycle state of an analysis. The four non-running
// states are terminal; a terminal record never changes status again.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusInterrupted, StatusError, StatusSkipped:
		return true
	}
	return false
}

// PRMetadata identifies the pull request an analysis targets.
type PRMetadata struct {
	Owner   string `json:"owner"`
	Repo    string `json:"repo"`
	Number  int    `json:"number"`
	HeadSHA string `json:"head_sha"`
	Author  string `json:"author,omitempty"`
}

// Record is the persisted analysis document. It is mutated by the
// lifecycle controller only and is never deleted.
type Record struct {
	ID             string      `json:"id"`
	Type           Type        `json:"type"`
	Status         Status      `json:"status"`
	SandboxRef     string      `json:"sandbox_ref,omitempty"`
	Model          string      `json:"model,omitempty"`
	Prompt         string      `json:"prompt,omitempty"`
	ExitCode       *int        `json:"exit_code,omitempty"`
	PR             *PRMetadata `json:"pr,omitempty"`
	CommentsPosted int         `json:"comments_posted"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ErrNotFound is returned for unknown analysis ids.
var ErrNotFound = errors.New("analysis not found")

// Store persists analysis records.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Update applies fn to the stored record under the store's own
	// concurrency control and returns the updated record.
	Update(ctx context.Context, id string, fn func(*Record)) (Record, error)
	List(ctx context.Context) ([]Record, error)
}

func normalizeRecord(rec Record) Record {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.Type == "" {
		rec.Type = TypeFullRepo
	}
	if rec.Status == "" {
		rec.Status = StatusDraft
	}
	return rec
}
