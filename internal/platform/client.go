// Package platform wraps the code-hosting platform's REST API behind a
// narrow client interface. The real backend is GitHub; a fake backend
// backs tests.
package platform

import (
	"context"
	"errors"
)

// ErrPermission marks calls rejected by the platform for missing
// installation permissions; callers use it to pick the classic-status
// fallback for check runs.
var ErrPermission = errors.New("platform permission denied")

// RepoRef identifies one repository.
type RepoRef struct {
	Owner string
	Repo  string
}

// Comment is an existing issue/PR thread comment.
type Comment struct {
	ID   int64
	Body string
}

// ChangedFile is one file of a pull request's diff. PreviousFilename is
// set for renames.
type ChangedFile struct {
	Filename         string
	PreviousFilename string
	Status           string
}

// ReviewComment is an inline comment anchored to a commit, file, and line
// or line range. StartLine is zero for the single-line form.
type ReviewComment struct {
	Path      string
	CommitSHA string
	Line      int
	StartLine int
	Body      string
}

// Check run conclusions and commit status states, as the platform spells
// them.
const (
	ConclusionSuccess = "success"
	ConclusionFailure = "failure"

	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Client is the set of platform operations the delivery engine needs.
// Implementations never retry; transient failures surface as errors.
type Client interface {
	CreateComment(ctx context.Context, ref RepoRef, number int, body string) (int64, error)
	UpdateComment(ctx context.Context, ref RepoRef, commentID int64, body string) error
	ListComments(ctx context.Context, ref RepoRef, number int) ([]Comment, error)

	CreateReviewComment(ctx context.Context, ref RepoRef, number int, rc ReviewComment) (int64, error)
	ListChangedFiles(ctx context.Context, ref RepoRef, number int) ([]ChangedFile, error)
	PullRequestCommitCount(ctx context.Context, ref RepoRef, number int) (int, error)

	CreateCheckRun(ctx context.Context, ref RepoRef, name, headSHA string) (int64, error)
	CompleteCheckRun(ctx context.Context, ref RepoRef, checkRunID int64, conclusion string) error
	CreateCommitStatus(ctx context.Context, ref RepoRef, sha, state, statusContext, description string) error
}
