package platform

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests. Individual operations can
// be forced to fail by setting the corresponding error field.
type FakeClient struct {
	mu sync.Mutex

	nextID int64

	Comments       []Comment
	ReviewComments []ReviewComment
	ChangedFiles   []ChangedFile
	CommitCount    int
	CheckRuns      map[int64]string // id -> conclusion ("" while in progress)
	Statuses       []string         // "state context" pairs in call order

	FailCreateComment       error
	FailUpdateComment       error
	FailCreateReviewComment error
	FailCreateCheckRun      error
	FailCompleteCheckRun    error
	FailCreateCommitStatus  error
	FailListChangedFiles    error
	FailCommitCount         error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{CheckRuns: map[int64]string{}}
}

func (c *FakeClient) nextIDLocked() int64 {
	c.nextID++
	return c.nextID
}

func (c *FakeClient) CreateComment(_ context.Context, _ RepoRef, _ int, body string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateComment != nil {
		return 0, c.FailCreateComment
	}
	id := c.nextIDLocked()
	c.Comments = append(c.Comments, Comment{ID: id, Body: body})
	return id, nil
}

func (c *FakeClient) UpdateComment(_ context.Context, _ RepoRef, commentID int64, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailUpdateComment != nil {
		return c.FailUpdateComment
	}
	for i := range c.Comments {
		if c.Comments[i].ID == commentID {
			c.Comments[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func (c *FakeClient) ListComments(_ context.Context, _ RepoRef, _ int) ([]Comment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Comment(nil), c.Comments...), nil
}

func (c *FakeClient) CreateReviewComment(_ context.Context, _ RepoRef, _ int, rc ReviewComment) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateReviewComment != nil {
		return 0, c.FailCreateReviewComment
	}
	c.ReviewComments = append(c.ReviewComments, rc)
	return c.nextIDLocked(), nil
}

func (c *FakeClient) ListChangedFiles(_ context.Context, _ RepoRef, _ int) ([]ChangedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailListChangedFiles != nil {
		return nil, c.FailListChangedFiles
	}
	return append([]ChangedFile(nil), c.ChangedFiles...), nil
}

func (c *FakeClient) PullRequestCommitCount(_ context.Context, _ RepoRef, _ int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCommitCount != nil {
		return 0, c.FailCommitCount
	}
	if c.CommitCount == 0 {
		return 1, nil
	}
	return c.CommitCount, nil
}

func (c *FakeClient) CreateCheckRun(_ context.Context, _ RepoRef, _, _ string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateCheckRun != nil {
		return 0, c.FailCreateCheckRun
	}
	id := c.nextIDLocked()
	c.CheckRuns[id] = ""
	return id, nil
}

func (c *FakeClient) CompleteCheckRun(_ context.Context, _ RepoRef, checkRunID int64, conclusion string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCompleteCheckRun != nil {
		return c.FailCompleteCheckRun
	}
	if _, ok := c.CheckRuns[checkRunID]; !ok {
		return fmt.Errorf("check run %d not found", checkRunID)
	}
	c.CheckRuns[checkRunID] = conclusion
	return nil
}

func (c *FakeClient) CreateCommitStatus(_ context.Context, _ RepoRef, _, state, statusContext, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCreateCommitStatus != nil {
		return c.FailCreateCommitStatus
	}
	c.Statuses = append(c.Statuses, state+" "+statusContext)
	return nil
}
