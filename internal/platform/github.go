package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v68/github"
)

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	gh *github.Client
}

// NewGitHubClient creates a client authenticated with a token. An empty
// baseURL targets github.com; otherwise an enterprise endpoint is used.
func NewGitHubClient(token, baseURL string) (*GitHubClient, error) {
	gh := github.NewClient(nil)
	if strings.TrimSpace(token) != "" {
		gh = gh.WithAuthToken(strings.TrimSpace(token))
	}
	if u := strings.TrimSpace(baseURL); u != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(u, u)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise url: %w", err)
		}
	}
	return &GitHubClient{gh: gh}, nil
}

func (c *GitHubClient) CreateComment(ctx context.Context, ref RepoRef, number int, body string) (int64, error) {
	comment, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return 0, wrapGitHubErr("create comment", err)
	}
	return comment.GetID(), nil
}

func (c *GitHubClient) UpdateComment(ctx context.Context, ref RepoRef, commentID int64, body string) error {
	_, _, err := c.gh.Issues.EditComment(ctx, ref.Owner, ref.Repo, commentID, &github.IssueComment{
		Body: github.Ptr(body),
	})
	return wrapGitHubErr("update comment", err)
}

func (c *GitHubClient) ListComments(ctx context.Context, ref RepoRef, number int) ([]Comment, error) {
	var out []Comment
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, ref.Owner, ref.Repo, number, opts)
		if err != nil {
			return nil, wrapGitHubErr("list comments", err)
		}
		for _, com := range comments {
			out = append(out, Comment{ID: com.GetID(), Body: com.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) CreateReviewComment(ctx context.Context, ref RepoRef, number int, rc ReviewComment) (int64, error) {
	req := &github.PullRequestComment{
		Body:     github.Ptr(rc.Body),
		CommitID: github.Ptr(rc.CommitSHA),
		Path:     github.Ptr(rc.Path),
		Line:     github.Ptr(rc.Line),
		Side:     github.Ptr("RIGHT"),
	}
	if rc.StartLine > 0 {
		req.StartLine = github.Ptr(rc.StartLine)
		req.StartSide = github.Ptr("RIGHT")
	}
	comment, _, err := c.gh.PullRequests.CreateComment(ctx, ref.Owner, ref.Repo, number, req)
	if err != nil {
		return 0, wrapGitHubErr("create review comment", err)
	}
	return comment.GetID(), nil
}

func (c *GitHubClient) ListChangedFiles(ctx context.Context, ref RepoRef, number int) ([]ChangedFile, error) {
	var out []ChangedFile
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, ref.Owner, ref.Repo, number, opts)
		if err != nil {
			return nil, wrapGitHubErr("list changed files", err)
		}
		for _, f := range files {
			out = append(out, ChangedFile{
				Filename:         f.GetFilename(),
				PreviousFilename: f.GetPreviousFilename(),
				Status:           f.GetStatus(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *GitHubClient) PullRequestCommitCount(ctx context.Context, ref RepoRef, number int) (int, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, number)
	if err != nil {
		return 0, wrapGitHubErr("get pull request", err)
	}
	return pr.GetCommits(), nil
}

func (c *GitHubClient) CreateCheckRun(ctx context.Context, ref RepoRef, name, headSHA string) (int64, error) {
	run, _, err := c.gh.Checks.CreateCheckRun(ctx, ref.Owner, ref.Repo, github.CreateCheckRunOptions{
		Name:    name,
		HeadSHA: headSHA,
		Status:  github.Ptr("in_progress"),
	})
	if err != nil {
		return 0, wrapGitHubErr("create check run", err)
	}
	return run.GetID(), nil
}

func (c *GitHubClient) CompleteCheckRun(ctx context.Context, ref RepoRef, checkRunID int64, conclusion string) error {
	_, _, err := c.gh.Checks.UpdateCheckRun(ctx, ref.Owner, ref.Repo, checkRunID, github.UpdateCheckRunOptions{
		Name:       "reviewstream",
		Status:     github.Ptr("completed"),
		Conclusion: github.Ptr(conclusion),
	})
	return wrapGitHubErr("complete check run", err)
}

func (c *GitHubClient) CreateCommitStatus(ctx context.Context, ref RepoRef, sha, state, statusContext, description string) error {
	_, _, err := c.gh.Repositories.CreateStatus(ctx, ref.Owner, ref.Repo, sha, &github.RepoStatus{
		State:       github.Ptr(state),
		Context:     github.Ptr(statusContext),
		Description: github.Ptr(description),
	})
	return wrapGitHubErr("create commit status", err)
}

// wrapGitHubErr maps 403 responses onto ErrPermission so callers can pick
// the classic-status fallback.
func wrapGitHubErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w: %v", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
