package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"reviewstream/internal/platform"
	"reviewstream/internal/sidestore"
	"reviewstream/internal/stream"
)

const checkRunName = "reviewstream"

// Context is the per-analysis delivery target. Lifetime is one analysis
// run.
type Context struct {
	Ref               platform.RepoRef
	PullNumber        int
	HeadSHA           string
	AnalysisID        string
	ChangedFiles      map[string]struct{}
	SeverityThreshold int
}

// ChangedFileSet builds the membership set for suggestion filtering. The
// previous filename of a renamed file also counts as a member.
func ChangedFileSet(files []platform.ChangedFile) map[string]struct{} {
	set := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f.Filename != "" {
			set[f.Filename] = struct{}{}
		}
		if f.PreviousFilename != "" {
			set[f.PreviousFilename] = struct{}{}
		}
	}
	return set
}

// inPR reports whether path is part of the pull request's diff.
func (c *Context) inPR(path string) bool {
	_, ok := c.ChangedFiles[path]
	return ok
}

// ShouldPost applies the severity threshold. Threshold 0 posts
// everything; threshold 1 posts medium and above, with an absent severity
// defaulting to medium; threshold 2 posts critical only — high is
// excluded at threshold 2.
func ShouldPost(threshold int, severity stream.Severity) bool {
	switch threshold {
	case 1:
		return severityLevel(severity) >= 1
	case 2:
		return severityLevel(severity) >= 3
	}
	return true
}

func severityLevel(severity stream.Severity) int {
	switch severity {
	case stream.SeverityCritical:
		return 3
	case stream.SeverityHigh:
		return 2
	}
	// Medium and absent severities share the lowest level.
	return 1
}

// Engine delivers segments for one analysis run. It is owned by the
// analysis task; dedup state is in-memory only, so a restarted engine
// starts empty — the status comment stays idempotent through its hidden
// marker, inline suggestions may duplicate after a restart.
type Engine struct {
	client platform.Client
	side   sidestore.Store
	dctx   Context

	// PostDelay is the fixed pause between consecutive posts in a batch,
	// respecting the platform's abuse-rate limits.
	PostDelay time.Duration

	postedHashes    map[string]struct{}
	statusCommentID int64
	checkRunID      int64
	statusFallback  bool
}

// NewEngine creates a delivery engine for one analysis run.
func NewEngine(client platform.Client, side sidestore.Store, dctx Context) *Engine {
	return &Engine{
		client:       client,
		side:         side,
		dctx:         dctx,
		PostDelay:    2 * time.Second,
		postedHashes: map[string]struct{}{},
	}
}

// Deliver maps one segment onto a platform action. Summary segments
// upsert the status comment; issue and patch segments become inline
// review comments. All skip decisions are made before any network call;
// a failed platform call never propagates as an error to the stream.
func (e *Engine) Deliver(ctx context.Context, seg stream.Segment) Result {
	if IsSummarySegment(seg) {
		return e.upsertStatusComment(ctx, renderSummaryBody(seg.Content))
	}

	sug, ok := stream.ExtractSuggestion(seg.Content)
	if !ok {
		// Only actionable segments reach the engine in the normal flow.
		log.Printf("delivery %s: %s segment without file/line metadata, not postable", e.dctx.AnalysisID, seg.Kind)
		return skipped(SkipNotASuggestion)
	}

	hash := contentHash(seg.Content)
	if _, dup := e.postedHashes[hash]; dup {
		return skipped(SkipDuplicate)
	}
	if !ShouldPost(e.dctx.SeverityThreshold, sug.Severity) {
		return skipped(SkipBelowSeverity)
	}
	if !e.dctx.inPR(sug.FilePath) {
		log.Printf("delivery %s: %s is not part of the pull request, skipping", e.dctx.AnalysisID, sug.FilePath)
		return skipped(SkipNotInPR)
	}

	rc := platform.ReviewComment{
		Path:      sug.FilePath,
		CommitSHA: e.dctx.HeadSHA,
		Line:      sug.LineStart,
		Body:      renderSuggestionBody(sug),
	}
	if sug.LineEnd > sug.LineStart {
		rc.StartLine = sug.LineStart
		rc.Line = sug.LineEnd
	}

	id, err := e.client.CreateReviewComment(ctx, e.dctx.Ref, e.dctx.PullNumber, rc)
	if err != nil {
		// No fallback to a plain top-level comment for suggestions.
		log.Printf("delivery %s: review comment on %s:%d failed: %v", e.dctx.AnalysisID, sug.FilePath, sug.LineStart, err)
		return failed(err)
	}
	e.postedHashes[hash] = struct{}{}
	return posted(id)
}

// DeliverBatch delivers segments strictly in order with the fixed
// inter-post delay, then folds the number actually posted into the
// side-store comment counter. A later post's success is independent of an
// earlier post's failure.
func (e *Engine) DeliverBatch(ctx context.Context, segs []stream.Segment) int {
	count := 0
	for i, seg := range segs {
		res := e.Deliver(ctx, seg)
		if res.Posted() {
			count++
			if i < len(segs)-1 {
				timer := time.NewTimer(e.PostDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
		}
	}
	if count > 0 && e.side != nil {
		if _, err := e.side.Increment(ctx, e.dctx.AnalysisID, count); err != nil {
			log.Printf("delivery %s: comment counter increment failed: %v", e.dctx.AnalysisID, err)
		}
	}
	return count
}

// PostStarted creates the status comment announcing the run.
func (e *Engine) PostStarted(ctx context.Context, commitCount int, files, ignoredFiles []string) bool {
	return e.createStatusComment(ctx, renderStartedBody(commitCount, files, ignoredFiles))
}

// PostDailyLimitReached creates the status comment for a quota skip.
func (e *Engine) PostDailyLimitReached(ctx context.Context, message string) bool {
	return e.createStatusComment(ctx, renderDailyLimitBody(message))
}

// PostBotAuthorSkipped creates the status comment for a bot-author skip.
func (e *Engine) PostBotAuthorSkipped(ctx context.Context) bool {
	return e.createStatusComment(ctx, renderBotAuthorBody())
}

func (e *Engine) createStatusComment(ctx context.Context, body string) bool {
	id, err := e.client.CreateComment(ctx, e.dctx.Ref, e.dctx.PullNumber, body)
	if err != nil {
		log.Printf("delivery %s: status comment failed: %v", e.dctx.AnalysisID, err)
		return false
	}
	e.statusCommentID = id
	return true
}

// upsertStatusComment updates the known status comment, re-discovering it
// through the hidden marker when the id is not in memory (engine restarted
// mid-run), and creates it as a last resort.
func (e *Engine) upsertStatusComment(ctx context.Context, body string) Result {
	if e.statusCommentID == 0 {
		if comments, err := e.client.ListComments(ctx, e.dctx.Ref, e.dctx.PullNumber); err == nil {
			for _, c := range comments {
				if strings.Contains(c.Body, statusMarker) {
					e.statusCommentID = c.ID
					break
				}
			}
		} else {
			log.Printf("delivery %s: status comment lookup failed: %v", e.dctx.AnalysisID, err)
		}
	}
	if e.statusCommentID != 0 {
		if err := e.client.UpdateComment(ctx, e.dctx.Ref, e.statusCommentID, body); err != nil {
			log.Printf("delivery %s: status comment update failed: %v", e.dctx.AnalysisID, err)
			return failed(err)
		}
		return posted(e.statusCommentID)
	}
	id, err := e.client.CreateComment(ctx, e.dctx.Ref, e.dctx.PullNumber, body)
	if err != nil {
		log.Printf("delivery %s: status comment create failed: %v", e.dctx.AnalysisID, err)
		return failed(err)
	}
	e.statusCommentID = id
	return posted(id)
}

// OpenCheckRun creates the check run in progress. When creation fails
// (insufficient installation permission is the common cause) it falls back
// to a classic pending commit status and remembers the fallback for the
// terminal update.
func (e *Engine) OpenCheckRun(ctx context.Context) bool {
	id, err := e.client.CreateCheckRun(ctx, e.dctx.Ref, checkRunName, e.dctx.HeadSHA)
	if err == nil {
		e.checkRunID = id
		return true
	}
	log.Printf("delivery %s: check run create failed, using commit status fallback: %v", e.dctx.AnalysisID, err)
	e.statusFallback = true
	if serr := e.client.CreateCommitStatus(ctx, e.dctx.Ref, e.dctx.HeadSHA, platform.StatusPending, checkRunName, "review in progress"); serr != nil {
		log.Printf("delivery %s: pending commit status failed: %v", e.dctx.AnalysisID, serr)
		return false
	}
	return true
}

// CloseCheckRun records the terminal pass/fail state on whichever surface
// OpenCheckRun managed to use.
func (e *Engine) CloseCheckRun(ctx context.Context, success bool) bool {
	if e.statusFallback {
		state := platform.StatusSuccess
		desc := "review completed"
		if !success {
			state = platform.StatusFailure
			desc = "review failed"
		}
		if err := e.client.CreateCommitStatus(ctx, e.dctx.Ref, e.dctx.HeadSHA, state, checkRunName, desc); err != nil {
			log.Printf("delivery %s: terminal commit status failed: %v", e.dctx.AnalysisID, err)
			return false
		}
		return true
	}
	if e.checkRunID == 0 {
		return false
	}
	conclusion := platform.ConclusionSuccess
	if !success {
		conclusion = platform.ConclusionFailure
	}
	if err := e.client.CompleteCheckRun(ctx, e.dctx.Ref, e.checkRunID, conclusion); err != nil {
		log.Printf("delivery %s: check run update failed: %v", e.dctx.AnalysisID, err)
		return false
	}
	return true
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
