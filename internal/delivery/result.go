// Package delivery maps parsed suggestion and summary segments onto
// platform side effects: inline review comments, the upserted status
// comment, and the check-run / commit-status pair. It owns deduplication,
// severity filtering, and the inter-post rate limit.
package delivery

// Outcome says what happened to one segment.
type Outcome string

const (
	// OutcomePosted: the platform accepted the comment.
	OutcomePosted Outcome = "posted"
	// OutcomeSkipped: the engine chose not to attempt delivery.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed: delivery was attempted and the platform call failed.
	OutcomeFailed Outcome = "failed"
)

// SkipReason explains an OutcomeSkipped result.
type SkipReason string

const (
	SkipNotASuggestion SkipReason = "not_a_suggestion"
	SkipDuplicate      SkipReason = "duplicate"
	SkipBelowSeverity  SkipReason = "below_severity"
	SkipNotInPR        SkipReason = "not_in_pr"
)

// Result is the outcome of delivering one segment. Exactly one of
// Reason (skipped) and Err (failed) is meaningful; CommentID is set for
// posted results.
type Result struct {
	Outcome   Outcome
	Reason    SkipReason
	CommentID int64
	Err       error
}

// Posted reports whether the segment reached the platform.
func (r Result) Posted() bool { return r.Outcome == OutcomePosted }

func posted(id int64) Result {
	return Result{Outcome: OutcomePosted, CommentID: id}
}

func skipped(reason SkipReason) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}
