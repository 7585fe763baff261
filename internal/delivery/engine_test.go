package delivery

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewstream/internal/platform"
	"reviewstream/internal/sidestore"
	"reviewstream/internal/stream"
)

func testEngine(t *testing.T, client *platform.FakeClient) *Engine {
	t.Helper()
	dctx := Context{
		Ref:        platform.RepoRef{Owner: "acme", Repo: "widgets"},
		PullNumber: 7,
		HeadSHA:    "abc123",
		AnalysisID: "an-1",
		ChangedFiles: map[string]struct{}{
			"internal/server/handler.go": {},
			"old/name.go":                {},
		},
	}
	e := NewEngine(client, sidestore.NewMemoryStore(time.Minute), dctx)
	e.PostDelay = time.Millisecond
	return e
}

func issueSegment(file string, line int, severity string) stream.Segment {
	var b strings.Builder
	b.WriteString("### Finding\n")
	b.WriteString("File: " + file + "\n")
	b.WriteString("Line_Start: " + strconv.Itoa(line) + "\n")
	if severity != "" {
		b.WriteString("Severity: " + severity + "\n")
	}
	b.WriteString("The handler ignores the error.\n")
	return stream.Segment{Kind: stream.SegmentIssue, Content: b.String()}
}

func TestDeliverPostsInlineComment(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	res := e.Deliver(context.Background(), issueSegment("internal/server/handler.go", 4, "High"))
	require.Equal(t, OutcomePosted, res.Outcome)
	require.Len(t, client.ReviewComments, 1)

	rc := client.ReviewComments[0]
	assert.Equal(t, "internal/server/handler.go", rc.Path)
	assert.Equal(t, "abc123", rc.CommitSHA)
	assert.Equal(t, 4, rc.Line)
	assert.Zero(t, rc.StartLine)
	assert.NotContains(t, rc.Body, "Line_Start")
	assert.NotContains(t, rc.Body, "File:")
}

func TestDeliverMultiLineRange(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	seg := stream.Segment{Kind: stream.SegmentPatch, Content: "File: internal/server/handler.go\nLine_Start: 3\nLine_End: 6\nfix\n"}
	res := e.Deliver(context.Background(), seg)
	require.True(t, res.Posted())
	require.Len(t, client.ReviewComments, 1)
	assert.Equal(t, 3, client.ReviewComments[0].StartLine)
	assert.Equal(t, 6, client.ReviewComments[0].Line)
}

func TestDeliverDeduplicatesByContentHash(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)
	seg := issueSegment("internal/server/handler.go", 4, "High")

	first := e.Deliver(context.Background(), seg)
	second := e.Deliver(context.Background(), seg)

	require.True(t, first.Posted())
	require.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Equal(t, SkipDuplicate, second.Reason)
	assert.Len(t, client.ReviewComments, 1)
}

func TestDeliverRejectsFileOutsidePR(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	res := e.Deliver(context.Background(), issueSegment("unrelated/file.go", 4, "Critical"))
	require.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, SkipNotInPR, res.Reason)
	assert.Empty(t, client.ReviewComments)
}

func TestDeliverAcceptsRenamedPreviousFilename(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	res := e.Deliver(context.Background(), issueSegment("old/name.go", 2, "Medium"))
	require.True(t, res.Posted())
}

func TestDeliverNonSuggestionFailsClosed(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	seg := stream.Segment{Kind: stream.SegmentIssue, Content: "just prose, no metadata"}
	res := e.Deliver(context.Background(), seg)
	require.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, SkipNotASuggestion, res.Reason)
}

func TestDeliverPlatformFailureHasNoFallbackPath(t *testing.T) {
	client := platform.NewFakeClient()
	client.FailCreateReviewComment = errors.New("rate limited")
	e := testEngine(t, client)

	res := e.Deliver(context.Background(), issueSegment("internal/server/handler.go", 4, "High"))
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.Error(t, res.Err)
	assert.Empty(t, client.Comments, "a failed suggestion must not fall back to a plain comment")

	// A failed post must not poison the dedup set.
	client.FailCreateReviewComment = nil
	res = e.Deliver(context.Background(), issueSegment("internal/server/handler.go", 4, "High"))
	require.True(t, res.Posted())
}

func TestShouldPostTable(t *testing.T) {
	cases := []struct {
		threshold int
		severity  stream.Severity
		want      bool
	}{
		{0, stream.SeverityNone, true},
		{0, stream.SeverityMedium, true},
		{0, stream.SeverityHigh, true},
		{0, stream.SeverityCritical, true},
		{1, stream.SeverityNone, true},
		{1, stream.SeverityMedium, true},
		{1, stream.SeverityHigh, true},
		{1, stream.SeverityCritical, true},
		{2, stream.SeverityNone, false},
		{2, stream.SeverityMedium, false},
		{2, stream.SeverityHigh, false},
		{2, stream.SeverityCritical, true},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, ShouldPost(tc.threshold, tc.severity),
			"ShouldPost(%d, %q)", tc.threshold, tc.severity)
	}
}

func TestDeliverBatchCountsAndIncrementsCounter(t *testing.T) {
	client := platform.NewFakeClient()
	side := sidestore.NewMemoryStore(time.Minute)
	e := testEngine(t, client)
	e.side = side

	segs := []stream.Segment{
		issueSegment("internal/server/handler.go", 1, "High"),
		issueSegment("unrelated/file.go", 2, "High"),
		issueSegment("internal/server/handler.go", 3, "Medium"),
	}
	count := e.DeliverBatch(context.Background(), segs)
	require.Equal(t, 2, count)

	v, ok, err := side.Counter(context.Background(), "an-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, v)
}

func TestDeliverBatchZeroPostsSkipsCounter(t *testing.T) {
	client := platform.NewFakeClient()
	side := sidestore.NewMemoryStore(time.Minute)
	e := testEngine(t, client)
	e.side = side

	count := e.DeliverBatch(context.Background(), []stream.Segment{
		issueSegment("unrelated/file.go", 2, "High"),
	})
	require.Zero(t, count)
	_, ok, err := side.Counter(context.Background(), "an-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSummaryUpsertCreatesThenUpdates(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	first := e.Deliver(context.Background(), stream.Segment{Kind: stream.SegmentText, Content: "Summary by reviewstream\n\nAll good."})
	require.True(t, first.Posted())
	require.Len(t, client.Comments, 1)
	assert.Contains(t, client.Comments[0].Body, statusMarker)

	second := e.Deliver(context.Background(), stream.Segment{Kind: stream.SegmentText, Content: "Summary by reviewstream\n\nTwo findings."})
	require.True(t, second.Posted())
	require.Len(t, client.Comments, 1, "summary must update, not append")
	assert.Contains(t, client.Comments[0].Body, "Two findings.")
}

func TestSummaryUpsertRediscoversByMarker(t *testing.T) {
	client := platform.NewFakeClient()
	// A prior engine instance posted the status comment.
	_, err := client.CreateComment(context.Background(), platform.RepoRef{}, 7, statusMarker+"\n\nstarted")
	require.NoError(t, err)

	e := testEngine(t, client)
	res := e.Deliver(context.Background(), stream.Segment{Kind: stream.SegmentText, Content: "Summary by reviewstream\n\ndone"})
	require.True(t, res.Posted())
	require.Len(t, client.Comments, 1, "must reuse the marker comment")
	assert.Contains(t, client.Comments[0].Body, "done")
}

func TestCheckRunFallsBackToCommitStatus(t *testing.T) {
	client := platform.NewFakeClient()
	client.FailCreateCheckRun = platform.ErrPermission
	e := testEngine(t, client)

	require.True(t, e.OpenCheckRun(context.Background()))
	require.Equal(t, []string{"pending reviewstream"}, client.Statuses)

	require.True(t, e.CloseCheckRun(context.Background(), false))
	assert.Equal(t, []string{"pending reviewstream", "failure reviewstream"}, client.Statuses)
	assert.Empty(t, client.CheckRuns)
}

func TestCheckRunHappyPath(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	require.True(t, e.OpenCheckRun(context.Background()))
	require.True(t, e.CloseCheckRun(context.Background(), true))
	require.Len(t, client.CheckRuns, 1)
	for _, conclusion := range client.CheckRuns {
		assert.Equal(t, platform.ConclusionSuccess, conclusion)
	}
	assert.Empty(t, client.Statuses)
}

func TestPostStartedRecordsStatusCommentID(t *testing.T) {
	client := platform.NewFakeClient()
	e := testEngine(t, client)

	require.True(t, e.PostStarted(context.Background(), 2, []string{"a.go"}, []string{"vendor/x.go"}))
	require.Len(t, client.Comments, 1)
	assert.Contains(t, client.Comments[0].Body, "Review started")

	// The later summary upsert must reuse the id, not create a second
	// status comment.
	res := e.Deliver(context.Background(), stream.Segment{Kind: stream.SegmentText, Content: "Summary by reviewstream\n\nok"})
	require.True(t, res.Posted())
	assert.Len(t, client.Comments, 1)
}
