package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	analysisrepo "reviewstream/internal/gateway/repository/analysis"
	logsrepo "reviewstream/internal/gateway/repository/logs"
	"reviewstream/internal/platform"
	"reviewstream/internal/sidestore"
	"reviewstream/internal/stream"
)

const reviewStream = "[LLM_RESPONSE_START]\n" +
	"Reviewing the token handling changes.\n" +
	"[GITHUB_ISSUE_START]\n" +
	"File: internal/auth/token.go\n" +
	"Line_Start: 12\n" +
	"Severity: critical\n" +
	"The raw token is written to the log.\n" +
	"```suggestion\n" +
	"log.Printf(\"token received\")\n" +
	"```\n" +
	"[GITHUB_ISSUE_END]\n" +
	"[LLM_RESPONSE_END]\n"

type testHarness struct {
	svc     *Service
	store   analysisrepo.Store
	logs    logsrepo.Store
	side    sidestore.Store
	client  *platform.FakeClient
	sandbox *FakeSandbox
}

func newTestHarness(sandbox *FakeSandbox) *testHarness {
	client := platform.NewFakeClient()
	client.ChangedFiles = []platform.ChangedFile{
		{Filename: "internal/auth/token.go", Status: "modified"},
	}
	store := analysisrepo.NewMemoryStore()
	logs := logsrepo.NewMemoryStore()
	side := sidestore.NewMemoryStore(time.Minute)
	svc := NewService(store, logs, side, client, sandbox, NewEventBroker(), Config{
		PostDelay: time.Millisecond,
	})
	return &testHarness{svc: svc, store: store, logs: logs, side: side, client: client, sandbox: sandbox}
}

func prParams() CreateParams {
	return CreateParams{
		Type:   analysisrepo.TypePR,
		Model:  "review-model",
		Prompt: "review this pull request",
		PR: &analysisrepo.PRMetadata{
			Owner:   "octo",
			Repo:    "demo",
			Number:  7,
			HeadSHA: "abc123",
		},
	}
}

func waitTerminal(t *testing.T, h *testHarness, id string) analysisrepo.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := h.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("analysis %s did not reach a terminal status", id)
	return analysisrepo.Record{}
}

func TestRunCompletesAndDeliversSuggestion(t *testing.T) {
	h := newTestHarness(&FakeSandbox{Stdout: []string{reviewStream}})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != analysisrepo.StatusDraft {
		t.Fatalf("status = %s, want draft", rec.Status)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", final.ExitCode)
	}
	if final.CommentsPosted != 1 {
		t.Fatalf("comments posted = %d, want 1", final.CommentsPosted)
	}

	if len(h.client.ReviewComments) != 1 {
		t.Fatalf("review comments = %d, want 1", len(h.client.ReviewComments))
	}
	rc := h.client.ReviewComments[0]
	if rc.Path != "internal/auth/token.go" || rc.Line != 12 {
		t.Fatalf("unexpected anchor %s:%d", rc.Path, rc.Line)
	}

	// One completed check run with a success conclusion.
	if len(h.client.CheckRuns) != 1 {
		t.Fatalf("check runs = %d, want 1", len(h.client.CheckRuns))
	}
	for _, conclusion := range h.client.CheckRuns {
		if conclusion != platform.ConclusionSuccess {
			t.Fatalf("conclusion = %q, want success", conclusion)
		}
	}

	raw, err := h.logs.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("archived log: %v", err)
	}
	if !strings.Contains(string(raw), "[GITHUB_ISSUE_START]") {
		t.Fatalf("archived log missing stream text: %q", raw)
	}

	text, err := h.svc.Logs(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if text != string(raw) {
		t.Fatalf("Logs() diverges from archive")
	}
}

func TestNonzeroExitFinalizesAsError(t *testing.T) {
	h := newTestHarness(&FakeSandbox{Stdout: []string{"[INFO] crashed\n"}, ExitCode: 3})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", final.ExitCode)
	}
	for _, conclusion := range h.client.CheckRuns {
		if conclusion != platform.ConclusionFailure {
			t.Fatalf("conclusion = %q, want failure", conclusion)
		}
	}
}

func TestSandboxStartFailureFinalizesAsError(t *testing.T) {
	h := newTestHarness(&FakeSandbox{StartErr: errors.New("no capacity")})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusError {
		t.Fatalf("status = %s, want error", final.Status)
	}
	if final.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil", *final.ExitCode)
	}
}

func TestStopInterruptsRun(t *testing.T) {
	sandbox := &FakeSandbox{Stdout: []string{"partial output\n"}, Block: true}
	h := newTestHarness(sandbox)

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the sandbox ref is recorded so Stop has something to
	// terminate.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := h.store.Get(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cur.SandboxRef != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox ref never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.svc.Stop(context.Background(), rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", final.Status)
	}
	if final.ExitCode != nil {
		t.Fatalf("exit code = %v, want nil for interrupt", *final.ExitCode)
	}
	if len(sandbox.Terminated) != 1 || sandbox.Terminated[0] != "sbx-"+rec.ID {
		t.Fatalf("terminated refs = %v", sandbox.Terminated)
	}

	text, ok, err := h.side.ReadBuffer(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Fatalf("read side buffer: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(text, "[analysis interrupted by user]") {
		t.Fatalf("buffer missing interruption marker: %q", text)
	}

	// Stopping again is a no-op success.
	if err := h.svc.Stop(context.Background(), rec.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestDisconnectDoesNotStopRun(t *testing.T) {
	sandbox := &FakeSandbox{Stdout: []string{reviewStream}, Block: true}
	h := newTestHarness(sandbox)

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.svc.NotifyDisconnect(rec.ID)

	cur, err := h.store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.Status != analysisrepo.StatusRunning {
		t.Fatalf("status after disconnect = %s, want running", cur.Status)
	}
	if len(sandbox.Terminated) != 0 {
		t.Fatalf("terminate called on disconnect: %v", sandbox.Terminated)
	}

	// Releasing the sandbox lets the run finish normally.
	if err := sandbox.Terminate(context.Background(), ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}

func TestLogsOnRunningReadsSideBuffer(t *testing.T) {
	sandbox := &FakeSandbox{Stdout: []string{"live line\n"}, Block: true}
	h := newTestHarness(sandbox)

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		text, err := h.svc.Logs(context.Background(), rec.ID)
		if err != nil {
			t.Fatalf("logs: %v", err)
		}
		if strings.Contains(text, "live line") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("side buffer never reflected the stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.svc.Stop(context.Background(), rec.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitTerminal(t, h, rec.ID)
}

func TestStartRequiresDraft(t *testing.T) {
	h := newTestHarness(&FakeSandbox{})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, h, rec.ID)

	if _, err := h.svc.Start(context.Background(), rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start err = %v, want ErrInvalidTransition", err)
	}
}

func TestSkipPostsStatusCommentWithoutRunning(t *testing.T) {
	h := newTestHarness(&FakeSandbox{})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	skipped, err := h.svc.Skip(context.Background(), rec.ID, SkipBotAuthor)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.Status != analysisrepo.StatusSkipped {
		t.Fatalf("status = %s, want skipped", skipped.Status)
	}
	if len(h.client.Comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(h.client.Comments))
	}
	if len(h.client.ReviewComments) != 0 {
		t.Fatalf("skip must not post review comments")
	}

	if _, err := h.svc.Skip(context.Background(), rec.ID, SkipBotAuthor); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second skip err = %v, want ErrInvalidTransition", err)
	}
}

func TestWatcherReceivesChunksAndTerminalStatus(t *testing.T) {
	h := newTestHarness(&FakeSandbox{Stdout: []string{reviewStream}})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch, ok := h.svc.Broker().Get(rec.ID)
	if !ok {
		t.Fatal("no event channel allocated")
	}

	var sawChunk, sawSegments bool
	var terminal analysisrepo.Status
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventChunk:
				sawChunk = true
			case EventSegments:
				sawSegments = true
			case EventStatus:
				terminal = ev.Status
				break drain
			}
		case <-timeout:
			t.Fatal("no terminal status frame")
		}
	}
	if !sawChunk {
		t.Fatal("no chunk frames before terminal status")
	}
	if !sawSegments {
		t.Fatal("no segment frames before terminal status")
	}
	if terminal != analysisrepo.StatusCompleted {
		t.Fatalf("terminal status = %s, want completed", terminal)
	}
}

func TestSummaryTextReachesStatusComment(t *testing.T) {
	payload := reviewStream +
		"[LLM_RESPONSE_START]\n" +
		"Summary by reviewstream\n" +
		"- tightened token logging\n" +
		"[LLM_RESPONSE_END]\n"
	h := newTestHarness(&FakeSandbox{Stdout: []string{payload}})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, h, rec.ID)

	// The started comment is upserted in place with the summary; no
	// second status comment appears.
	if len(h.client.Comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(h.client.Comments))
	}
	if !strings.Contains(h.client.Comments[0].Body, "Summary by reviewstream") {
		t.Fatalf("status comment missing summary: %q", h.client.Comments[0].Body)
	}
	if len(h.client.ReviewComments) != 1 {
		t.Fatalf("review comments = %d, want 1", len(h.client.ReviewComments))
	}
}

func TestStartedCommentReportsCommitCount(t *testing.T) {
	h := newTestHarness(&FakeSandbox{Stdout: []string{"[INFO] quick run\n"}})
	h.client.CommitCount = 3

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitTerminal(t, h, rec.ID)

	if len(h.client.Comments) == 0 {
		t.Fatal("no started comment posted")
	}
	if !strings.Contains(h.client.Comments[0].Body, "Analyzing 3 commit(s)") {
		t.Fatalf("started comment missing commit count: %q", h.client.Comments[0].Body)
	}
}

func TestWatcherReceivesToolCallFrames(t *testing.T) {
	payload := "[READ_FILE] {'file_path': 'internal/auth/token.go'}\n" + reviewStream
	h := newTestHarness(&FakeSandbox{Stdout: []string{payload}})

	rec, err := h.svc.Create(context.Background(), prParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(context.Background(), rec.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch, ok := h.svc.Broker().Get(rec.ID)
	if !ok {
		t.Fatal("no event channel allocated")
	}

	var call *stream.ToolCall
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventToolCall && call == nil {
				call = ev.Call
			}
			if ev.Type == EventStatus {
				break drain
			}
		case <-timeout:
			t.Fatal("no terminal status frame")
		}
	}
	if call == nil {
		t.Fatal("no tool call frame before terminal status")
	}
	if call.Type != "READ_FILE" {
		t.Fatalf("tool call type = %q, want READ_FILE", call.Type)
	}
	payloadMap, ok := call.Result.(map[string]any)
	if !ok || payloadMap["file_path"] != "internal/auth/token.go" {
		t.Fatalf("tool call payload not normalized: %+v", call.Result)
	}
}

func TestCreateAutoStart(t *testing.T) {
	h := newTestHarness(&FakeSandbox{Stdout: []string{"[INFO] quick run\n"}})

	params := prParams()
	params.AutoStart = true
	rec, err := h.svc.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	final := waitTerminal(t, h, rec.ID)
	if final.Status != analysisrepo.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
}
