// Package analysis runs the review lifecycle: it launches sandbox
// executions, funnels their output through the stream parser, hands
// actionable segments to the delivery engine, and records lifecycle
// state transitions.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reviewstream/internal/delivery"
	analysisrepo "reviewstream/internal/gateway/repository/analysis"
	logsrepo "reviewstream/internal/gateway/repository/logs"
	"reviewstream/internal/platform"
	"reviewstream/internal/sidestore"
	"reviewstream/internal/stream"
)

const interruptionMarker = "\n[analysis interrupted by user]\n"

// ErrInvalidTransition is returned when a lifecycle operation does not
// apply to the record's current status, e.g. starting a non-draft
// analysis.
var ErrInvalidTransition = errors.New("invalid status transition")

// SkipReason says why an analysis was skipped without running.
type SkipReason string

const (
	SkipBotAuthor  SkipReason = "bot_author"
	SkipDailyLimit SkipReason = "daily_limit"
)

// CreateParams describes a new analysis.
type CreateParams struct {
	Type   analysisrepo.Type
	Model  string
	Prompt string
	PR     *analysisrepo.PRMetadata
	// AutoStart moves the analysis straight from draft to running.
	AutoStart bool
}

// Config tunes lifecycle behavior.
type Config struct {
	// SeverityThreshold is passed through to the delivery engine.
	SeverityThreshold int
	// PostDelay overrides the delivery engine's inter-post pause when
	// positive. Tests shrink it.
	PostDelay time.Duration
	// SideTTL bounds the side store's per-analysis keys.
	SideTTL time.Duration
	// EventBufferSize is the per-watcher frame buffer. Frames beyond it
	// are dropped rather than blocking the run.
	EventBufferSize int
}

// Service owns the analysis lifecycle. All status transitions for a
// record go through it.
type Service struct {
	store   analysisrepo.Store
	logs    logsrepo.Store
	side    sidestore.Store
	client  platform.Client
	sandbox Sandbox
	broker  *EventBroker
	cfg     Config

	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks a running analysis's in-process control state.
type activeRun struct {
	cancel       context.CancelFunc
	sandboxRef   string
	disconnected bool
}

func NewService(store analysisrepo.Store, logs logsrepo.Store, side sidestore.Store, client platform.Client, sandbox Sandbox, broker *EventBroker, cfg Config) *Service {
	if cfg.SideTTL <= 0 {
		cfg.SideTTL = sidestore.DefaultTTL
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	return &Service{
		store:   store,
		logs:    logs,
		side:    side,
		client:  client,
		sandbox: sandbox,
		broker:  broker,
		cfg:     cfg,
		running: make(map[string]*activeRun),
	}
}

// Broker exposes the event broker for transport handlers.
func (s *Service) Broker() *EventBroker { return s.broker }

// Create registers a new analysis in draft. With AutoStart it is
// started immediately.
func (s *Service) Create(ctx context.Context, params CreateParams) (analysisrepo.Record, error) {
	rec := analysisrepo.Record{
		ID:        uuid.NewString(),
		Type:      params.Type,
		Status:    analysisrepo.StatusDraft,
		Model:     strings.TrimSpace(params.Model),
		Prompt:    params.Prompt,
		PR:        params.PR,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if rec.Type == analysisrepo.TypePR && rec.PR == nil {
		return analysisrepo.Record{}, fmt.Errorf("pr analysis requires pull request metadata")
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return analysisrepo.Record{}, fmt.Errorf("create analysis: %w", err)
	}
	if params.AutoStart {
		return s.Start(ctx, rec.ID)
	}
	return rec, nil
}

// Start transitions a draft analysis to running and launches the
// sandbox pipeline in the background.
func (s *Service) Start(ctx context.Context, id string) (analysisrepo.Record, error) {
	var transitionErr error
	rec, err := s.store.Update(ctx, id, func(r *analysisrepo.Record) {
		if r.Status != analysisrepo.StatusDraft {
			transitionErr = fmt.Errorf("%w: start requires draft, got %s", ErrInvalidTransition, r.Status)
			return
		}
		r.Status = analysisrepo.StatusRunning
		r.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return analysisrepo.Record{}, fmt.Errorf("start analysis %s: %w", id, err)
	}
	if transitionErr != nil {
		return analysisrepo.Record{}, transitionErr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[id] = &activeRun{cancel: cancel}
	s.mu.Unlock()

	s.broker.Allocate(id, s.cfg.EventBufferSize)
	go s.runAnalysis(runCtx, rec)
	return rec, nil
}

// Stop requests termination of a running analysis. Stopping an analysis
// that is not running is a no-op success; the caller cannot observe a
// race between completion and the stop request.
func (s *Service) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	run, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	ref := run.sandboxRef
	cancel := run.cancel
	s.mu.Unlock()

	if ref != "" {
		if err := s.sandbox.Terminate(ctx, ref); err != nil {
			log.Printf("analysis %s: sandbox terminate failed: %v", id, err)
		}
	}
	cancel()

	// The interruption marker goes into the side buffer regardless of
	// whether the sandbox acknowledged the kill, so recovered logs show
	// the stop.
	if err := s.side.AppendBuffer(ctx, id, interruptionMarker); err != nil {
		log.Printf("analysis %s: append interruption marker: %v", id, err)
	}

	if err := s.finalize(ctx, id, analysisrepo.StatusInterrupted, nil); err != nil {
		// Stop still succeeds: the sandbox is down and the client's
		// intent is satisfied; the record is repaired on the next read.
		log.Printf("analysis %s: finalize interrupted: %v", id, err)
	}
	return nil
}

// NotifyDisconnect records that the watching client went away. It never
// terminates the run: disconnect and stop are distinct signals, and a
// reconnecting client recovers buffered output from the side store.
func (s *Service) NotifyDisconnect(id string) {
	s.mu.Lock()
	if run, ok := s.running[id]; ok {
		run.disconnected = true
	}
	s.mu.Unlock()
	log.Printf("analysis %s: client disconnected, run continues", id)
}

// Skip records an analysis that was declined before running, posting
// the matching status comment when PR metadata is present.
func (s *Service) Skip(ctx context.Context, id string, reason SkipReason) (analysisrepo.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return analysisrepo.Record{}, fmt.Errorf("skip analysis %s: %w", id, err)
	}
	if rec.Status != analysisrepo.StatusDraft {
		return analysisrepo.Record{}, fmt.Errorf("%w: skip requires draft, got %s", ErrInvalidTransition, rec.Status)
	}
	if rec.PR != nil {
		engine := s.newEngine(rec, nil)
		switch reason {
		case SkipBotAuthor:
			engine.PostBotAuthorSkipped(ctx)
		case SkipDailyLimit:
			engine.PostDailyLimitReached(ctx, "Daily review limit reached for this repository. The analysis will not run today.")
		}
	}
	rec, err = s.store.Update(ctx, id, func(r *analysisrepo.Record) {
		r.Status = analysisrepo.StatusSkipped
		r.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return analysisrepo.Record{}, fmt.Errorf("skip analysis %s: %w", id, err)
	}
	return rec, nil
}

// Get returns one analysis record.
func (s *Service) Get(ctx context.Context, id string) (analysisrepo.Record, error) {
	return s.store.Get(ctx, id)
}

// List returns all analysis records.
func (s *Service) List(ctx context.Context) ([]analysisrepo.Record, error) {
	return s.store.List(ctx)
}

// Logs returns the full text produced so far. Running analyses read the
// live side buffer; terminal analyses read the archived log.
func (s *Service) Logs(ctx context.Context, id string) (string, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("logs for analysis %s: %w", id, err)
	}
	if rec.Status == analysisrepo.StatusRunning {
		text, ok, err := s.side.ReadBuffer(ctx, id)
		if err != nil {
			return "", fmt.Errorf("read side buffer for %s: %w", id, err)
		}
		if !ok {
			return "", nil
		}
		return text, nil
	}
	raw, err := s.logs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, logsrepo.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read archived log for %s: %w", id, err)
	}
	return string(raw), nil
}

// ---------------------------------------------------------------------------
// run pipeline
// ---------------------------------------------------------------------------

func (s *Service) newEngine(rec analysisrepo.Record, files []platform.ChangedFile) *delivery.Engine {
	dctx := delivery.Context{AnalysisID: rec.ID, SeverityThreshold: s.cfg.SeverityThreshold}
	if rec.PR != nil {
		dctx.Ref = platform.RepoRef{Owner: rec.PR.Owner, Repo: rec.PR.Repo}
		dctx.PullNumber = rec.PR.Number
		dctx.HeadSHA = rec.PR.HeadSHA
	}
	if len(files) > 0 {
		dctx.ChangedFiles = delivery.ChangedFileSet(files)
	}
	engine := delivery.NewEngine(s.client, s.side, dctx)
	if s.cfg.PostDelay > 0 {
		engine.PostDelay = s.cfg.PostDelay
	}
	return engine
}

func (s *Service) runAnalysis(ctx context.Context, rec analysisrepo.Record) {
	id := rec.ID
	if err := s.side.InitCounter(ctx, id, s.cfg.SideTTL); err != nil {
		log.Printf("analysis %s: init counter: %v", id, err)
	}

	var engine *delivery.Engine
	if rec.Type == analysisrepo.TypePR && rec.PR != nil {
		files, err := s.client.ListChangedFiles(ctx, platform.RepoRef{Owner: rec.PR.Owner, Repo: rec.PR.Repo}, rec.PR.Number)
		if err != nil {
			log.Printf("analysis %s: list changed files: %v", id, err)
		}
		engine = s.newEngine(rec, files)
		engine.OpenCheckRun(ctx)
		commits, err := s.client.PullRequestCommitCount(ctx, platform.RepoRef{Owner: rec.PR.Owner, Repo: rec.PR.Repo}, rec.PR.Number)
		if err != nil {
			log.Printf("analysis %s: pull request commit count: %v", id, err)
			commits = 1
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Filename)
		}
		engine.PostStarted(ctx, commits, names, nil)
	}

	// All stream text funnels through one channel into a single consumer
	// goroutine: the side buffer is the source of truth and is written
	// before the live transport or the parser see the text.
	type chunk struct {
		text     string
		progress bool
	}
	chunks := make(chan chunk, 64)
	var sendMu sync.Mutex
	sendClosed := false
	send := func(c chunk) {
		// A terminated sandbox may deliver a late callback after Wait
		// returned; those chunks are dropped rather than racing the
		// channel close.
		sendMu.Lock()
		if !sendClosed {
			chunks <- c
		}
		sendMu.Unlock()
	}
	closeChunks := func() {
		sendMu.Lock()
		sendClosed = true
		close(chunks)
		sendMu.Unlock()
	}

	parser := stream.NewParser()
	parser.OnToolCall = func(tc stream.ToolCall) {
		call := tc
		s.broker.Publish(id, Event{Type: EventToolCall, AnalysisID: id, Call: &call})
	}
	parser.OnSegments = func(segs []stream.Segment) {
		s.broker.Publish(id, Event{Type: EventSegments, AnalysisID: id, Segments: segs})
		if engine == nil {
			return
		}
		// Non-text segments are always actionable; text segments pass
		// through only when they carry the run summary, which the engine
		// upserts into the status comment.
		actionable := segs[:0:0]
		for _, seg := range segs {
			if seg.Kind != stream.SegmentText || delivery.IsSummarySegment(seg) {
				actionable = append(actionable, seg)
			}
		}
		if len(actionable) > 0 {
			engine.DeliverBatch(ctx, actionable)
		}
	}

	var consume sync.WaitGroup
	consume.Add(1)
	go func() {
		defer consume.Done()
		for c := range chunks {
			if c.progress {
				s.broker.Publish(id, Event{Type: EventProgress, AnalysisID: id, Message: c.text})
				continue
			}
			if err := s.side.AppendBuffer(context.Background(), id, c.text); err != nil {
				log.Printf("analysis %s: append side buffer: %v", id, err)
			}
			s.broker.Publish(id, Event{Type: EventChunk, AnalysisID: id, Text: c.text})
			parser.Feed(c.text)
		}
	}()

	cb := Callbacks{
		OnStdout:   func(text string) { send(chunk{text: text}) },
		OnStderr:   func(text string) { send(chunk{text: text}) },
		OnProgress: func(msg string) { send(chunk{text: msg, progress: true}) },
	}

	exec, err := s.sandbox.Start(ctx, RunSpec{AnalysisID: id, Model: rec.Model, Prompt: rec.Prompt}, cb)
	if err != nil {
		closeChunks()
		consume.Wait()
		log.Printf("analysis %s: sandbox start: %v", id, err)
		if finErr := s.finalize(context.Background(), id, analysisrepo.StatusError, nil); finErr != nil {
			log.Printf("analysis %s: finalize error: %v", id, finErr)
		}
		return
	}

	s.mu.Lock()
	if run, ok := s.running[id]; ok {
		run.sandboxRef = exec.Ref()
	}
	s.mu.Unlock()
	if _, err := s.store.Update(ctx, id, func(r *analysisrepo.Record) {
		r.SandboxRef = exec.Ref()
		r.UpdatedAt = time.Now().UTC()
	}); err != nil {
		log.Printf("analysis %s: record sandbox ref: %v", id, err)
	}

	exitCode, waitErr := exec.Wait(ctx)
	closeChunks()
	consume.Wait()

	// The stop path finalizes the record itself; when the record is
	// already terminal the pipeline only re-archives the final buffer.
	if cur, err := s.store.Get(context.Background(), id); err == nil && cur.Status.Terminal() {
		s.archive(context.Background(), id)
		return
	}

	parser.Flush()

	if waitErr != nil {
		log.Printf("analysis %s: sandbox wait: %v", id, waitErr)
		if err := s.finalize(context.Background(), id, analysisrepo.StatusError, nil); err != nil {
			log.Printf("analysis %s: finalize error: %v", id, err)
		}
		return
	}

	status := analysisrepo.StatusCompleted
	if exitCode != 0 {
		status = analysisrepo.StatusError
	}
	if engine != nil {
		engine.CloseCheckRun(context.Background(), status == analysisrepo.StatusCompleted)
	}
	if err := s.finalize(context.Background(), id, status, &exitCode); err != nil {
		log.Printf("analysis %s: finalize %s: %v", id, status, err)
	}
}

// finalize moves the record to a terminal status, snapshots the comment
// counter, archives the side buffer, and emits the terminal status
// frame. It is idempotent: a record already terminal is left alone.
func (s *Service) finalize(ctx context.Context, id string, status analysisrepo.Status, exitCode *int) error {
	s.archive(ctx, id)

	posted, ok, err := s.side.Counter(ctx, id)
	if err != nil || !ok {
		posted = 0
	}

	var alreadyTerminal bool
	rec, err := s.store.Update(ctx, id, func(r *analysisrepo.Record) {
		if r.Status.Terminal() {
			alreadyTerminal = true
			return
		}
		r.Status = status
		r.ExitCode = exitCode
		r.CommentsPosted = int(posted)
		r.UpdatedAt = time.Now().UTC()
	})

	s.mu.Lock()
	run := s.running[id]
	disconnected := run != nil && run.disconnected
	delete(s.running, id)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("finalize analysis %s: %w", id, err)
	}
	if disconnected {
		log.Printf("analysis %s: finished after client disconnect, output preserved in side store", id)
	}
	if !alreadyTerminal {
		// Terminal status frame is the watcher's close signal; it is
		// published even when no watcher is connected.
		s.broker.Publish(id, Event{Type: EventStatus, AnalysisID: id, Status: rec.Status})
	}
	s.broker.ScheduleCleanup(id)
	return nil
}

// archive copies the side buffer into the durable log store.
func (s *Service) archive(ctx context.Context, id string) {
	text, ok, err := s.side.ReadBuffer(ctx, id)
	if err != nil {
		log.Printf("analysis %s: read side buffer for archive: %v", id, err)
		return
	}
	if !ok || text == "" {
		return
	}
	if err := s.logs.Put(ctx, id, []byte(text)); err != nil {
		log.Printf("analysis %s: archive log: %v", id, err)
	}
}
