package analysis

import (
	"context"
	"fmt"
	"sync"
)

// RunSpec describes one sandbox execution.
type RunSpec struct {
	AnalysisID string
	Repo       string
	Model      string
	Prompt     string
}

// Callbacks receive the sandbox's output. Each channel delivers
// arbitrary-sized chunks in order; there is no ordering guarantee across
// channels. Implementations stop invoking callbacks before Wait returns
// successfully and after Terminate completes.
type Callbacks struct {
	OnStdout   func(text string)
	OnStderr   func(text string)
	OnProgress func(message string)
}

// Execution is one started sandbox run.
type Execution interface {
	// Ref is the stable sandbox reference used for later termination.
	Ref() string
	// Wait blocks until the stream ends and returns the exit code.
	Wait(ctx context.Context) (int, error)
}

// Sandbox is the execution environment that produces the agent's text
// stream. It is an external collaborator; this package only consumes its
// interface.
type Sandbox interface {
	Start(ctx context.Context, spec RunSpec, cb Callbacks) (Execution, error)
	// Terminate kills a running execution by reference. Best effort;
	// failure does not block lifecycle finalization.
	Terminate(ctx context.Context, ref string) error
}

// ---------------------------------------------------------------------------
// test fake
// ---------------------------------------------------------------------------

// FakeSandbox replays a scripted stream. Tests configure Stdout chunks,
// optional progress messages, and the exit code.
type FakeSandbox struct {
	mu sync.Mutex

	Stdout     []string
	Progress   []string
	ExitCode   int
	StartErr   error
	Terminated []string
	// Block, when set, makes Wait hang until the context is cancelled or
	// Terminate is called; used by stop tests.
	Block        bool
	TerminateErr error

	release  chan struct{}
	released bool
}

func (f *FakeSandbox) Start(_ context.Context, spec RunSpec, cb Callbacks) (Execution, error) {
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.mu.Lock()
	if f.release == nil {
		f.release = make(chan struct{})
	}
	release := f.release
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, msg := range f.Progress {
			if cb.OnProgress != nil {
				cb.OnProgress(msg)
			}
		}
		for _, chunk := range f.Stdout {
			if cb.OnStdout != nil {
				cb.OnStdout(chunk)
			}
		}
		if f.Block {
			<-release
		}
	}()
	return &fakeExecution{ref: "sbx-" + spec.AnalysisID, exitCode: f.ExitCode, done: done}, nil
}

func (f *FakeSandbox) Terminate(_ context.Context, ref string) error {
	f.mu.Lock()
	f.Terminated = append(f.Terminated, ref)
	if f.release == nil {
		f.release = make(chan struct{})
	}
	if !f.released {
		f.released = true
		close(f.release)
	}
	f.mu.Unlock()
	return f.TerminateErr
}

type fakeExecution struct {
	ref      string
	exitCode int
	done     chan struct{}
}

func (e *fakeExecution) Ref() string { return e.ref }

func (e *fakeExecution) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("sandbox wait: %w", ctx.Err())
	case <-e.done:
		return e.exitCode, nil
	}
}
