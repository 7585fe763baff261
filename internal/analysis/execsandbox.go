package analysis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// ExecSandbox runs the review agent as a local subprocess. The command's
// stdout carries the marker-delimited stream; stderr carries diagnostics.
type ExecSandbox struct {
	// Command is the argv of the agent process. The analysis model and
	// prompt are appended as environment variables.
	Command []string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

func NewExecSandbox(command []string) *ExecSandbox {
	return &ExecSandbox{
		Command: command,
		procs:   make(map[string]*exec.Cmd),
	}
}

func (s *ExecSandbox) Start(ctx context.Context, spec RunSpec, cb Callbacks) (Execution, error) {
	if len(s.Command) == 0 {
		return nil, errors.New("sandbox command not configured")
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"REVIEW_ANALYSIS_ID="+spec.AnalysisID,
		"REVIEW_MODEL="+spec.Model,
		"REVIEW_PROMPT="+spec.Prompt,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox start: %w", err)
	}

	ref := uuid.NewString()
	s.mu.Lock()
	s.procs[ref] = cmd
	s.mu.Unlock()

	var pump sync.WaitGroup
	pump.Add(2)
	go func() {
		defer pump.Done()
		pumpLines(stdout, cb.OnStdout)
	}()
	go func() {
		defer pump.Done()
		pumpLines(stderr, cb.OnStderr)
	}()

	done := make(chan int, 1)
	go func() {
		pump.Wait()
		code := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		s.mu.Lock()
		delete(s.procs, ref)
		s.mu.Unlock()
		done <- code
	}()

	return &execExecution{ref: ref, done: done}, nil
}

func (s *ExecSandbox) Terminate(_ context.Context, ref string) error {
	s.mu.Lock()
	cmd, ok := s.procs[ref]
	s.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill sandbox %s: %w", ref, err)
	}
	return nil
}

func pumpLines(r interface{ Read([]byte) (int, error) }, fn func(string)) {
	if fn == nil {
		fn = func(string) {}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text() + "\n")
	}
}

type execExecution struct {
	ref  string
	done chan int
}

func (e *execExecution) Ref() string { return e.ref }

func (e *execExecution) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("sandbox wait: %w", ctx.Err())
	case code := <-e.done:
		return code, nil
	}
}
