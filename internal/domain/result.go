package domain

import "context"

// Exit code sentinels for runner results. Matching the shell convention:
// 124 = timed out, 127 = binary not found.
const (
	ExitTimeout  = 124
	ExitNotFound = 127
)

// ExecutionResult is the outcome of one external tool invocation. Success is
// defined by the exit code alone; stdout/stderr content is only consulted for
// fallback classification, never for success detection.
type ExecutionResult struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	DurationSeconds float64
	Success         bool
}

// Combined returns stdout and stderr joined for keyword classification.
func (r ExecutionResult) Combined() string {
	if r.Stdout == "" {
		return r.Stderr
	}
	if r.Stderr == "" {
		return r.Stdout
	}
	return r.Stdout + "\n" + r.Stderr
}

// RunOptions tunes a single runner invocation.
type RunOptions struct {
	TimeoutSeconds int  // 0 = no timeout
	DryRun         bool // short-circuit before any process is spawned
	ReadOnly       bool // request the tool's plan/read-only mode when negotiated
}

// ToolRunner is the capability-negotiating runner seam. Implemented by
// *runner.Runner; faked in tests so the fallback engine and dispatch loop can
// be exercised without spawning real binaries.
type ToolRunner interface {
	Name() string
	CheckAvailable() bool
	Run(ctx context.Context, prompt string, opts RunOptions) ExecutionResult
}

// ChatProvider answers CHAT-mode messages. Single request/response.
type ChatProvider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Researcher turns a raw request into an optimized specification string.
type Researcher interface {
	Optimize(ctx context.Context, request, targetPath string) (string, error)
}
