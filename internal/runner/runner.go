// Package runner invokes external code-generation CLIs whose flag sets are
// not known at build time. Flags are negotiated at runtime by probing the
// tool's help output; subprocess faults surface as ExecutionResult values
// with sentinel exit codes, never as errors or panics.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	helpProbeTimeout      = 15 * time.Second
	defaultMaxOutputBytes = 65536
)

// Runner wraps one external CLI binary.
type Runner struct {
	name           string
	binary         string
	flags          FlagSpec
	maxOutputBytes int
	logger         *slog.Logger

	capsOnce sync.Once
	caps     Capabilities
}

type Config struct {
	Name           string // short name for logs and status ("claude", "codex")
	Binary         string
	Flags          FlagSpec
	MaxOutputBytes int
	Logger         *slog.Logger
}

func New(cfg Config) *Runner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	return &Runner{
		name:           cfg.Name,
		binary:         cfg.Binary,
		flags:          cfg.Flags,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}
}

func (r *Runner) Name() string { return r.name }

// CheckAvailable reports whether the binary resolves on the search path.
func (r *Runner) CheckAvailable() bool {
	_, err := exec.LookPath(r.binary)
	return err == nil
}

// DetectCapabilities probes the tool's help output once and caches the result
// for the runner's lifetime. Any failure to even invoke the help command
// yields a conservative all-false set rather than an error.
func (r *Runner) DetectCapabilities(ctx context.Context) Capabilities {
	r.capsOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, helpProbeTimeout)
		defer cancel()

		cmd := exec.CommandContext(probeCtx, r.binary, "--help")
		output, err := cmd.CombinedOutput()
		if err != nil && len(output) == 0 {
			r.logger.Warn("capability probe failed, assuming no flags",
				"runner", r.name, "err", err)
			return
		}

		r.caps = DetectFromHelp(string(output), r.flags)
		r.logger.Info("capabilities negotiated",
			"runner", r.name,
			"prompt_flag", r.caps.PromptFlag,
			"non_interactive", r.caps.NonInteractive,
			"read_only", r.caps.ReadOnly,
		)
	})
	return r.caps
}

// Run invokes the tool with the given prompt. The prompt travels as a flag
// argument when negotiated, otherwise via stdin. The non-interactive flag is
// appended when available so an unattended run never blocks on confirmation.
// opts.ReadOnly requests the tool's plan mode for the plan stage of
// plan-then-execute.
func (r *Runner) Run(ctx context.Context, prompt string, opts domain.RunOptions) domain.ExecutionResult {
	if opts.DryRun {
		// Short-circuit before any process is spawned.
		return domain.ExecutionResult{
			ExitCode: 0,
			Stdout:   fmt.Sprintf("[dry-run] %s would execute: %s", r.name, truncate(prompt, 200)),
			Success:  true,
		}
	}

	if !r.CheckAvailable() {
		return domain.ExecutionResult{
			ExitCode: domain.ExitNotFound,
			Stderr:   fmt.Sprintf("%s: binary %q not found on PATH", r.name, r.binary),
		}
	}

	caps := r.DetectCapabilities(ctx)

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := r.buildArgs(caps, prompt, opts)
	cmd := exec.CommandContext(runCtx, r.binary, args...)
	if !caps.PromptFlag {
		cmd.Stdin = strings.NewReader(prompt)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("running tool", "runner", r.name, "args", len(args),
		"timeout_s", opts.TimeoutSeconds, "read_only", opts.ReadOnly)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Seconds()

	result := domain.ExecutionResult{
		Stdout:          truncate(stdout.String(), r.maxOutputBytes),
		Stderr:          truncate(stderr.String(), r.maxOutputBytes),
		DurationSeconds: duration,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = domain.ExitTimeout
		result.Stderr = fmt.Sprintf("%s timed out after %ds", r.name, opts.TimeoutSeconds)
	case err == nil:
		result.ExitCode = 0
		result.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Spawn failure (permissions, missing interpreter, ...).
			result.ExitCode = domain.ExitNotFound
			result.Stderr = err.Error()
		}
	}

	r.logger.Info("tool finished", "runner", r.name,
		"exit", result.ExitCode, "duration_s", fmt.Sprintf("%.1f", duration))
	return result
}

// buildArgs assembles the argv from the negotiated capabilities. A prompt
// token that does not start with "-" is a subcommand (codex exec) and leads
// the argv; flag-style tokens trail with the prompt as their value.
func (r *Runner) buildArgs(caps Capabilities, prompt string, opts domain.RunOptions) []string {
	var args []string
	subcommand := caps.PromptFlag && !strings.HasPrefix(r.flags.PromptFlag, "-")
	if subcommand {
		args = append(args, r.flags.PromptFlag)
	}
	if opts.ReadOnly && caps.ReadOnly {
		args = append(args, r.flags.ReadOnly...)
	}
	if caps.NonInteractive {
		args = append(args, r.flags.NonInteractive...)
	}
	if caps.PromptFlag {
		if subcommand {
			args = append(args, prompt)
		} else {
			args = append(args, r.flags.PromptFlag, prompt)
		}
	}
	return args
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max] + "\n... (output truncated)"
	}
	return s
}
