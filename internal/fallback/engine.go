// Package fallback decides what happens after a primary-tool failure: whether
// the fallback tool is tried at all, and runs its two-stage plan-then-execute
// protocol when it is.
package fallback

import (
	"context"
	"log/slog"
	"strings"

	"relaybot/internal/domain"
)

// Phase is the engine's position in the dispatch state machine.
type Phase int

const (
	NotAttempted Phase = iota
	PrimaryRunning
	PrimarySucceeded
	PrimaryFailed
	FallbackRunning
	FallbackSucceeded
	FallbackFailed
)

func (p Phase) String() string {
	switch p {
	case NotAttempted:
		return "not_attempted"
	case PrimaryRunning:
		return "primary_running"
	case PrimarySucceeded:
		return "primary_succeeded"
	case PrimaryFailed:
		return "primary_failed"
	case FallbackRunning:
		return "fallback_running"
	case FallbackSucceeded:
		return "fallback_succeeded"
	case FallbackFailed:
		return "fallback_failed"
	default:
		return "unknown"
	}
}

// usageLimitPhrases is the keyword heuristic for classifying a failure as a
// rate/usage cap rather than a generic error. Matched case-insensitively
// against the combined stdout+stderr of the primary failure.
var usageLimitPhrases = []string{
	"rate limit",
	"rate-limit",
	"usage limit",
	"usage cap",
	"quota exceeded",
	"quota reached",
	"too many requests",
	"limit reached",
	"out of credits",
	"429",
}

// MatchesUsageLimit reports whether the text carries usage-limit language.
func MatchesUsageLimit(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range usageLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Engine gates and drives the fallback tool.
type Engine struct {
	enabled      bool
	onAnyFailure bool
	onUsageLimit bool
	fallback     domain.ToolRunner
	timeoutS     int
	logger       *slog.Logger
}

type Config struct {
	Enabled        bool
	OnAnyFailure   bool
	OnUsageLimit   bool
	Fallback       domain.ToolRunner
	TimeoutSeconds int
	Logger         *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		enabled:      cfg.Enabled,
		onAnyFailure: cfg.OnAnyFailure,
		onUsageLimit: cfg.OnUsageLimit,
		fallback:     cfg.Fallback,
		timeoutS:     cfg.TimeoutSeconds,
		logger:       cfg.Logger,
	}
}

// Classify decides whether a primary failure should move the machine from
// PrimaryFailed to FallbackRunning, and why. Pure: no side effects.
// An uninstalled primary (exit 127) always falls back; there is no point
// retrying a binary that is not there.
func (e *Engine) Classify(primary domain.ExecutionResult) domain.FallbackReason {
	if primary.Success {
		return domain.ReasonNone
	}
	if !e.enabled || e.fallback == nil {
		return domain.ReasonNone
	}
	if primary.ExitCode == domain.ExitNotFound {
		return domain.ReasonToolUnavailable
	}
	if e.onAnyFailure {
		return domain.ReasonAnyFailure
	}
	if e.onUsageLimit && MatchesUsageLimit(primary.Combined()) {
		return domain.ReasonUsageLimited
	}
	return domain.ReasonNone
}

// Outcome records one walk through the fallback side of the state machine.
type Outcome struct {
	Phase      Phase
	Reason     domain.FallbackReason
	PlanResult *domain.ExecutionResult
	ExecResult *domain.ExecutionResult
}

// Final returns the result that should be reported to the operator: the
// execute-stage result when it ran, otherwise the plan-stage failure.
func (o Outcome) Final() *domain.ExecutionResult {
	if o.ExecResult != nil {
		return o.ExecResult
	}
	return o.PlanResult
}

// Handle consults the gate and, when it opens, runs the fallback tool's
// two-stage protocol: a read-only plan invocation first, and only if the
// plan stage exited zero, the mutating execute invocation with the original
// prompt. A failed plan stage surfaces immediately and the mutating stage is
// never reached.
func (e *Engine) Handle(ctx context.Context, prompt string, primary domain.ExecutionResult, dryRun bool) Outcome {
	reason := e.Classify(primary)
	if reason == domain.ReasonNone {
		return Outcome{Phase: PrimaryFailed, Reason: reason}
	}

	e.logger.Info("falling back", "runner", e.fallback.Name(), "reason", reason.String())
	return e.RunProtocol(ctx, prompt, reason, dryRun)
}

// RunProtocol executes the plan-then-execute protocol on the fallback tool
// without consulting the gate. Used by Handle after classification, and by
// the dispatch loop when a message is routed to the fallback tool directly.
func (e *Engine) RunProtocol(ctx context.Context, prompt string, reason domain.FallbackReason, dryRun bool) Outcome {
	opts := domain.RunOptions{TimeoutSeconds: e.timeoutS, DryRun: dryRun}

	planOpts := opts
	planOpts.ReadOnly = true
	plan := e.fallback.Run(ctx, planPrompt(prompt), planOpts)
	if !plan.Success {
		e.logger.Warn("fallback plan stage failed, skipping execution",
			"runner", e.fallback.Name(), "exit", plan.ExitCode)
		return Outcome{Phase: FallbackFailed, Reason: reason, PlanResult: &plan}
	}

	exec := e.fallback.Run(ctx, prompt, opts)
	phase := FallbackSucceeded
	if !exec.Success {
		phase = FallbackFailed
	}
	return Outcome{Phase: phase, Reason: reason, PlanResult: &plan, ExecResult: &exec}
}

// planPrompt wraps the original request in a read-only instruction for the
// plan stage.
func planPrompt(prompt string) string {
	return "Review the following request and produce a step-by-step plan. " +
		"Do not modify any files and do not run any commands.\n\n" + prompt
}
