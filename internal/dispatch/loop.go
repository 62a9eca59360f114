// Package dispatch owns the message lifecycle from relay receipt to terminal
// status publish: dedupe, classify, execute, report. One logical consumer,
// one tool process in flight at a time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/dedupe"
	"relaybot/internal/domain"
	"relaybot/internal/fallback"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/router"
)

// maxSummaryLen bounds the body of a status publish. Full output stays in
// the local logs; the relay gets a digest.
const maxSummaryLen = 2000

// relayClient is the slice of relay.Client the loop needs. Narrowed for
// tests, which stand in a fake.
type relayClient interface {
	Subscribe(ctx context.Context, topic string) (<-chan domain.IncomingMessage, <-chan error)
	Publish(ctx context.Context, topic, body string, opts relay.PublishOptions) bool
}

// Mirror receives a copy of every terminal status publish.
type Mirror interface {
	Send(text string)
}

type Config struct {
	Relay          relayClient
	Store          *dedupe.Store
	Router         *router.Router
	Primary        domain.ToolRunner
	FallbackRunner domain.ToolRunner
	Engine         *fallback.Engine
	Chat           domain.ChatProvider
	Research       domain.Researcher
	Mirror         Mirror // optional

	CommandTopic   string
	ReplyTopic     string
	Workspace      string
	TimeoutSeconds int
	DryRun         bool
	Version        string
	Logger         *slog.Logger
}

type Loop struct {
	relay    relayClient
	store    *dedupe.Store
	router   *router.Router
	primary  domain.ToolRunner
	fallback domain.ToolRunner
	engine   *fallback.Engine
	chat     domain.ChatProvider
	research domain.Researcher
	mirror   Mirror

	commandTopic string
	replyTopic   string
	workspace    string
	timeoutS     int
	dryRun       bool
	version      string
	startTime    time.Time
	logger       *slog.Logger
}

func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		relay:        cfg.Relay,
		store:        cfg.Store,
		router:       cfg.Router,
		primary:      cfg.Primary,
		fallback:     cfg.FallbackRunner,
		engine:       cfg.Engine,
		chat:         cfg.Chat,
		research:     cfg.Research,
		mirror:       cfg.Mirror,
		commandTopic: cfg.CommandTopic,
		replyTopic:   cfg.ReplyTopic,
		workspace:    cfg.Workspace,
		timeoutS:     cfg.TimeoutSeconds,
		dryRun:       cfg.DryRun,
		version:      cfg.Version,
		startTime:    time.Now(),
		logger:       cfg.Logger,
	}
}

// Run subscribes to the command topic and processes messages in arrival
// order until ctx is cancelled or the subscription reports a fatal error.
func (l *Loop) Run(ctx context.Context) error {
	msgCh, errCh := l.relay.Subscribe(ctx, l.commandTopic)
	l.logger.Info("dispatch loop started", "topic", l.commandTopic, "replyTopic", l.replyTopic)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("dispatch loop stopping")
			return ctx.Err()
		case err, ok := <-errCh:
			if ok && err != nil {
				return fmt.Errorf("relay subscription: %w", err)
			}
			errCh = nil
		case msg, ok := <-msgCh:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			l.Handle(ctx, msg)
		}
	}
}

// Handle processes one message end to end. Exported so tests can drive the
// pipeline without a live subscription.
func (l *Loop) Handle(ctx context.Context, msg domain.IncomingMessage) {
	metrics.MessagesTotal.Inc()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	// Control commands are answered before the ledger is consulted: they
	// are idempotent and never reach an execution backend.
	if l.handleControl(ctx, text) {
		return
	}

	key := dedupe.MakeKey(msg.ID, msg.Topic, msg.Text, msg.ReceivedAt)
	seen, err := l.store.HasProcessed(ctx, key)
	if err != nil {
		l.logger.Error("ledger lookup failed, dropping message", "key", key, "err", err)
		return
	}
	if seen {
		metrics.DuplicatesTotal.Inc()
		l.logger.Info("duplicate message skipped", "key", key, "id", msg.ID)
		return
	}

	requestID := uuid.NewString()
	rec := domain.ProcessedRecord{
		DedupeKey:   key,
		MessageID:   msg.ID,
		Topic:       msg.Topic,
		RequestID:   requestID,
		ProcessedAt: time.Now(),
		MessageHash: dedupe.HashText(msg.Text),
	}
	// Mark before execute: a crash mid-run must not replay the command.
	if err := l.store.MarkProcessed(ctx, rec); err != nil {
		l.logger.Error("ledger write failed, dropping message", "key", key, "err", err)
		return
	}

	mode, prompt := l.router.Classify(msg.Topic, msg.Text)
	l.logger.Info("message accepted",
		"requestId", requestID,
		"key", key,
		"mode", mode.String(),
		"len", len(prompt),
	)
	metrics.DispatchesTotal.Inc()

	switch mode {
	case domain.ModeChat:
		metrics.DispatchesChat.Inc()
		l.handleChat(ctx, requestID, prompt)
	case domain.ModeResearchOnly:
		metrics.DispatchesResearch.Inc()
		l.handleResearch(ctx, requestID, prompt)
	case domain.ModePrimaryTool:
		metrics.DispatchesPrimary.Inc()
		l.handlePrimary(ctx, requestID, prompt)
	case domain.ModeFallbackTool:
		metrics.DispatchesFallback.Inc()
		l.handleFallbackDirect(ctx, requestID, prompt)
	}

	if n, err := l.store.Count(ctx); err == nil {
		metrics.LedgerSize.Set(n)
	}
}

func (l *Loop) handleChat(ctx context.Context, requestID, prompt string) {
	reply, err := l.chat.Generate(ctx, prompt)
	if err != nil {
		l.logger.Error("chat generation failed", "requestId", requestID, "err", err)
		l.publishStatus(ctx, "❌ Chat failed", "chat error: "+err.Error(), true)
		return
	}
	l.publishStatus(ctx, "💬 Chat reply", reply, false)
}

func (l *Loop) handleResearch(ctx context.Context, requestID, prompt string) {
	spec, err := l.research.Optimize(ctx, prompt, l.workspace)
	if err != nil {
		l.logger.Error("research failed", "requestId", requestID, "err", err)
		l.publishStatus(ctx, "❌ Research failed", "research error: "+err.Error(), true)
		return
	}
	l.publishStatus(ctx, "🔍 Research result", spec, false)
}

func (l *Loop) handlePrimary(ctx context.Context, requestID, prompt string) {
	opts := domain.RunOptions{TimeoutSeconds: l.timeoutS, DryRun: l.dryRun}
	result := l.primary.Run(ctx, prompt, opts)
	metrics.RunLatency.Observe(result.DurationSeconds)

	if result.Success {
		l.publishResult(ctx, l.primary.Name(), result)
		return
	}

	outcome := l.engine.Handle(ctx, prompt, result, l.dryRun)
	if outcome.Reason == domain.ReasonNone {
		// Gate stayed closed: the primary failure is the final word.
		l.publishResult(ctx, l.primary.Name(), result)
		return
	}

	metrics.FallbacksTotal.Inc()
	l.publishOutcome(ctx, requestID, outcome)
}

// handleFallbackDirect routes a message straight to the fallback tool,
// bypassing the primary and the gate but keeping the plan-then-execute
// protocol.
func (l *Loop) handleFallbackDirect(ctx context.Context, requestID, prompt string) {
	if l.fallback == nil {
		l.publishStatus(ctx, "❌ Fallback unavailable", "no fallback tool is configured", true)
		return
	}
	outcome := l.engine.RunProtocol(ctx, prompt, domain.ReasonNone, l.dryRun)
	l.publishOutcome(ctx, requestID, outcome)
}

func (l *Loop) publishOutcome(ctx context.Context, requestID string, outcome fallback.Outcome) {
	final := outcome.Final()
	if final == nil {
		l.logger.Error("fallback outcome carries no result", "requestId", requestID)
		return
	}
	metrics.RunLatency.Observe(final.DurationSeconds)

	name := l.fallback.Name()
	if outcome.ExecResult == nil {
		l.publishStatus(ctx, "❌ "+name+" plan stage failed", summarize(*final), true)
		return
	}
	l.publishResult(ctx, name, *final)
}

func (l *Loop) publishResult(ctx context.Context, runner string, result domain.ExecutionResult) {
	if result.Success {
		l.publishStatus(ctx, "✅ "+runner+" succeeded", summarize(result), false)
		return
	}
	title := fmt.Sprintf("❌ %s failed (exit %d)", runner, result.ExitCode)
	l.publishStatus(ctx, title, summarize(result), true)
}

// publishStatus sends a terminal status to the reply topic and the mirror.
// Best-effort: a failed publish is counted and logged, never unwinds the
// pipeline or the dedupe mark.
func (l *Loop) publishStatus(ctx context.Context, title, body string, failure bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		body = "(no output)"
	}
	if len(body) > maxSummaryLen {
		body = body[:maxSummaryLen] + "\n... (truncated)"
	}

	priority := 3
	if failure {
		priority = 4
	}
	if !l.relay.Publish(ctx, l.replyTopic, body, relay.PublishOptions{Title: title, Priority: priority}) {
		metrics.PublishFailures.Inc()
	}
	if l.mirror != nil {
		l.mirror.Send("*" + title + "*\n\n" + body)
	}
}

// summarize turns an execution result into a bounded operator-facing digest.
func summarize(result domain.ExecutionResult) string {
	out := strings.TrimSpace(result.Stdout)
	errOut := strings.TrimSpace(result.Stderr)

	var sb strings.Builder
	if out != "" {
		sb.WriteString(out)
	}
	if errOut != "" && !result.Success {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("stderr:\n")
		sb.WriteString(errOut)
	}
	if sb.Len() == 0 {
		return fmt.Sprintf("(no output, exit %d, %.1fs)", result.ExitCode, result.DurationSeconds)
	}
	return sb.String()
}
