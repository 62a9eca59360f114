package dispatch

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/dedupe"
	"relaybot/internal/domain"
	"relaybot/internal/fallback"
	"relaybot/internal/metrics"
	"relaybot/internal/relay"
	"relaybot/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	topic    string
	body     string
	title    string
	priority int
}

type fakeRelay struct {
	published []published
}

func (f *fakeRelay) Subscribe(ctx context.Context, topic string) (<-chan domain.IncomingMessage, <-chan error) {
	msgCh := make(chan domain.IncomingMessage)
	errCh := make(chan error)
	close(msgCh)
	close(errCh)
	return msgCh, errCh
}

func (f *fakeRelay) Publish(ctx context.Context, topic, body string, opts relay.PublishOptions) bool {
	f.published = append(f.published, published{topic: topic, body: body, title: opts.Title, priority: opts.Priority})
	return true
}

type runnerCall struct {
	prompt string
	opts   domain.RunOptions
}

type fakeRunner struct {
	name      string
	available bool
	results   []domain.ExecutionResult
	calls     []runnerCall
}

func (f *fakeRunner) Name() string         { return f.name }
func (f *fakeRunner) CheckAvailable() bool { return f.available }

func (f *fakeRunner) Run(ctx context.Context, prompt string, opts domain.RunOptions) domain.ExecutionResult {
	f.calls = append(f.calls, runnerCall{prompt: prompt, opts: opts})
	if len(f.results) == 0 {
		return domain.ExecutionResult{ExitCode: 0, Stdout: "done", Success: true}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

type fakeChat struct {
	reply string
	calls int
}

func (f *fakeChat) Name() string { return "fakechat" }
func (f *fakeChat) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.reply, nil
}

type fakeResearch struct {
	spec  string
	calls int
}

func (f *fakeResearch) Optimize(ctx context.Context, request, targetPath string) (string, error) {
	f.calls++
	return f.spec, nil
}

type harness struct {
	loop     *Loop
	relay    *fakeRelay
	store    *dedupe.Store
	primary  *fakeRunner
	fallback *fakeRunner
	chat     *fakeChat
	research *fakeResearch
}

func newHarness(t *testing.T, engineCfg fallback.Config) *harness {
	t.Helper()
	store, err := dedupe.NewStore(filepath.Join(t.TempDir(), "ledger.db"), 7, discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fr := &fakeRelay{}
	primary := &fakeRunner{name: "claude", available: true}
	fb := &fakeRunner{name: "codex", available: true}
	chat := &fakeChat{reply: "chat says hi"}
	research := &fakeResearch{spec: "# optimized"}

	engineCfg.Fallback = fb
	engineCfg.Logger = discardLogger()

	loop := New(Config{
		Relay:          fr,
		Store:          store,
		Router:         router.New(router.Config{PrefixRouting: true, Logger: discardLogger()}),
		Primary:        primary,
		FallbackRunner: fb,
		Engine:         fallback.NewEngine(engineCfg),
		Chat:           chat,
		Research:       research,
		CommandTopic:   "ask",
		ReplyTopic:     "ask-replies",
		Version:        "test",
		Logger:         discardLogger(),
	})
	return &harness{loop: loop, relay: fr, store: store, primary: primary, fallback: fb, chat: chat, research: research}
}

func msg(id, text string) domain.IncomingMessage {
	return domain.IncomingMessage{ID: id, Topic: "ask", Text: text, ReceivedAt: time.Now()}
}

func TestHandle_EndToEnd(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true, OnUsageLimit: true})
	ctx := context.Background()

	h.loop.Handle(ctx, msg("m1", "CLAUDE: add logging"))

	if len(h.primary.calls) != 1 {
		t.Fatalf("primary calls = %d, want 1", len(h.primary.calls))
	}
	if h.primary.calls[0].prompt != "add logging" {
		t.Errorf("prompt = %q, marker should be stripped", h.primary.calls[0].prompt)
	}
	if len(h.relay.published) != 1 {
		t.Fatalf("published = %d, want 1", len(h.relay.published))
	}
	p := h.relay.published[0]
	if p.topic != "ask-replies" {
		t.Errorf("published to %q", p.topic)
	}
	if !strings.Contains(p.title, "claude succeeded") {
		t.Errorf("title = %q", p.title)
	}

	rec, err := h.store.Get(ctx, "ntfy_msg_m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("no ledger record under ntfy_msg_m1")
	}
	if rec.RequestID == "" {
		t.Error("record should carry a request ID")
	}

	// Redelivery of the identical message: zero additional invocations.
	h.loop.Handle(ctx, msg("m1", "CLAUDE: add logging"))
	if len(h.primary.calls) != 1 {
		t.Errorf("redelivery reinvoked the tool: %d calls", len(h.primary.calls))
	}
	if len(h.relay.published) != 1 {
		t.Errorf("redelivery republished: %d publishes", len(h.relay.published))
	}
}

func TestHandle_PrimaryFailure_GateClosed(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true, OnUsageLimit: true})
	h.primary.results = []domain.ExecutionResult{{ExitCode: 1, Stderr: "syntax error", Success: false}}

	h.loop.Handle(context.Background(), msg("m2", "CLAUDE: break"))

	if len(h.fallback.calls) != 0 {
		t.Errorf("gate should stay closed for a plain failure, got %d fallback calls", len(h.fallback.calls))
	}
	if len(h.relay.published) != 1 {
		t.Fatalf("published = %d, want 1", len(h.relay.published))
	}
	p := h.relay.published[0]
	if !strings.Contains(p.title, "failed") || !strings.Contains(p.title, "exit 1") {
		t.Errorf("title = %q", p.title)
	}
	if p.priority != 4 {
		t.Errorf("failure priority = %d, want 4", p.priority)
	}
	if !strings.Contains(p.body, "syntax error") {
		t.Errorf("body should carry stderr: %q", p.body)
	}
}

func TestHandle_MissingPrimaryFallsBack(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true})
	h.primary.results = []domain.ExecutionResult{{ExitCode: domain.ExitNotFound, Stderr: "not found", Success: false}}

	h.loop.Handle(context.Background(), msg("m3", "CLAUDE: do it"))

	if len(h.fallback.calls) != 2 {
		t.Fatalf("fallback calls = %d, want plan+execute", len(h.fallback.calls))
	}
	if !h.fallback.calls[0].opts.ReadOnly {
		t.Error("plan stage must be read-only")
	}
	if h.fallback.calls[1].opts.ReadOnly {
		t.Error("execute stage must not be read-only")
	}
	if h.fallback.calls[1].prompt != "do it" {
		t.Errorf("execute prompt = %q", h.fallback.calls[1].prompt)
	}
	if len(h.relay.published) != 1 || !strings.Contains(h.relay.published[0].title, "codex succeeded") {
		t.Fatalf("published = %+v", h.relay.published)
	}
}

func TestHandle_UsageLimitOpensGate(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true, OnUsageLimit: true})
	h.primary.results = []domain.ExecutionResult{{ExitCode: 1, Stderr: "usage limit reached", Success: false}}

	h.loop.Handle(context.Background(), msg("m4", "CLAUDE: retry me"))

	if len(h.fallback.calls) != 2 {
		t.Errorf("fallback calls = %d, want plan+execute", len(h.fallback.calls))
	}
}

func TestHandle_DirectFallbackRouting(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true})

	h.loop.Handle(context.Background(), msg("m5", "CODEX: refactor the parser"))

	if len(h.primary.calls) != 0 {
		t.Errorf("primary should not run for direct fallback routing")
	}
	if len(h.fallback.calls) != 2 {
		t.Fatalf("fallback calls = %d, want plan+execute", len(h.fallback.calls))
	}
	if !strings.Contains(h.fallback.calls[0].prompt, "refactor the parser") {
		t.Errorf("plan prompt should embed the request: %q", h.fallback.calls[0].prompt)
	}
}

func TestHandle_PlanFailureSkipsExecute(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true})
	h.fallback.results = []domain.ExecutionResult{{ExitCode: 2, Stderr: "cannot plan", Success: false}}

	h.loop.Handle(context.Background(), msg("m6", "CODEX: dangerous"))

	if len(h.fallback.calls) != 1 {
		t.Fatalf("fallback calls = %d, execute must be skipped after a failed plan", len(h.fallback.calls))
	}
	if len(h.relay.published) != 1 || !strings.Contains(h.relay.published[0].title, "plan stage failed") {
		t.Fatalf("published = %+v", h.relay.published)
	}
}

func TestHandle_ChatMode(t *testing.T) {
	h := newHarness(t, fallback.Config{})

	h.loop.Handle(context.Background(), msg("m7", "what is the weather like"))

	if h.chat.calls != 1 {
		t.Fatalf("chat calls = %d", h.chat.calls)
	}
	if len(h.primary.calls)+len(h.fallback.calls) != 0 {
		t.Error("chat mode must not touch the tools")
	}
	if len(h.relay.published) != 1 || !strings.Contains(h.relay.published[0].body, "chat says hi") {
		t.Fatalf("published = %+v", h.relay.published)
	}
}

func TestHandle_ResearchMode(t *testing.T) {
	h := newHarness(t, fallback.Config{})

	h.loop.Handle(context.Background(), msg("m8", "RESEARCH: plan a cache layer"))

	if h.research.calls != 1 {
		t.Fatalf("research calls = %d", h.research.calls)
	}
	if len(h.relay.published) != 1 || !strings.Contains(h.relay.published[0].body, "# optimized") {
		t.Fatalf("published = %+v", h.relay.published)
	}
}

func TestHandle_ControlCommandsBypassLedger(t *testing.T) {
	h := newHarness(t, fallback.Config{})
	ctx := context.Background()

	h.loop.Handle(ctx, msg("m9", "/ping"))
	h.loop.Handle(ctx, msg("m10", "/status"))

	if len(h.relay.published) != 2 {
		t.Fatalf("published = %d, want 2", len(h.relay.published))
	}
	if !strings.Contains(h.relay.published[0].body, "pong") {
		t.Errorf("ping reply = %q", h.relay.published[0].body)
	}
	if !strings.Contains(h.relay.published[1].body, "primary (claude): available") {
		t.Errorf("status reply = %q", h.relay.published[1].body)
	}
	if n, _ := h.store.Count(ctx); n != 0 {
		t.Errorf("control commands must not write the ledger, got %d rows", n)
	}
	if len(h.primary.calls)+len(h.fallback.calls) != 0 {
		t.Error("control commands must not reach the tools")
	}
}

func TestHandle_EmptyMessageIgnored(t *testing.T) {
	h := newHarness(t, fallback.Config{})

	h.loop.Handle(context.Background(), msg("m11", "   \n  "))

	if len(h.relay.published) != 0 {
		t.Errorf("empty message should be dropped silently")
	}
	if n, _ := h.store.Count(context.Background()); n != 0 {
		t.Errorf("empty message should not be recorded")
	}
}

func TestHandle_PerModeDispatchCounters(t *testing.T) {
	h := newHarness(t, fallback.Config{Enabled: true, OnAnyFailure: true})
	ctx := context.Background()

	// Counters are process-wide, so assert deltas within this test.
	total := metrics.DispatchesTotal.Value()
	chat := metrics.DispatchesChat.Value()
	primary := metrics.DispatchesPrimary.Value()
	fb := metrics.DispatchesFallback.Value()
	research := metrics.DispatchesResearch.Value()

	h.loop.Handle(ctx, msg("c1", "how are you"))
	h.loop.Handle(ctx, msg("c2", "CLAUDE: add logging"))
	h.loop.Handle(ctx, msg("c3", "CODEX: add logging"))
	h.loop.Handle(ctx, msg("c4", "RESEARCH: auth flow"))

	if d := metrics.DispatchesTotal.Value() - total; d != 4 {
		t.Errorf("total dispatches delta = %d, want 4", d)
	}
	if d := metrics.DispatchesChat.Value() - chat; d != 1 {
		t.Errorf("chat dispatches delta = %d, want 1", d)
	}
	if d := metrics.DispatchesPrimary.Value() - primary; d != 1 {
		t.Errorf("primary dispatches delta = %d, want 1", d)
	}
	if d := metrics.DispatchesFallback.Value() - fb; d != 1 {
		t.Errorf("fallback dispatches delta = %d, want 1", d)
	}
	if d := metrics.DispatchesResearch.Value() - research; d != 1 {
		t.Errorf("research dispatches delta = %d, want 1", d)
	}
}

func TestSummarize_Bounded(t *testing.T) {
	long := strings.Repeat("x", maxSummaryLen*2)
	h := newHarness(t, fallback.Config{})
	h.primary.results = []domain.ExecutionResult{{ExitCode: 0, Stdout: long, Success: true}}

	h.loop.Handle(context.Background(), msg("m12", "CLAUDE: flood"))

	body := h.relay.published[0].body
	if len(body) > maxSummaryLen+50 {
		t.Errorf("summary not bounded: %d bytes", len(body))
	}
	if !strings.HasSuffix(body, "(truncated)") {
		t.Errorf("truncated summary should say so")
	}
}
