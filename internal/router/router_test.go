package router

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"relaybot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter() *Router {
	return New(Config{
		PrimaryTopic:  "claude-jobs",
		FallbackTopic: "codex-jobs",
		PrefixRouting: true,
	})
}

func TestClassify_PrefixMarkers(t *testing.T) {
	r := newTestRouter()

	tests := []struct {
		name     string
		raw      string
		wantMode domain.CommandMode
		wantText string
	}{
		{"claude marker", "CLAUDE: fix bug", domain.ModePrimaryTool, "fix bug"},
		{"code marker", "CODE: refactor handler", domain.ModePrimaryTool, "refactor handler"},
		{"codex marker", "CODEX: add test", domain.ModeFallbackTool, "add test"},
		{"research marker", "RESEARCH: compare queues", domain.ModeResearchOnly, "compare queues"},
		{"lowercase marker", "claude: fix bug", domain.ModePrimaryTool, "fix bug"},
		{"leading whitespace", "   CLAUDE:   fix bug  ", domain.ModePrimaryTool, "fix bug"},
		{"plain chat", "hello", domain.ModeChat, "hello"},
		{"marker mid-text is chat", "please CLAUDE: this", domain.ModeChat, "please CLAUDE: this"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, text := r.Classify("ask", tt.raw)
			if mode != tt.wantMode {
				t.Errorf("mode: got %v, want %v", mode, tt.wantMode)
			}
			if text != tt.wantText {
				t.Errorf("text: got %q, want %q", text, tt.wantText)
			}
		})
	}
}

func TestClassify_DedicatedTopics(t *testing.T) {
	r := newTestRouter()

	mode, text := r.Classify("codex-jobs", "no prefix here")
	if mode != domain.ModeFallbackTool {
		t.Errorf("dedicated fallback topic: got %v", mode)
	}
	if text != "no prefix here" {
		t.Errorf("dedicated topic must use the body verbatim: got %q", text)
	}

	// Topic override beats any prefix in the body.
	mode, _ = r.Classify("claude-jobs", "CODEX: still primary")
	if mode != domain.ModePrimaryTool {
		t.Errorf("dedicated primary topic must win: got %v", mode)
	}
}

func TestClassify_PrefixRoutingDisabled(t *testing.T) {
	r := New(Config{PrefixRouting: false})
	mode, text := r.Classify("ask", "CLAUDE: fix bug")
	if mode != domain.ModeChat {
		t.Errorf("disabled prefix routing: got %v", mode)
	}
	if text != "CLAUDE: fix bug" {
		t.Errorf("text should be untouched: got %q", text)
	}
}

func TestClassify_EnvelopeUnwrap(t *testing.T) {
	r := newTestRouter()

	raw := `{"source":"bridge","message":"[2026-08-26 10:30:00] CLAUDE: add logging"}`
	mode, text := r.Classify("ask", raw)
	if mode != domain.ModePrimaryTool {
		t.Errorf("envelope mode: got %v", mode)
	}
	if text != "add logging" {
		t.Errorf("envelope text: got %q", text)
	}
}

func TestClassify_EnvelopeWithTrailingGarbage(t *testing.T) {
	r := newTestRouter()

	raw := `{"data":{"message":"CODEX: add test"}} delivered-by-bridge rev=7`
	mode, text := r.Classify("ask", raw)
	if mode != domain.ModeFallbackTool {
		t.Errorf("mode: got %v", mode)
	}
	if text != "add test" {
		t.Errorf("text: got %q", text)
	}
}

func TestClassify_MalformedEnvelopeFallsBackToRaw(t *testing.T) {
	r := newTestRouter()

	mode, text := r.Classify("ask", `{"broken": "CLAUDE: hi`)
	if mode != domain.ModeChat {
		t.Errorf("malformed envelope should classify as chat: got %v", mode)
	}
	if text == "" {
		t.Error("raw text must survive failed extraction")
	}
}

func TestExtractEnvelopeText(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   string
		wantOK bool
	}{
		{"message field", `{"message":"do things"}`, "do things", true},
		{"nested data", `{"data":{"text":"nested"}}`, "nested", true},
		{"braces inside strings", `{"message":"keep {this} intact"}`, "keep {this} intact", true},
		{"escaped quotes", `{"message":"say \"hi\" now"}`, `say "hi" now`, true},
		{"timestamp stripped", `{"message":"[2026-01-02 15:04] run it"}`, "run it", true},
		{"iso timestamp stripped", `{"message":"2026-01-02T15:04:05Z run it"}`, "run it", true},
		{"no text field", `{"other":42}`, "", false},
		{"no json", "plain text", "", false},
		{"unbalanced", `{"message":"x"`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractEnvelopeText(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("text: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindJSONBounds_SkipsEscapes(t *testing.T) {
	s := `prefix {"a":"\\{"} suffix`
	start, end := findJSONBounds(s)
	if start < 0 {
		t.Fatal("expected to find the object")
	}
	if s[start:end] != `{"a":"\\{"}` {
		t.Errorf("got %q", s[start:end])
	}
}

func TestLoadAliases(t *testing.T) {
	dir := t.TempDir()
	pack := `markers:
  - prefix: "FIX:"
    mode: primary
  - prefix: "docs"
    mode: fallback
  - prefix: "BAD:"
    mode: nonsense
`
	if err := os.WriteFile(filepath.Join(dir, "pack.yaml"), []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}

	markers, err := LoadAliases(dir, discardLogger())
	if err != nil {
		t.Fatalf("LoadAliases: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected 2 valid markers, got %d", len(markers))
	}

	r := New(Config{PrefixRouting: true, ExtraMarkers: markers})
	mode, text := r.Classify("ask", "fix: broken build")
	if mode != domain.ModePrimaryTool || text != "broken build" {
		t.Errorf("alias marker: got %v %q", mode, text)
	}

	// Bare alias gets the colon appended.
	mode, _ = r.Classify("ask", "DOCS: update readme")
	if mode != domain.ModeFallbackTool {
		t.Errorf("normalized alias: got %v", mode)
	}
}

func TestLoadAliases_MissingDir(t *testing.T) {
	markers, err := LoadAliases(filepath.Join(t.TempDir(), "nope"), discardLogger())
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if markers != nil {
		t.Errorf("expected no markers, got %v", markers)
	}
}
