package collab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChat_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer srv.Close()

	c := NewChat(ChatConfig{APIBase: srv.URL, Model: "test", Logger: discardLogger()})
	out, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hi there" {
		t.Errorf("got %q", out)
	}
}

func TestChat_Generate_RetriesOn500(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewChat(ChatConfig{APIBase: srv.URL, Logger: discardLogger()})
	out, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}
	if attempts != 2 {
		t.Errorf("expected one retry, got %d attempts", attempts)
	}
}

func TestChat_Generate_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	c := NewChat(ChatConfig{APIBase: srv.URL, Logger: discardLogger()})
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestResearch_RemoteService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/optimize" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"specification":"# Optimized spec"}`)
	}))
	defer srv.Close()

	res := NewResearch(ResearchConfig{APIBase: srv.URL, Logger: discardLogger()})
	spec, err := res.Optimize(context.Background(), "build a widget", "/repo")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if spec != "# Optimized spec" {
		t.Errorf("got %q", spec)
	}
}

func TestResearch_UnconfiguredUsesLocalGenerator(t *testing.T) {
	res := NewResearch(ResearchConfig{Logger: discardLogger()})
	spec, err := res.Optimize(context.Background(), "build a widget", "/repo/widget")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !strings.Contains(spec, "build a widget") {
		t.Errorf("local spec should embed the request: %q", spec)
	}
	if !strings.Contains(spec, "/repo/widget") {
		t.Errorf("local spec should embed the target path: %q", spec)
	}
}

func TestLocalSpec_Pure(t *testing.T) {
	spec := LocalSpec("  add logging  ", "")
	if !strings.Contains(spec, "add logging") {
		t.Errorf("request missing from spec: %q", spec)
	}
	if strings.Contains(spec, "## Target") {
		t.Error("empty target path should omit the Target section")
	}
}
