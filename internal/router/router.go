// Package router classifies raw relay messages into an execution mode.
package router

import (
	"log/slog"
	"strings"

	"relaybot/internal/domain"
)

// Marker is a recognized routing prefix (always compared case-insensitively,
// stored upper-case with the trailing colon).
type Marker struct {
	Prefix string
	Mode   domain.CommandMode
}

// defaultMarkers are the built-in prefixes, checked in order.
func defaultMarkers() []Marker {
	return []Marker{
		{Prefix: "CODE:", Mode: domain.ModePrimaryTool},
		{Prefix: "CLAUDE:", Mode: domain.ModePrimaryTool},
		{Prefix: "CODEX:", Mode: domain.ModeFallbackTool},
		{Prefix: "RESEARCH:", Mode: domain.ModeResearchOnly},
	}
}

// Router selects exactly one CommandMode per message. Priority: dedicated
// topics first, then prefix markers, then CHAT.
type Router struct {
	primaryTopic  string
	fallbackTopic string
	prefixRouting bool
	markers       []Marker
	logger        *slog.Logger
}

type Config struct {
	PrimaryTopic  string
	FallbackTopic string
	PrefixRouting bool
	ExtraMarkers  []Marker // alias packs, tried after the built-ins
	Logger        *slog.Logger
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	markers := defaultMarkers()
	for _, m := range cfg.ExtraMarkers {
		m.Prefix = strings.ToUpper(strings.TrimSpace(m.Prefix))
		if m.Prefix == "" {
			continue
		}
		if !strings.HasSuffix(m.Prefix, ":") {
			m.Prefix += ":"
		}
		markers = append(markers, m)
	}
	return &Router{
		primaryTopic:  cfg.PrimaryTopic,
		fallbackTopic: cfg.FallbackTopic,
		prefixRouting: cfg.PrefixRouting,
		markers:       markers,
		logger:        cfg.Logger,
	}
}

// Classify returns the execution mode and the cleaned instruction text.
// Dedicated tool topics take the body verbatim; otherwise the text is
// unwrapped from any JSON envelope, matched against prefix markers, and
// defaults to CHAT.
func (r *Router) Classify(topic, raw string) (domain.CommandMode, string) {
	if r.primaryTopic != "" && topic == r.primaryTopic {
		return domain.ModePrimaryTool, raw
	}
	if r.fallbackTopic != "" && topic == r.fallbackTopic {
		return domain.ModeFallbackTool, raw
	}

	text := strings.TrimSpace(raw)
	if extracted, ok := ExtractEnvelopeText(text); ok {
		r.logger.Debug("unwrapped envelope payload", "len", len(extracted))
		text = extracted
	}

	if r.prefixRouting {
		upper := strings.ToUpper(text)
		for _, m := range r.markers {
			if strings.HasPrefix(upper, m.Prefix) {
				cleaned := strings.TrimSpace(text[len(m.Prefix):])
				return m.Mode, cleaned
			}
		}
	}

	return domain.ModeChat, text
}
