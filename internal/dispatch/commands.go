package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/metrics"
)

const helpText = `Commands:
/help — this message
/status — backend availability and counters
/uptime — time since start
/version — build version
/ping — liveness check

Anything else is classified and dispatched:
CLAUDE:/CODE: prefix → primary tool
CODEX: prefix → fallback tool
RESEARCH: prefix → research collaborator
no prefix → chat`

// handleControl answers operator control commands without touching the
// execution backends. Returns true when the message was consumed.
func (l *Loop) handleControl(ctx context.Context, text string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	cmd := strings.ToLower(strings.Fields(text)[0])

	switch cmd {
	case "/help":
		l.publishStatus(ctx, "📖 Help", helpText, false)
	case "/status":
		l.publishStatus(ctx, "🟢 Status", l.statusText(ctx), false)
	case "/uptime":
		l.publishStatus(ctx, "⏱ Uptime", formatDuration(time.Since(l.startTime)), false)
	case "/version":
		l.publishStatus(ctx, "🏷 Version", "relaybot "+l.version, false)
	case "/ping":
		l.publishStatus(ctx, "🏓 Pong", "pong", false)
	default:
		// Unknown slash command: let classification have it. Most chat
		// front-ends prefix nothing, so this path is rare.
		return false
	}
	l.logger.Info("control command answered", "cmd", cmd)
	return true
}

func (l *Loop) statusText(ctx context.Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "relaybot %s\n", l.version)
	fmt.Fprintf(&sb, "uptime: %s\n", formatDuration(time.Since(l.startTime)))

	fmt.Fprintf(&sb, "primary (%s): %s\n", l.primary.Name(), availability(l.primary.CheckAvailable()))
	if l.fallback != nil {
		fmt.Fprintf(&sb, "fallback (%s): %s\n", l.fallback.Name(), availability(l.fallback.CheckAvailable()))
	} else {
		sb.WriteString("fallback: not configured\n")
	}

	if n, err := l.store.Count(ctx); err == nil {
		fmt.Fprintf(&sb, "ledger: %d entries\n", n)
	}
	fmt.Fprintf(&sb, "messages: %d, duplicates: %d, dispatches: %d, fallbacks: %d",
		metrics.MessagesTotal.Value(),
		metrics.DuplicatesTotal.Value(),
		metrics.DispatchesTotal.Value(),
		metrics.FallbacksTotal.Value(),
	)
	return sb.String()
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "NOT FOUND"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd%dh%dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, int(d.Seconds())%60)
}
