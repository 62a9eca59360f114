package domain

// CommandMode is the execution backend selected for a message.
// Exactly one mode is chosen per message.
type CommandMode int

const (
	ModeChat CommandMode = iota
	ModePrimaryTool
	ModeFallbackTool
	ModeResearchOnly
)

func (m CommandMode) String() string {
	switch m {
	case ModeChat:
		return "chat"
	case ModePrimaryTool:
		return "primary"
	case ModeFallbackTool:
		return "fallback"
	case ModeResearchOnly:
		return "research"
	default:
		return "unknown"
	}
}

// FallbackReason classifies why a primary failure was (or was not) handed to
// the fallback tool. Computed per failure, never stored.
type FallbackReason int

const (
	ReasonNone FallbackReason = iota
	ReasonToolUnavailable
	ReasonUsageLimited
	ReasonAnyFailure
)

func (r FallbackReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonToolUnavailable:
		return "tool_unavailable"
	case ReasonUsageLimited:
		return "usage_limited"
	case ReasonAnyFailure:
		return "any_failure"
	default:
		return "unknown"
	}
}
