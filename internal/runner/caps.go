package runner

import "strings"

// Capabilities is the set of negotiated command-line features for one
// external tool. Discovered once per runner lifetime and never re-probed, so
// behavior stays stable even when the tool's help output is flaky.
type Capabilities struct {
	PromptFlag     bool // supports passing the prompt as an explicit argument
	NonInteractive bool // supports an auto-approve / never-prompt flag
	ReadOnly       bool // supports a plan / read-only mode flag
}

// FlagSpec declares, per capability, the argv tokens to append when
// negotiated and the help-text substring that proves the capability exists.
// An empty probe falls back to the first argv token.
type FlagSpec struct {
	PromptFlag  string // "-p" for claude, "exec" for codex
	PromptProbe string // distinctive help substring, e.g. "--print"

	NonInteractive      []string
	NonInteractiveProbe string

	ReadOnly      []string
	ReadOnlyProbe string
}

// ClaudeFlags is the flag spec for the claude CLI.
func ClaudeFlags() FlagSpec {
	return FlagSpec{
		PromptFlag:          "-p",
		PromptProbe:         "--print",
		NonInteractive:      []string{"--dangerously-skip-permissions"},
		NonInteractiveProbe: "--dangerously-skip-permissions",
		ReadOnly:            []string{"--permission-mode", "plan"},
		ReadOnlyProbe:       "--permission-mode",
	}
}

// CodexFlags is the flag spec for the codex CLI.
func CodexFlags() FlagSpec {
	return FlagSpec{
		PromptFlag:          "exec",
		PromptProbe:         "exec",
		NonInteractive:      []string{"--full-auto"},
		NonInteractiveProbe: "--full-auto",
		ReadOnly:            []string{"--sandbox", "read-only"},
		ReadOnlyProbe:       "--sandbox",
	}
}

// DetectFromHelp is the pure capability probe: it greps the combined
// stdout+stderr of the tool's help invocation for the spec's probe
// substrings. Kept separate from process invocation so it unit-tests
// deterministically without spawning real binaries.
func DetectFromHelp(helpText string, spec FlagSpec) Capabilities {
	return Capabilities{
		PromptFlag:     probe(helpText, spec.PromptProbe, spec.PromptFlag),
		NonInteractive: probe(helpText, spec.NonInteractiveProbe, first(spec.NonInteractive)),
		ReadOnly:       probe(helpText, spec.ReadOnlyProbe, first(spec.ReadOnly)),
	}
}

func probe(help, probeToken, fallback string) bool {
	token := probeToken
	if token == "" {
		token = fallback
	}
	if token == "" {
		return false
	}
	return strings.Contains(help, token)
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
