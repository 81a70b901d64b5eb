// Package adapters defines how each agent family is launched: the default
// binary, the execution mode, and the CLI flags the conversation engine
// enforces so the agent streams machine-readable output and never stops to
// ask for permission.
package adapters

import (
	"fmt"

	"github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// ExecutionMode describes the subprocess lifecycle of an agent family.
type ExecutionMode string

const (
	// ModeStateless spawns a fresh process per message. All current
	// families run this way.
	ModeStateless ExecutionMode = "stateless"

	// ModeStateful keeps one long-lived process per member and interleaves
	// messages over stdin.
	ModeStateful ExecutionMode = "stateful"
)

// BuildOptions carries the per-dispatch inputs of BuildArgs.
type BuildOptions struct {
	// Prompt is placed as the final positional argument.
	Prompt string

	// SystemFlag is the out-of-band system text for families that take it
	// as a CLI flag rather than embedded in the prompt.
	SystemFlag string
}

// Adapter describes one agent family.
type Adapter interface {
	// AgentType is the family tag the adapter serves.
	AgentType() string

	// Command is the default binary, used when the launch config names none.
	Command() string

	// ExecutionMode reports the subprocess lifecycle.
	ExecutionMode() ExecutionMode

	// DefaultArgs are the family's base arguments, before config args and
	// enforced flags.
	DefaultArgs() []string

	// BuildArgs assembles the final argv (without the command itself):
	// default args, then config and member args, then the flags the family
	// requires, with the prompt last.
	BuildArgs(cfg agentcfg.AgentConfig, overrides *agentcfg.MemberOverrides, opts BuildOptions) []string

	// Cleanup releases any resources held by the adapter. Stateless
	// adapters have nothing to release.
	Cleanup() error
}

// New returns the adapter for the given agent family.
func New(agentType string) (Adapter, error) {
	switch agentType {
	case streams.FamilyClaudeCode:
		return &claudeAdapter{}, nil
	case streams.FamilyOpenAICodex:
		return &codexAdapter{}, nil
	case streams.FamilyGoogleGemini:
		return &geminiAdapter{}, nil
	default:
		return nil, fmt.Errorf("no adapter for agent type %q", agentType)
	}
}

// baseArgs concatenates the adapter defaults with config and member args.
func baseArgs(defaults []string, cfg agentcfg.AgentConfig, overrides *agentcfg.MemberOverrides) []string {
	args := append([]string(nil), defaults...)
	args = append(args, cfg.Args...)
	if overrides != nil {
		args = append(args, overrides.ExtraArgs...)
	}
	return args
}

// hasFlag reports whether argv already contains the flag, either standalone
// or in --flag=value form.
func hasFlag(args []string, flag string) bool {
	prefix := flag + "="
	for _, a := range args {
		if a == flag || len(a) > len(prefix) && a[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// ensureFlag appends the flag and its values unless already present.
func ensureFlag(args []string, flag string, values ...string) []string {
	if hasFlag(args, flag) {
		return args
	}
	args = append(args, flag)
	return append(args, values...)
}

// stripFlag removes every occurrence of the flag (and its =value forms).
func stripFlag(args []string, flag string) []string {
	prefix := flag + "="
	kept := args[:0]
	for _, a := range args {
		if a == flag || len(a) > len(prefix) && a[:len(prefix)] == prefix {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}
