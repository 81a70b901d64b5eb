package adapters

import "github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"

var _ Adapter = (*claudeAdapter)(nil)

// claudeAdapter launches the Claude Code CLI in print mode with stream-json
// output. The system instruction travels as --append-system-prompt rather
// than inside the prompt, so the CLI applies it at the system level.
type claudeAdapter struct{}

func (a *claudeAdapter) AgentType() string            { return "claude-code" }
func (a *claudeAdapter) Command() string              { return "claude" }
func (a *claudeAdapter) ExecutionMode() ExecutionMode { return ModeStateless }
func (a *claudeAdapter) DefaultArgs() []string        { return nil }
func (a *claudeAdapter) Cleanup() error               { return nil }

func (a *claudeAdapter) BuildArgs(cfg agentcfg.AgentConfig, overrides *agentcfg.MemberOverrides, opts BuildOptions) []string {
	args := baseArgs(a.DefaultArgs(), cfg, overrides)
	args = ensureFlag(args, "--permission-mode", "bypassPermissions")
	args = ensureFlag(args, "--output-format", "stream-json")
	if opts.SystemFlag != "" && !hasFlag(args, "--append-system-prompt") {
		args = append(args, "--append-system-prompt", opts.SystemFlag)
	}
	// -p must precede the prompt positional.
	if !hasFlag(args, "-p") {
		args = append(args, "-p")
	}
	return append(args, opts.Prompt)
}
