package adapters

import "github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"

var _ Adapter = (*codexAdapter)(nil)

// codexAdapter launches the OpenAI Codex CLI in exec mode with JSON event
// output. Approval and sandbox prompts are bypassed; --full-auto conflicts
// with the bypass flag and is stripped from user args.
type codexAdapter struct{}

func (a *codexAdapter) AgentType() string            { return "openai-codex" }
func (a *codexAdapter) Command() string              { return "codex" }
func (a *codexAdapter) ExecutionMode() ExecutionMode { return ModeStateless }
func (a *codexAdapter) DefaultArgs() []string        { return []string{"exec", "--json"} }
func (a *codexAdapter) Cleanup() error               { return nil }

func (a *codexAdapter) BuildArgs(cfg agentcfg.AgentConfig, overrides *agentcfg.MemberOverrides, opts BuildOptions) []string {
	args := baseArgs(a.DefaultArgs(), cfg, overrides)
	args = stripFlag(args, "--full-auto")
	args = ensureFlag(args, "--dangerously-bypass-approvals-and-sandbox")
	return append(args, opts.Prompt)
}
