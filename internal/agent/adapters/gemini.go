package adapters

import "github.com/TestAny-io/agent-chatter-sub000/internal/agentcfg"

var _ Adapter = (*geminiAdapter)(nil)

// geminiAdapter launches the Gemini CLI with auto-approval and stream-json
// output.
type geminiAdapter struct{}

func (a *geminiAdapter) AgentType() string            { return "google-gemini" }
func (a *geminiAdapter) Command() string              { return "gemini" }
func (a *geminiAdapter) ExecutionMode() ExecutionMode { return ModeStateless }
func (a *geminiAdapter) DefaultArgs() []string        { return nil }
func (a *geminiAdapter) Cleanup() error               { return nil }

func (a *geminiAdapter) BuildArgs(cfg agentcfg.AgentConfig, overrides *agentcfg.MemberOverrides, opts BuildOptions) []string {
	args := baseArgs(a.DefaultArgs(), cfg, overrides)
	args = ensureFlag(args, "--yolo")
	args = ensureFlag(args, "--output-format", "stream-json")
	return append(args, opts.Prompt)
}
