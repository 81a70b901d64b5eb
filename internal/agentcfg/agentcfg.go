// Package agentcfg resolves launch configuration for agent CLIs and loads
// team definitions from YAML.
package agentcfg

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
)

// ErrConfigMissing marks a config id that resolves to nothing: not a known
// agent family, not configured, not overridden.
var ErrConfigMissing = errors.New("agent config missing")

// AgentConfig is the launch configuration for one agent CLI. An empty
// Command defers to the adapter's default binary for the family.
type AgentConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Cwd     string            `yaml:"cwd"`
}

// MemberOverrides carries per-member launch adjustments taken from the team
// definition. They stack on top of the resolved AgentConfig.
type MemberOverrides struct {
	Env       map[string]string
	ExtraArgs []string
}

// OverridesFor extracts the launch overrides of a team member, or nil when
// the member has none.
func OverridesFor(m *team.Member) *MemberOverrides {
	if m == nil || (len(m.Env) == 0 && len(m.ExtraArgs) == 0) {
		return nil
	}
	return &MemberOverrides{Env: m.Env, ExtraArgs: m.ExtraArgs}
}

// Manager resolves agent configs by config id. Config ids are the agent
// family tags; the main config's agents.families section provides the base
// and an optional YAML overrides file adjusts it per deployment.
type Manager struct {
	families  map[string]config.FamilyConfig
	overrides map[string]AgentConfig
	log       *logger.Logger
}

// NewManager creates a config manager over the agents section of the main
// configuration.
func NewManager(agents config.AgentsConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	families := make(map[string]config.FamilyConfig, len(agents.Families))
	for id, fc := range agents.Families {
		families[id] = fc
	}
	return &Manager{
		families:  families,
		overrides: make(map[string]AgentConfig),
		log:       log,
	}
}

// LoadOverrides reads a YAML file mapping config ids to agent configs and
// merges it over the configured families on subsequent lookups.
func (m *Manager) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent overrides: %w", err)
	}
	var parsed map[string]AgentConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse agent overrides: %w", err)
	}
	for id, cfg := range parsed {
		m.overrides[id] = cfg
	}
	m.log.Info("Loaded agent config overrides",
		zap.String("path", path),
		zap.Int("entries", len(parsed)))
	return nil
}

// ImageFor returns the container image configured for a config id, when the
// agents run in the Docker environment. Empty when none is configured.
func (m *Manager) ImageFor(configID string) string {
	return m.families[configID].Image
}

// AgentConfig resolves the launch configuration for a config id. The base
// comes from the configured family; override fields replace it and override
// env entries merge over it. Ids that are neither a known family nor
// configured fail with ErrConfigMissing.
func (m *Manager) AgentConfig(configID string) (AgentConfig, error) {
	fc, configured := m.families[configID]
	ov, overridden := m.overrides[configID]
	if !configured && !overridden && !team.KnownAgentType(configID) {
		return AgentConfig{}, fmt.Errorf("%w: no agent config for %q", ErrConfigMissing, configID)
	}

	cfg := AgentConfig{
		Command: fc.Command,
		Args:    append([]string(nil), fc.Args...),
		Cwd:     fc.Cwd,
	}
	if len(fc.Env) > 0 {
		cfg.Env = make(map[string]string, len(fc.Env))
		for k, v := range fc.Env {
			cfg.Env[k] = v
		}
	}

	if overridden {
		if ov.Command != "" {
			cfg.Command = ov.Command
		}
		if ov.Args != nil {
			cfg.Args = append([]string(nil), ov.Args...)
		}
		if ov.Cwd != "" {
			cfg.Cwd = ov.Cwd
		}
		if len(ov.Env) > 0 {
			if cfg.Env == nil {
				cfg.Env = make(map[string]string, len(ov.Env))
			}
			for k, v := range ov.Env {
				cfg.Env[k] = v
			}
		}
	}
	return cfg, nil
}
