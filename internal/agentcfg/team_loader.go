package agentcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/TestAny-io/agent-chatter-sub000/internal/team"
)

// teamFile mirrors the YAML shape of a team definition.
type teamFile struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Members     []memberFile `yaml:"members"`
}

type memberFile struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	DisplayName       string            `yaml:"displayName"`
	Role              string            `yaml:"role"`
	Type              string            `yaml:"type"`
	Order             int               `yaml:"order"`
	AgentType         string            `yaml:"agentType"`
	SystemInstruction string            `yaml:"systemInstruction"`
	Env               map[string]string `yaml:"env"`
	ExtraArgs         []string          `yaml:"extraArgs"`
	ThemeColor        string            `yaml:"themeColor"`
	// InstructionFile points at a file whose contents become the member's
	// instruction text; relative paths resolve against the team file.
	InstructionFile string `yaml:"instructionFile"`
}

// LoadTeam reads a team definition from YAML, resolves instruction files,
// and validates the result against the team invariants.
func LoadTeam(path string) (*team.Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read team file: %w", err)
	}

	var tf teamFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse team file: %w", err)
	}

	t := &team.Team{
		ID:          tf.ID,
		Name:        tf.Name,
		Description: tf.Description,
	}
	if t.ID == "" {
		t.ID = tf.Name
	}

	baseDir := filepath.Dir(path)
	for i, mf := range tf.Members {
		m := &team.Member{
			ID:                mf.ID,
			Name:              mf.Name,
			DisplayName:       mf.DisplayName,
			Role:              mf.Role,
			Type:              mf.Type,
			Order:             mf.Order,
			AgentType:         mf.AgentType,
			SystemInstruction: mf.SystemInstruction,
			Env:               mf.Env,
			ExtraArgs:         mf.ExtraArgs,
			ThemeColor:        mf.ThemeColor,
		}
		if m.ID == "" {
			m.ID = fmt.Sprintf("member-%d", i+1)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.Name
		}

		if mf.InstructionFile != "" {
			ip := mf.InstructionFile
			if !filepath.IsAbs(ip) {
				ip = filepath.Join(baseDir, ip)
			}
			text, err := os.ReadFile(ip)
			if err != nil {
				return nil, fmt.Errorf("read instruction file for member %q: %w", m.Name, err)
			}
			m.InstructionFileText = string(text)
		}

		t.Members = append(t.Members, m)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
