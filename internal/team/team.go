// Package team models the participants of a conversation. A team is an
// ordered set of members, at least two of them with at least one human,
// and is treated as immutable for the lifetime of a conversation.
package team

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Member types.
const (
	TypeAI    = "ai"
	TypeHuman = "human"
)

var memberNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// knownFamilies lists the agent families an AI member may be bound to.
var knownFamilies = map[string]bool{
	streams.FamilyClaudeCode:   true,
	streams.FamilyOpenAICodex:  true,
	streams.FamilyGoogleGemini: true,
}

// KnownAgentType reports whether the given family tag is one the agent
// manager can execute.
func KnownAgentType(agentType string) bool {
	return knownFamilies[agentType]
}

// Member is one logical participant.
type Member struct {
	// ID is stable and unique within a team.
	ID string

	// Name is the internal identifier used in routing markers. It must
	// match [A-Za-z0-9_-]+ and is unique case-sensitively within a team.
	Name string

	// DisplayName is the human-facing name used when rendering history.
	DisplayName string

	// Role is a free-form tag such as "facilitator" or "reviewer".
	Role string

	// Type is TypeAI or TypeHuman.
	Type string

	// Order breaks ties when selecting the first human to wait on.
	Order int

	// AgentType binds an AI member to an agent family. Empty for humans.
	AgentType string

	// SystemInstruction is prepended to every prompt sent to this member.
	SystemInstruction string

	// Env and ExtraArgs extend the family launch configuration per member.
	Env       map[string]string
	ExtraArgs []string

	ThemeColor          string
	InstructionFileText string
}

func (m *Member) IsHuman() bool {
	return m.Type == TypeHuman
}

func (m *Member) IsAI() bool {
	return m.Type == TypeAI
}

// Team is an ordered set of members plus descriptive metadata.
type Team struct {
	ID          string
	Name        string
	Description string
	Members     []*Member
}

// Validate checks the team invariants and reports every violation at once.
func (t *Team) Validate() error {
	var errs []string

	if len(t.Members) < 2 {
		errs = append(errs, "team must have at least 2 members")
	}

	humans := 0
	ids := make(map[string]bool, len(t.Members))
	names := make(map[string]bool, len(t.Members))
	for _, m := range t.Members {
		if m.ID == "" {
			errs = append(errs, fmt.Sprintf("member %q must have an id", m.Name))
		} else if ids[m.ID] {
			errs = append(errs, fmt.Sprintf("duplicate member id %q", m.ID))
		}
		ids[m.ID] = true

		if !memberNameRe.MatchString(m.Name) {
			errs = append(errs, fmt.Sprintf("member name %q must match [A-Za-z0-9_-]+", m.Name))
		} else if names[m.Name] {
			errs = append(errs, fmt.Sprintf("duplicate member name %q", m.Name))
		}
		names[m.Name] = true

		if m.Order < 0 {
			errs = append(errs, fmt.Sprintf("member %q order must not be negative", m.Name))
		}

		switch m.Type {
		case TypeHuman:
			humans++
		case TypeAI:
			if !knownFamilies[m.AgentType] {
				errs = append(errs, fmt.Sprintf("member %q has unknown agent type %q", m.Name, m.AgentType))
			}
		default:
			errs = append(errs, fmt.Sprintf("member %q type must be ai or human", m.Name))
		}
	}
	if len(t.Members) >= 2 && humans == 0 {
		errs = append(errs, "team must have at least 1 human member")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid team: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MemberByID returns the member with the given id.
func (t *Team) MemberByID(id string) (*Member, bool) {
	for _, m := range t.Members {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// FindMember resolves a loosely written identifier against the team,
// matching ids first, then names, then display names, all normalized.
func (t *Team) FindMember(identifier string) (*Member, bool) {
	want := Normalize(identifier)
	if want == "" {
		return nil, false
	}
	for _, m := range t.Members {
		if Normalize(m.ID) == want {
			return m, true
		}
	}
	for _, m := range t.Members {
		if Normalize(m.Name) == want {
			return m, true
		}
	}
	for _, m := range t.Members {
		if Normalize(m.DisplayName) == want {
			return m, true
		}
	}
	return nil, false
}

// FirstHuman returns the human member with the lowest order. Member slice
// position breaks ties.
func (t *Team) FirstHuman() *Member {
	var first *Member
	for _, m := range t.Members {
		if !m.IsHuman() {
			continue
		}
		if first == nil || m.Order < first.Order {
			first = m
		}
	}
	return first
}

// Humans returns the human members in team order.
func (t *Team) Humans() []*Member {
	var humans []*Member
	for _, m := range t.Members {
		if m.IsHuman() {
			humans = append(humans, m)
		}
	}
	return humans
}

// MetadataFor snapshots team identity for events about the given member.
func (t *Team) MetadataFor(m *Member) streams.TeamMetadata {
	meta := streams.TeamMetadata{
		TeamID:   t.ID,
		TeamName: t.Name,
	}
	if m != nil {
		meta.MemberName = m.DisplayName
		meta.MemberRole = m.Role
	}
	return meta
}

// Normalize lowers an identifier and strips whitespace, hyphens, and
// underscores so loosely typed names still match team members.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '_':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
