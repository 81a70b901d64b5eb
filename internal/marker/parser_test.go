package marker

import (
	"testing"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestParse_SingleAddressee(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("Let's hear from Bob next. [NEXT:bob]", log)

	if len(res.Addressees) != 1 {
		t.Fatalf("Expected 1 addressee, got %d", len(res.Addressees))
	}
	if res.Addressees[0].Name != "bob" {
		t.Errorf("Expected addressee bob, got %q", res.Addressees[0].Name)
	}
	if res.Addressees[0].Intent != queue.IntentP2Reply {
		t.Errorf("Expected default intent %s, got %s", queue.IntentP2Reply, res.Addressees[0].Intent)
	}
	if len(res.RawNext) != 1 || res.RawNext[0] != "[NEXT:bob]" {
		t.Errorf("Unexpected raw markers: %v", res.RawNext)
	}
	if res.CleanContent != "Let's hear from Bob next." {
		t.Errorf("Unexpected clean content: %q", res.CleanContent)
	}
}

func TestParse_IntentSuffixes(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[NEXT:bob!P1,carol !p3, dave]", log)

	if len(res.Addressees) != 3 {
		t.Fatalf("Expected 3 addressees, got %d: %v", len(res.Addressees), res.Addressees)
	}
	expected := []Addressee{
		{Name: "bob", Intent: queue.IntentP1Interrupt},
		{Name: "carol", Intent: queue.IntentP3Extend},
		{Name: "dave", Intent: queue.IntentP2Reply},
	}
	for i, want := range expected {
		if res.Addressees[i] != want {
			t.Errorf("Addressee %d: expected %+v, got %+v", i, want, res.Addressees[i])
		}
	}
}

func TestParse_MultipleMarkersInOrder(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("intro [NEXT:bob] middle [NEXT:carol!P1]", log)

	if len(res.Addressees) != 2 {
		t.Fatalf("Expected 2 addressees, got %d", len(res.Addressees))
	}
	if res.Addressees[0].Name != "bob" || res.Addressees[1].Name != "carol" {
		t.Errorf("Expected bob then carol, got %+v", res.Addressees)
	}
	if len(res.RawNext) != 2 {
		t.Errorf("Expected 2 raw markers, got %v", res.RawNext)
	}
	if res.CleanContent != "intro middle" {
		t.Errorf("Unexpected clean content: %q", res.CleanContent)
	}
}

func TestParse_CaseAndWhitespaceInsensitive(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[ next : bob ] [from:  Alice ] [ Team_Task : ship v2 ]", log)

	if len(res.Addressees) != 1 || res.Addressees[0].Name != "bob" {
		t.Errorf("Expected addressee bob, got %+v", res.Addressees)
	}
	if res.FromMember != "Alice" {
		t.Errorf("Expected from Alice, got %q", res.FromMember)
	}
	if res.TeamTask != "ship v2" {
		t.Errorf("Expected team task 'ship v2', got %q", res.TeamTask)
	}
}

func TestParse_FromFirstNonEmptyWins(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[FROM:  ] said a thing [FROM:alice] later [FROM:bob]", log)

	if res.FromMember != "alice" {
		t.Errorf("Expected first non-empty from to win, got %q", res.FromMember)
	}
}

func TestParse_TeamTaskLastNonEmptyWins(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[TEAM_TASK:draft the plan] work [TEAM_TASK:review the plan] [TEAM_TASK:  ]", log)

	if res.TeamTask != "review the plan" {
		t.Errorf("Expected last non-empty team task to win, got %q", res.TeamTask)
	}
}

func TestParse_SkipsEmptyAndMalformedSegments(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[NEXT:bob,,bad name,!P1]", log)

	if len(res.Addressees) != 1 || res.Addressees[0].Name != "bob" {
		t.Errorf("Expected only bob to survive, got %+v", res.Addressees)
	}
}

func TestParse_CleanContentKeepsFromAndTeamTask(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("[FROM:alice] hi [NEXT:bob] [TEAM_TASK:review]", log)

	if res.CleanContent != "[FROM:alice] hi [TEAM_TASK:review]" {
		t.Errorf("Unexpected clean content: %q", res.CleanContent)
	}
}

func TestParse_NoMarkers(t *testing.T) {
	log := newTestLogger(t)

	res := Parse("just words\n\nmore words", log)

	if res.FromMember != "" || res.TeamTask != "" {
		t.Errorf("Expected no marker values, got from=%q task=%q", res.FromMember, res.TeamTask)
	}
	if len(res.Addressees) != 0 || len(res.RawNext) != 0 {
		t.Errorf("Expected no addressees, got %+v", res.Addressees)
	}
	if res.CleanContent != "just words\n\nmore words" {
		t.Errorf("Unexpected clean content: %q", res.CleanContent)
	}
}

func TestParse_NilLoggerUsesDefault(t *testing.T) {
	res := Parse("hello [NEXT:]", nil)

	if len(res.Addressees) != 0 {
		t.Errorf("Expected empty segment to be skipped, got %+v", res.Addressees)
	}
	if res.CleanContent != "hello" {
		t.Errorf("Unexpected clean content: %q", res.CleanContent)
	}
}

func TestStripNextOnly_DropsEmptiedLines(t *testing.T) {
	got := StripNextOnly("first line\n[NEXT:bob]\nlast line")
	if got != "first line\nlast line" {
		t.Errorf("Expected emptied line to be dropped, got %q", got)
	}
}

func TestStripNextOnly_KeepsOriginallyBlankLines(t *testing.T) {
	got := StripNextOnly("first [NEXT:bob]\n\nlast")
	if got != "first\n\nlast" {
		t.Errorf("Expected blank line to survive, got %q", got)
	}
}

func TestStripNextOnly_CollapsesSpaceRuns(t *testing.T) {
	got := StripNextOnly("left [NEXT:bob] right")
	if got != "left right" {
		t.Errorf("Expected single space after strip, got %q", got)
	}
}

// Stripping must leave nothing Parse would still route on, and running it
// twice must change nothing.
func TestStripNextOnly_RoundTrip(t *testing.T) {
	log := newTestLogger(t)

	messages := []string{
		"plain text with no markers",
		"hello [NEXT:bob] world",
		"[NEXT:a][NEXT:b!P1]",
		"[NEX[NEXT:bob]T:x] tail",
		"multi\n[NEXT:carol]\nline [NEXT:dave] text\n\nend",
		"[NEXT:]",
		"",
	}

	for _, msg := range messages {
		stripped := StripNextOnly(msg)

		res := Parse(stripped, log)
		if len(res.Addressees) != 0 || len(res.RawNext) != 0 {
			t.Errorf("Stripped %q still routes: %+v", msg, res.Addressees)
		}

		if again := StripNextOnly(stripped); again != stripped {
			t.Errorf("Strip of %q not idempotent: %q vs %q", msg, stripped, again)
		}
	}
}

func TestStripAllMarkers(t *testing.T) {
	got := StripAllMarkers("x [FROM:a] y [TEAM_TASK:t] z [NEXT:b]")
	if got != "x y z" {
		t.Errorf("Expected all markers removed, got %q", got)
	}

	got = StripAllMarkers("[FROM:alice]\nbody text")
	if got != "body text" {
		t.Errorf("Expected marker-only line dropped, got %q", got)
	}
}

func TestHasBareTeamTask(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"TEAM_TASK review the PRD [NEXT:bob]", true},
		{"[TEAM_TASK: ship v2]", false},
		{"no task mention at all", false},
		{"[TEAM_TASK:ok] then TEAM_TASK again", true},
		{"TEAM_TASKS is plural", false},
		{"team_task lowercase counts", true},
		{"update the [team_task: x] marker", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := HasBareTeamTask(tc.text); got != tc.want {
			t.Errorf("HasBareTeamTask(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
