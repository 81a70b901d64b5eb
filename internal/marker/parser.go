// Package marker parses the routing markers embedded in conversation
// messages: [NEXT:name!P1] addresses the next speakers, [FROM:name] declares
// the sender, and [TEAM_TASK:description] updates the shared task.
package marker

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/conversation/queue"
)

// Addressee is a single parsed [NEXT] target.
type Addressee struct {
	Name   string
	Intent queue.Intent
}

// ParseResult is the full decomposition of one message.
type ParseResult struct {
	// FromMember is the first non-empty [FROM:…] value.
	FromMember string

	// TeamTask is the last non-empty [TEAM_TASK:…] value.
	TeamTask string

	// Addressees lists every [NEXT] target in order of appearance.
	Addressees []Addressee

	// RawNext holds the [NEXT:…] markers exactly as found.
	RawNext []string

	// CleanContent is the text with [NEXT] markers stripped and whitespace
	// normalized. [FROM] and [TEAM_TASK] stay visible in history context.
	CleanContent string
}

// Markers match case-insensitively and are single-line: a payload cannot
// contain a closing bracket or a newline.
var (
	nextRe     = regexp.MustCompile(`(?i)\[\s*NEXT\s*:\s*([^\]\n]*)\]`)
	fromRe     = regexp.MustCompile(`(?i)\[\s*FROM\s*:\s*([^\]\n]*)\]`)
	teamTaskRe = regexp.MustCompile(`(?i)\[\s*TEAM_TASK\s*:\s*([^\]\n]*)\]`)

	// One comma-separated [NEXT] segment: a name and an optional !P1..!P3
	// intent suffix. The name charset matches the member-name invariant.
	segmentRe = regexp.MustCompile(`^\s*([A-Za-z0-9_-]*)(?:\s*!([pP][123]))?\s*$`)

	bareTaskRe = regexp.MustCompile(`(?i)\bTEAM_TASK\b`)
	spaceRunRe = regexp.MustCompile(`  +`)
)

// Parse decomposes a message into its markers and clean content. Malformed
// [NEXT] segments are skipped with a warning, never an error.
func Parse(text string, log *logger.Logger) ParseResult {
	if log == nil {
		log = logger.Default()
	}

	result := ParseResult{CleanContent: StripNextOnly(text)}

	for _, m := range fromRe.FindAllStringSubmatch(text, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			result.FromMember = v
			break
		}
	}

	for _, m := range teamTaskRe.FindAllStringSubmatch(text, -1) {
		if v := strings.TrimSpace(m[1]); v != "" {
			result.TeamTask = v
		}
	}

	for _, m := range nextRe.FindAllStringSubmatch(text, -1) {
		result.RawNext = append(result.RawNext, m[0])
		for _, segment := range strings.Split(m[1], ",") {
			sm := segmentRe.FindStringSubmatch(segment)
			if sm == nil {
				log.Warn("Skipping malformed [NEXT] segment",
					zap.String("segment", segment))
				continue
			}
			if sm[1] == "" {
				log.Warn("Skipping [NEXT] segment with empty name",
					zap.String("segment", segment))
				continue
			}
			result.Addressees = append(result.Addressees, Addressee{
				Name:   sm[1],
				Intent: intentFromSuffix(sm[2]),
			})
		}
	}

	return result
}

func intentFromSuffix(s string) queue.Intent {
	switch strings.ToUpper(s) {
	case "P1":
		return queue.IntentP1Interrupt
	case "P3":
		return queue.IntentP3Extend
	default:
		return queue.IntentP2Reply
	}
}

// StripNextOnly removes [NEXT] markers and normalizes whitespace. [FROM]
// and [TEAM_TASK] are preserved. Idempotent.
func StripNextOnly(text string) string {
	return stripAndNormalize(text, nextRe)
}

// StripAllMarkers removes every routing marker and normalizes whitespace.
func StripAllMarkers(text string) string {
	return stripAndNormalize(text, nextRe, fromRe, teamTaskRe)
}

// stripAndNormalize removes the given markers line by line, collapses runs
// of two or more spaces to one, drops lines the stripping emptied (lines
// that were already blank stay), and trims the result. Marker removal runs
// to a fixed point so fragments cannot reassemble into a live marker.
func stripAndNormalize(text string, markers ...*regexp.Regexp) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		stripped := line
		for {
			prev := stripped
			for _, re := range markers {
				stripped = re.ReplaceAllString(stripped, "")
			}
			if stripped == prev {
				break
			}
		}
		stripped = spaceRunRe.ReplaceAllString(stripped, " ")
		stripped = strings.TrimRight(stripped, " ")
		if strings.TrimSpace(stripped) == "" && strings.TrimSpace(line) != "" {
			continue
		}
		out = append(out, stripped)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// HasBareTeamTask reports whether TEAM_TASK appears on a word boundary
// outside any well-formed [TEAM_TASK:…] marker.
func HasBareTeamTask(text string) bool {
	covered := teamTaskRe.FindAllStringIndex(text, -1)
	for _, bare := range bareTaskRe.FindAllStringIndex(text, -1) {
		inside := false
		for _, span := range covered {
			if bare[0] >= span[0] && bare[1] <= span[1] {
				inside = true
				break
			}
		}
		if !inside {
			return true
		}
	}
	return false
}
