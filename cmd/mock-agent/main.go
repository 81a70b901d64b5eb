// Package main is a mock agent CLI for end-to-end dry runs. It speaks the
// claude, codex, or gemini stream-JSON wire shape on stdout, accepts (and
// ignores) the flags the orchestrator enforces for each family, and reads
// the prompt from the final positional argument.
//
// Without a script it acknowledges the prompt; with --script it emits each
// line of the file as its reply, so a script can carry [NEXT:…] markers to
// drive routing.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type options struct {
	family string
	script string
	prompt string
}

// flagsWithValue lists the pass-through flags that consume the next argument.
var flagsWithValue = map[string]bool{
	"--permission-mode":      true,
	"--output-format":        true,
	"--append-system-prompt": true,
	"--model":                true,
	"-m":                     true,
}

// parseArgs scans argv leniently: known mock flags are honored, every other
// flag is swallowed, and the last non-flag argument is the prompt.
func parseArgs(args []string) options {
	opts := options{family: "claude"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--family" && i+1 < len(args):
			i++
			opts.family = args[i]
		case strings.HasPrefix(arg, "--family="):
			opts.family = strings.TrimPrefix(arg, "--family=")
		case arg == "--script" && i+1 < len(args):
			i++
			opts.script = args[i]
		case strings.HasPrefix(arg, "--script="):
			opts.script = strings.TrimPrefix(arg, "--script=")
		case flagsWithValue[arg] && i+1 < len(args):
			i++
		case strings.HasPrefix(arg, "-"):
			// Enforced or unknown flag without a value; ignore.
		default:
			opts.prompt = arg
		}
	}
	return opts
}

// reply produces the mock's output lines.
func reply(opts options) ([]string, error) {
	if opts.script == "" {
		prompt := opts.prompt
		if len(prompt) > 80 {
			prompt = prompt[:80] + "…"
		}
		return []string{"Acknowledged: " + prompt}, nil
	}
	data, err := os.ReadFile(opts.script)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func main() {
	opts := parseArgs(os.Args[1:])
	lines, err := reply(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	var emitErr error
	switch opts.family {
	case "claude", "claude-code":
		emitErr = emitClaude(out, lines)
	case "codex", "openai-codex":
		emitErr = emitCodex(out, lines)
	case "gemini", "google-gemini":
		emitErr = emitGemini(out, lines)
	default:
		fmt.Fprintf(os.Stderr, "mock-agent: unknown family %q\n", opts.family)
		os.Exit(1)
	}
	if emitErr != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", emitErr)
		os.Exit(1)
	}
}

func writeJSON(out *bufio.Writer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

func emitClaude(out *bufio.Writer, lines []string) error {
	records := []any{
		map[string]any{"type": "system", "subtype": "init"},
	}
	for _, line := range lines {
		records = append(records, map[string]any{
			"type": "assistant",
			"message": map[string]any{
				"role": "assistant",
				"content": []map[string]any{
					{"type": "text", "text": line},
				},
			},
		})
	}
	records = append(records, map[string]any{
		"type":    "result",
		"subtype": "success",
		"result":  strings.Join(lines, "\n"),
	})
	for _, rec := range records {
		if err := writeJSON(out, rec); err != nil {
			return err
		}
	}
	return nil
}

func emitCodex(out *bufio.Writer, lines []string) error {
	if err := writeJSON(out, map[string]any{"type": "thread.started"}); err != nil {
		return err
	}
	for i, line := range lines {
		rec := map[string]any{
			"type": "item.completed",
			"item": map[string]any{
				"id":        fmt.Sprintf("item_%d", i),
				"item_type": "agent_message",
				"text":      line,
			},
		}
		if err := writeJSON(out, rec); err != nil {
			return err
		}
	}
	return writeJSON(out, map[string]any{"type": "turn.completed"})
}

func emitGemini(out *bufio.Writer, lines []string) error {
	if err := writeJSON(out, map[string]any{"type": "init"}); err != nil {
		return err
	}
	for _, line := range lines {
		rec := map[string]any{
			"type":    "message",
			"role":    "assistant",
			"content": line,
		}
		if err := writeJSON(out, rec); err != nil {
			return err
		}
	}
	return writeJSON(out, map[string]any{"type": "result", "status": "success"})
}
