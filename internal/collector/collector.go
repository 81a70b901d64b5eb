// Package collector observes the agent event stream and keeps bounded
// in-memory history plus optional JSONL session logs.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/config"
	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events"
	"github.com/TestAny-io/agent-chatter-sub000/internal/events/bus"
	"github.com/TestAny-io/agent-chatter-sub000/internal/types/streams"
)

// Ring capacities. Reads copy out, so observers can hold results across
// further collection.
const (
	RawRingCapacity     = 1000
	SummaryRingCapacity = 200
)

// ToolRecord is one tool invocation observed during a turn.
type ToolRecord struct {
	Name      string    `json:"name"`
	ToolID    string    `json:"tool_id,omitempty"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Completed bool      `json:"completed"`
	StartedAt time.Time `json:"started_at"`
}

// TurnSummary condenses one agent turn: the concatenated text, the tools it
// ran, and any errors, stamped with the turn's finish reason.
type TurnSummary struct {
	AgentID      string       `json:"agent_id"`
	AgentName    string       `json:"agent_name,omitempty"`
	FinishReason string       `json:"finish_reason"`
	Text         string       `json:"text"`
	Tools        []ToolRecord `json:"tools,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// turnBuffer accumulates one agent's in-progress turn.
type turnBuffer struct {
	agentName string
	text      strings.Builder
	tools     []ToolRecord
	toolIdx   map[string]int
	errors    []string
}

// ring is a fixed-capacity overwrite buffer.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[(r.head+r.size)%len(r.buf)] = v
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// last copies out the newest n entries, oldest first.
func (r *ring[T]) last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Collector subscribes to agent events once at construction and serves
// bounded views of the raw stream and per-turn summaries. With persistence
// enabled, AttachSession additionally appends every event and summary to
// per-session JSONL files.
type Collector struct {
	mu        sync.Mutex
	raw       *ring[streams.AgentEvent]
	summaries *ring[TurnSummary]
	turns     map[string]*turnBuffer

	cfg       config.CollectorConfig
	eventSink *os.File
	summSink  *os.File

	sub bus.Subscription
	log *logger.Logger
}

// New creates a collector and subscribes it to the agent event subject.
func New(b bus.EventBus, cfg config.CollectorConfig, log *logger.Logger) (*Collector, error) {
	if log == nil {
		log = logger.Default()
	}
	c := &Collector{
		raw:       newRing[streams.AgentEvent](RawRingCapacity),
		summaries: newRing[TurnSummary](SummaryRingCapacity),
		turns:     make(map[string]*turnBuffer),
		cfg:       cfg,
		log:       log,
	}
	sub, err := b.Subscribe(events.SubjectAgentEvents, c.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", events.SubjectAgentEvents, err)
	}
	c.sub = sub
	return c, nil
}

func (c *Collector) handle(_ context.Context, event *bus.Event) error {
	ev, err := events.DecodeAgentEvent(event)
	if err != nil {
		c.log.Warn("Dropping undecodable agent event",
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}
	c.collect(ev)
	return nil
}

func (c *Collector) collect(ev *streams.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.raw.push(*ev)
	c.writeJSONLocked(c.eventSink, ev)

	buf := c.turns[ev.AgentID]
	if buf == nil {
		buf = &turnBuffer{toolIdx: make(map[string]int)}
		c.turns[ev.AgentID] = buf
	}
	if ev.Team.MemberName != "" {
		buf.agentName = ev.Team.MemberName
	}

	switch ev.Type {
	case streams.EventTypeText:
		buf.text.WriteString(ev.Text)
	case streams.EventTypeToolStarted:
		buf.toolIdx[ev.ToolID] = len(buf.tools)
		buf.tools = append(buf.tools, ToolRecord{
			Name:      ev.ToolName,
			ToolID:    ev.ToolID,
			Input:     ev.ToolInput,
			StartedAt: ev.Timestamp,
		})
	case streams.EventTypeToolCompleted:
		if i, ok := buf.toolIdx[ev.ToolID]; ok {
			buf.tools[i].Output = ev.ToolOutput
			buf.tools[i].Error = ev.ToolError
			buf.tools[i].Completed = true
		} else {
			buf.tools = append(buf.tools, ToolRecord{
				Name:      ev.ToolName,
				ToolID:    ev.ToolID,
				Output:    ev.ToolOutput,
				Error:     ev.ToolError,
				Completed: true,
				StartedAt: ev.Timestamp,
			})
		}
	case streams.EventTypeError:
		msg := ev.Error
		if ev.ErrorCode != "" {
			msg = ev.ErrorCode + ": " + msg
		}
		buf.errors = append(buf.errors, msg)
	case streams.EventTypeTurnCompleted:
		summary := TurnSummary{
			AgentID:      ev.AgentID,
			AgentName:    buf.agentName,
			FinishReason: ev.FinishReason,
			Text:         buf.text.String(),
			Tools:        buf.tools,
			Errors:       buf.errors,
			Timestamp:    ev.Timestamp,
		}
		c.summaries.push(summary)
		c.writeJSONLocked(c.summSink, summary)
		delete(c.turns, ev.AgentID)
	}
}

// RecentEvents returns up to n raw events, oldest first. n <= 0 means all
// buffered.
func (c *Collector) RecentEvents(n int) []streams.AgentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw.last(n)
}

// RecentSummaries returns up to n turn summaries, oldest first. n <= 0 means
// all buffered.
func (c *Collector) RecentSummaries(n int) []TurnSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaries.last(n)
}

// AttachSession opens the JSONL sinks for a session. A no-op when
// persistence is disabled; an already attached session is closed first.
func (c *Collector) AttachSession(sessionID string) error {
	if !c.cfg.Persist {
		return nil
	}
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", c.cfg.Dir, err)
	}

	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(c.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	eventSink, err := open(sessionID + ".events.jsonl")
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	summSink, err := open(sessionID + ".summaries.jsonl")
	if err != nil {
		eventSink.Close()
		return fmt.Errorf("open summary log: %w", err)
	}

	c.mu.Lock()
	c.closeSinksLocked()
	c.eventSink = eventSink
	c.summSink = summSink
	c.mu.Unlock()

	c.log.Info("Session event logs attached",
		zap.String("session_id", sessionID),
		zap.String("dir", c.cfg.Dir))
	return nil
}

// Close unsubscribes from the bus and closes any open session sinks.
func (c *Collector) Close() error {
	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
	}
	c.mu.Lock()
	c.closeSinksLocked()
	c.mu.Unlock()
	return err
}

func (c *Collector) closeSinksLocked() {
	if c.eventSink != nil {
		c.eventSink.Close()
		c.eventSink = nil
	}
	if c.summSink != nil {
		c.summSink.Close()
		c.summSink = nil
	}
}

// writeJSONLocked appends one JSON line. Write failures are logged, never
// raised: losing a log line must not affect collection.
func (c *Collector) writeJSONLocked(sink *os.File, v any) {
	if sink == nil {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("Failed to encode log record", zap.Error(err))
		return
	}
	line = append(line, '\n')
	if _, err := sink.Write(line); err != nil {
		c.log.Warn("Failed to append log record",
			zap.String("file", sink.Name()),
			zap.Error(err))
	}
}
