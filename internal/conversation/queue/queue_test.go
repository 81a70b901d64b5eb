package queue

import (
	"testing"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
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

func names(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.TargetMemberID
	}
	return out
}

func drain(q *Queue) []string {
	var order []string
	for {
		item := q.SelectNext()
		if item == nil {
			return order
		}
		order = append(order, item.TargetMemberID)
	}
}

func TestQueue_EnqueueAndSelect(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	res := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(res.Enqueued) != 1 || len(res.Skipped) != 0 {
		t.Fatalf("Expected 1 enqueued and 0 skipped, got %d/%d", len(res.Enqueued), len(res.Skipped))
	}
	if q.Size() != 1 {
		t.Errorf("Expected size 1, got %d", q.Size())
	}

	item := q.SelectNext()
	if item == nil {
		t.Fatal("Expected an item")
	}
	if item.TargetMemberID != "bob" {
		t.Errorf("Expected bob, got %s", item.TargetMemberID)
	}
	if item.ParentMessageID != "m1" || item.TriggerMessageID != "m1" {
		t.Errorf("Expected parent and trigger m1, got %s/%s", item.ParentMessageID, item.TriggerMessageID)
	}
	if item.ID == "" {
		t.Error("Expected a generated item id")
	}
	if !q.IsEmpty() {
		t.Error("Expected empty queue after select")
	}
}

func TestQueue_SelectNextEmpty(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))
	if item := q.SelectNext(); item != nil {
		t.Errorf("Expected nil from empty queue, got %+v", item)
	}
}

func TestQueue_DefaultIntent(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))
	res := q.Enqueue("m1", []Request{{TargetMemberID: "bob"}})
	if len(res.Enqueued) != 1 {
		t.Fatalf("Expected 1 enqueued, got %d", len(res.Enqueued))
	}
	if res.Enqueued[0].Intent != IntentP2Reply {
		t.Errorf("Expected default intent %s, got %s", IntentP2Reply, res.Enqueued[0].Intent)
	}
}

func TestQueue_FIFOWithinIntent(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "bob", Intent: IntentP2Reply},
		{TargetMemberID: "carol", Intent: IntentP2Reply},
		{TargetMemberID: "dave", Intent: IntentP2Reply},
	})

	got := drain(q)
	want := []string{"bob", "carol", "dave"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d selections, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Selection %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestQueue_P1Preemption(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "bob", Intent: IntentP2Reply},
		{TargetMemberID: "carol", Intent: IntentP2Reply},
	})
	q.Enqueue("m2", []Request{
		{TargetMemberID: "dave", Intent: IntentP1Interrupt},
	})

	item := q.SelectNext()
	if item == nil || item.TargetMemberID != "dave" {
		t.Fatalf("Expected dave to preempt, got %+v", item)
	}

	remaining := names(q.Peek())
	if len(remaining) != 2 || remaining[0] != "bob" || remaining[1] != "carol" {
		t.Errorf("Expected bob and carol to remain queued, got %v", remaining)
	}
}

func TestQueue_P2BeforeP3(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "bob", Intent: IntentP3Extend},
		{TargetMemberID: "carol", Intent: IntentP2Reply},
	})

	item := q.SelectNext()
	if item == nil || item.TargetMemberID != "carol" {
		t.Fatalf("Expected P2 carol before P3 bob, got %+v", item)
	}
}

func TestQueue_GlobalDedup(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	first := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(first.Enqueued) != 1 {
		t.Fatalf("Expected first enqueue to land, got %+v", first)
	}

	second := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(second.Enqueued) != 0 || len(second.Skipped) != 1 {
		t.Fatalf("Expected second enqueue skipped, got %+v", second)
	}
	if second.Skipped[0].Reason != SkipDuplicate {
		t.Errorf("Expected reason %s, got %s", SkipDuplicate, second.Skipped[0].Reason)
	}
	if q.Size() != 1 {
		t.Errorf("Expected exactly one queued item, got %d", q.Size())
	}
}

func TestQueue_AdjacentDedup(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})

	// Different parent, so the global dedup key differs; the adjacent check
	// still rejects a back-to-back route to the same member.
	res := q.Enqueue("m2", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipAdjacentDuplicate {
		t.Fatalf("Expected adjacent_duplicate skip, got %+v", res)
	}
	if q.Size() != 1 {
		t.Errorf("Expected one queued item, got %d", q.Size())
	}
}

func TestQueue_DedupKeySurvivesDequeue(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if item := q.SelectNext(); item == nil {
		t.Fatal("Expected an item")
	}

	// The same causal route stays deduped after it was served.
	res := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipDuplicate {
		t.Fatalf("Expected duplicate skip after dequeue, got %+v", res)
	}
}

func TestQueue_BranchDemotion(t *testing.T) {
	var protections []ProtectionEvent
	hooks := Hooks{
		OnProtection: func(ev ProtectionEvent) { protections = append(protections, ev) },
	}
	q := New(Config{MaxBranchSize: 3}, nil, hooks, newTestLogger(t))

	res := q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP1Interrupt},
		{TargetMemberID: "b", Intent: IntentP1Interrupt},
		{TargetMemberID: "c", Intent: IntentP1Interrupt},
		{TargetMemberID: "d", Intent: IntentP1Interrupt},
	})

	if len(res.Enqueued) != 4 {
		t.Fatalf("Expected all 4 items queued (demotion never drops), got %d", len(res.Enqueued))
	}
	for i := 0; i < 3; i++ {
		if res.Enqueued[i].Intent != IntentP1Interrupt {
			t.Errorf("Item %d: expected P1 to survive, got %s", i, res.Enqueued[i].Intent)
		}
	}
	if res.Enqueued[3].Intent != IntentP3Extend {
		t.Errorf("Item 4: expected demotion to %s, got %s", IntentP3Extend, res.Enqueued[3].Intent)
	}

	if len(protections) != 1 {
		t.Fatalf("Expected 1 protection event, got %d", len(protections))
	}
	if protections[0].Kind != ProtectionBranchOverflow {
		t.Errorf("Expected kind %s, got %s", ProtectionBranchOverflow, protections[0].Kind)
	}
	if protections[0].TargetMemberID != "d" {
		t.Errorf("Expected protection to name d, got %s", protections[0].TargetMemberID)
	}
}

func TestQueue_DemotedIntentFormsDedupKey(t *testing.T) {
	q := New(Config{MaxBranchSize: 2}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP2Reply},
		{TargetMemberID: "b", Intent: IntentP2Reply},
	})

	// Both requests demote to P3 at the branch cap, so the second lands on
	// the first's dedup key.
	first := q.Enqueue("m1", []Request{{TargetMemberID: "c", Intent: IntentP1Interrupt}})
	if len(first.Enqueued) != 1 || first.Enqueued[0].Intent != IntentP3Extend {
		t.Fatalf("Expected demoted enqueue, got %+v", first)
	}
	second := q.Enqueue("m1", []Request{{TargetMemberID: "c", Intent: IntentP1Interrupt}})
	if len(second.Skipped) != 1 || second.Skipped[0].Reason != SkipDuplicate {
		t.Fatalf("Expected duplicate on demoted key, got %+v", second)
	}
}

func TestQueue_QueueCap(t *testing.T) {
	var protections []ProtectionEvent
	hooks := Hooks{
		OnProtection: func(ev ProtectionEvent) { protections = append(protections, ev) },
	}
	lookup := func(id string) (string, bool) { return "Member " + id, true }
	q := New(Config{MaxQueueSize: 2}, lookup, hooks, newTestLogger(t))

	res := q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP2Reply},
		{TargetMemberID: "b", Intent: IntentP2Reply},
		{TargetMemberID: "c", Intent: IntentP2Reply},
	})

	if len(res.Enqueued) != 2 {
		t.Fatalf("Expected 2 enqueued, got %d", len(res.Enqueued))
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != SkipQueueOverflow {
		t.Fatalf("Expected queue_overflow skip, got %+v", res.Skipped)
	}

	before := names(q.Peek())
	if len(before) != 2 || before[0] != "a" || before[1] != "b" {
		t.Errorf("Expected queue unchanged as [a b], got %v", before)
	}

	if len(protections) != 1 || protections[0].Kind != ProtectionQueueOverflow {
		t.Fatalf("Expected one queue_overflow protection event, got %+v", protections)
	}
	if protections[0].TargetName != "Member c" {
		t.Errorf("Expected lookup-resolved name, got %q", protections[0].TargetName)
	}
}

func TestQueue_LocalContinuation(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	q.Enqueue("m2", []Request{{TargetMemberID: "carol", Intent: IntentP2Reply}})
	q.MarkCompleted("m2")

	// carol continues the last completed message and wins over older bob.
	first := q.SelectNext()
	if first == nil || first.TargetMemberID != "carol" {
		t.Fatalf("Expected carol first, got %+v", first)
	}
	second := q.SelectNext()
	if second == nil || second.TargetMemberID != "bob" {
		t.Fatalf("Expected bob second, got %+v", second)
	}
}

func TestQueue_AntiStarvation(t *testing.T) {
	q := New(Config{MaxLocalSeq: 2}, nil, Hooks{}, newTestLogger(t))

	q.MarkCompleted("m1")
	q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP2Reply},
		{TargetMemberID: "b", Intent: IntentP2Reply},
		{TargetMemberID: "c", Intent: IntentP2Reply},
	})
	q.Enqueue("m2", []Request{{TargetMemberID: "z", Intent: IntentP2Reply}})

	got := drain(q)
	// Two local picks exhaust the window, the third pick must leave the
	// local set, then the window reopens.
	want := []string{"a", "b", "z", "c"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestQueue_P1ResetsLocalCounter(t *testing.T) {
	q := New(Config{MaxLocalSeq: 1}, nil, Hooks{}, newTestLogger(t))

	q.MarkCompleted("m1")
	q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP2Reply},
		{TargetMemberID: "b", Intent: IntentP2Reply},
	})
	q.Enqueue("m2", []Request{{TargetMemberID: "z", Intent: IntentP2Reply}})
	q.Enqueue("m3", []Request{{TargetMemberID: "p", Intent: IntentP1Interrupt}})

	got := drain(q)
	// P1 wins outright and resets the window, so a local pick follows, then
	// the exhausted window forces the global z before local b.
	want := []string{"p", "a", "z", "b"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected order %v, got %v", want, got)
		}
	}
}

func TestQueue_MarkCompletedSurvivesClear(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "a", Intent: IntentP2Reply}})
	q.MarkCompleted("m1")
	q.Clear()

	if q.Size() != 0 {
		t.Fatalf("Expected empty queue after clear, got %d", q.Size())
	}

	q.Enqueue("m9", []Request{{TargetMemberID: "x", Intent: IntentP2Reply}})
	q.Enqueue("m1", []Request{{TargetMemberID: "y", Intent: IntentP2Reply}})

	// The local preference for m1 children proves the completion marker
	// survived the clear.
	item := q.SelectNext()
	if item == nil || item.TargetMemberID != "y" {
		t.Fatalf("Expected y (child of retained m1), got %+v", item)
	}
}

func TestQueue_ClearEmptiesDedup(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	q.Clear()

	res := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(res.Enqueued) != 1 {
		t.Fatalf("Expected re-enqueue after clear to land, got %+v", res)
	}
}

func TestQueue_RemoveByTarget(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "bob", Intent: IntentP2Reply},
		{TargetMemberID: "carol", Intent: IntentP2Reply},
	})
	q.Enqueue("m2", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})

	removed := q.RemoveByTarget("bob")
	if removed != 2 {
		t.Fatalf("Expected 2 removed, got %d", removed)
	}

	remaining := names(q.Peek())
	if len(remaining) != 1 || remaining[0] != "carol" {
		t.Errorf("Expected only carol to remain, got %v", remaining)
	}

	// The dedup set was rebuilt from the remainder, so bob's old keys are gone.
	res := q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if len(res.Enqueued) != 1 {
		t.Fatalf("Expected bob re-enqueue after removal to land, got %+v", res)
	}

	if got := q.RemoveByTarget("nobody"); got != 0 {
		t.Errorf("Expected 0 removed for unknown member, got %d", got)
	}
}

func TestQueue_Stats(t *testing.T) {
	q := New(Config{}, nil, Hooks{}, newTestLogger(t))

	q.Enqueue("m1", []Request{
		{TargetMemberID: "a", Intent: IntentP1Interrupt},
		{TargetMemberID: "b", Intent: IntentP2Reply},
		{TargetMemberID: "c", Intent: IntentP3Extend},
	})
	q.Enqueue("m2", []Request{{TargetMemberID: "d", Intent: IntentP2Reply}})
	q.MarkCompleted("m1")

	s := q.Stats()
	if s.TotalPending != 4 {
		t.Errorf("Expected 4 pending, got %d", s.TotalPending)
	}
	if s.ByIntent.P1 != 1 || s.ByIntent.P2 != 2 || s.ByIntent.P3 != 1 {
		t.Errorf("Expected intent counts 1/2/1, got %d/%d/%d", s.ByIntent.P1, s.ByIntent.P2, s.ByIntent.P3)
	}
	if s.LocalQueueSize != 3 {
		t.Errorf("Expected local queue size 3 (children of m1), got %d", s.LocalQueueSize)
	}
}

func TestQueue_UpdateHookFiresOnlyWhenLanded(t *testing.T) {
	updates := 0
	hooks := Hooks{
		OnUpdated: func(items []Item) { updates++ },
	}
	q := New(Config{}, nil, hooks, newTestLogger(t))

	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if updates != 1 {
		t.Fatalf("Expected 1 update after first enqueue, got %d", updates)
	}

	// Entirely deduplicated batch: no observable change, no update.
	q.Enqueue("m1", []Request{{TargetMemberID: "bob", Intent: IntentP2Reply}})
	if updates != 1 {
		t.Fatalf("Expected no update for fully skipped batch, got %d", updates)
	}

	q.SelectNext()
	if updates != 2 {
		t.Fatalf("Expected update after dequeue, got %d", updates)
	}

	// Clearing an already empty queue changes nothing.
	q.Clear()
	if updates != 2 {
		t.Fatalf("Expected no update for empty clear, got %d", updates)
	}

	q.Enqueue("m2", []Request{{TargetMemberID: "carol", Intent: IntentP2Reply}})
	q.Clear()
	if updates != 4 {
		t.Fatalf("Expected updates for enqueue and non-empty clear, got %d", updates)
	}
}
