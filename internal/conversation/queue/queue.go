// Package queue implements the routing queue that schedules which member
// speaks next. Items are served in intent order (P1 preempts, P2 before P3)
// with FIFO ordering inside an intent class, a bounded local-continuation
// window for anti-starvation, dedup of repeated routes, and overflow
// protection that demotes rather than drops branch floods.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TestAny-io/agent-chatter-sub000/internal/common/logger"
)

// Intent classifies how urgently a routing item should be served.
type Intent string

const (
	// IntentP1Interrupt preempts everything else in the queue.
	IntentP1Interrupt Intent = "P1_INTERRUPT"
	// IntentP2Reply is the default conversational reply intent.
	IntentP2Reply Intent = "P2_REPLY"
	// IntentP3Extend is extension work, served after replies. Branch
	// overflow demotes items to this intent.
	IntentP3Extend Intent = "P3_EXTEND"
)

// rank orders intents for selection. Lower is served first.
func (i Intent) rank() int {
	switch i {
	case IntentP1Interrupt:
		return 0
	case IntentP3Extend:
		return 2
	default:
		return 1
	}
}

// Item is one pending route: "member X should speak in response to message Y".
type Item struct {
	ID               string
	TargetMemberID   string
	ParentMessageID  string
	TriggerMessageID string
	Intent           Intent
	EnqueuedAt       time.Time
}

// Request is one entry of an enqueue batch.
type Request struct {
	TargetMemberID string
	Intent         Intent
	// TriggerMessageID optionally overrides the trigger; it defaults to the
	// parent message id. Fallback routes set it to the message that actually
	// caused the route.
	TriggerMessageID string
}

// SkipReason explains why an enqueue request was not queued.
type SkipReason string

const (
	// SkipDuplicate means the (parent, member, intent) route is already known.
	SkipDuplicate SkipReason = "duplicate"
	// SkipAdjacentDuplicate means the last queued item already targets the member.
	SkipAdjacentDuplicate SkipReason = "adjacent_duplicate"
	// SkipQueueOverflow means the queue is at capacity.
	SkipQueueOverflow SkipReason = "queue_overflow"
)

// Skip records one skipped enqueue request.
type Skip struct {
	TargetMemberID string
	Intent         Intent
	Reason         SkipReason
}

// EnqueueResult reports which requests of a batch were queued and which were skipped.
type EnqueueResult struct {
	Enqueued []Item
	Skipped  []Skip
}

// Protection event kinds.
const (
	ProtectionQueueOverflow  = "queue_overflow"
	ProtectionBranchOverflow = "branch_overflow"
)

// ProtectionEvent describes a queue self-protection action.
type ProtectionEvent struct {
	Kind            string
	TargetMemberID  string
	TargetName      string
	ParentMessageID string
	QueueSize       int
}

// IntentCounts holds per-intent pending counts.
type IntentCounts struct {
	P1 int
	P2 int
	P3 int
}

// Stats is a point-in-time snapshot of queue composition.
type Stats struct {
	ByIntent     IntentCounts
	TotalPending int
	// LocalQueueSize counts items whose parent is the last completed message.
	LocalQueueSize int
}

// MemberLookup resolves a member id to a display name. Injected by the
// coordinator so queue events can carry readable names without the queue
// holding a team reference.
type MemberLookup func(memberID string) (name string, ok bool)

// Hooks are optional observer callbacks. They are invoked outside the queue
// lock, so handlers may call back into the queue.
type Hooks struct {
	// OnUpdated fires after every mutation that changes the observable
	// queue: an enqueue that landed at least one item, a dequeue, a clear,
	// a remove.
	OnUpdated func(items []Item)
	// OnProtection fires when the queue drops or demotes for self-protection.
	OnProtection func(ev ProtectionEvent)
}

// Config bounds queue growth.
type Config struct {
	MaxQueueSize  int // total pending items; exceeding drops with queue_overflow
	MaxBranchSize int // items per parent message; exceeding demotes to P3
	MaxLocalSeq   int // consecutive local-continuation picks before going global
}

// Defaults for zero Config fields.
const (
	DefaultMaxQueueSize  = 50
	DefaultMaxBranchSize = 10
	DefaultMaxLocalSeq   = 5
)

// Queue is the routing queue. All methods are safe for concurrent use,
// though the coordinator is the only writer in practice.
type Queue struct {
	mu                 sync.Mutex
	items              []*Item
	dedupe             map[string]struct{}
	lastCompletedMsgID string
	localSeqCount      int

	cfg    Config
	lookup MemberLookup
	hooks  Hooks
	log    *logger.Logger
}

// New creates a routing queue. Zero config fields take the package defaults.
func New(cfg Config, lookup MemberLookup, hooks Hooks, log *logger.Logger) *Queue {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.MaxBranchSize <= 0 {
		cfg.MaxBranchSize = DefaultMaxBranchSize
	}
	if cfg.MaxLocalSeq <= 0 {
		cfg.MaxLocalSeq = DefaultMaxLocalSeq
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	if log == nil {
		log = logger.Default()
	}
	return &Queue{
		dedupe: make(map[string]struct{}),
		cfg:    cfg,
		lookup: lookup,
		hooks:  hooks,
		log:    log,
	}
}

// Enqueue adds a batch of routing requests under one parent message.
//
// Per request, in order: capacity check (drop with queue_overflow), branch
// cap (demote to P3_EXTEND, never drop), dedup on the possibly-demoted key,
// adjacent dedup against the current tail, then append. The update hook
// fires iff at least one item landed.
func (q *Queue) Enqueue(parentMessageID string, reqs []Request) EnqueueResult {
	var result EnqueueResult
	var protections []ProtectionEvent

	q.mu.Lock()
	for _, req := range reqs {
		intent := req.Intent
		if intent == "" {
			intent = IntentP2Reply
		}
		trigger := req.TriggerMessageID
		if trigger == "" {
			trigger = parentMessageID
		}

		item := Item{
			ID:               uuid.New().String(),
			TargetMemberID:   req.TargetMemberID,
			ParentMessageID:  parentMessageID,
			TriggerMessageID: trigger,
			Intent:           intent,
			EnqueuedAt:       time.Now(),
		}

		// Capacity check comes before dedup: a full queue rejects even
		// routes it has never seen.
		if len(q.items) >= q.cfg.MaxQueueSize {
			result.Skipped = append(result.Skipped, Skip{
				TargetMemberID: item.TargetMemberID,
				Intent:         item.Intent,
				Reason:         SkipQueueOverflow,
			})
			protections = append(protections, q.protectionLocked(ProtectionQueueOverflow, &item))
			continue
		}

		// Branch cap demotes instead of dropping so a flood of [NEXT]
		// mentions under one message degrades to background work.
		if q.branchSizeLocked(parentMessageID) >= q.cfg.MaxBranchSize {
			item.Intent = IntentP3Extend
			protections = append(protections, q.protectionLocked(ProtectionBranchOverflow, &item))
		}

		key := dedupeKey(item.ParentMessageID, item.TargetMemberID, item.Intent)
		if _, seen := q.dedupe[key]; seen {
			result.Skipped = append(result.Skipped, Skip{
				TargetMemberID: item.TargetMemberID,
				Intent:         item.Intent,
				Reason:         SkipDuplicate,
			})
			continue
		}

		if n := len(q.items); n > 0 && q.items[n-1].TargetMemberID == item.TargetMemberID {
			result.Skipped = append(result.Skipped, Skip{
				TargetMemberID: item.TargetMemberID,
				Intent:         item.Intent,
				Reason:         SkipAdjacentDuplicate,
			})
			continue
		}

		q.items = append(q.items, &item)
		q.dedupe[key] = struct{}{}
		result.Enqueued = append(result.Enqueued, item)
	}

	var snapshot []Item
	if len(result.Enqueued) > 0 {
		snapshot = q.snapshotLocked()
	}
	q.mu.Unlock()

	for _, ev := range protections {
		q.fireProtection(ev)
	}
	if snapshot != nil {
		q.fireUpdated(snapshot)
	}
	return result
}

// SelectNext removes and returns the next item to serve, or nil when empty.
//
// Phase 1: any P1_INTERRUPT item preempts, oldest first, and resets the
// local-continuation counter. Phase 2: while the counter is below
// MaxLocalSeq, items continuing the last completed message are preferred,
// ordered P2 before P3 then by age. Phase 3: pick from the rest of the queue
// by the same order (falling back to local items when nothing else is
// pending), resetting the counter.
func (q *Queue) SelectNext() *Item {
	q.mu.Lock()
	item := q.selectNextLocked()
	var snapshot []Item
	if item != nil {
		snapshot = q.snapshotLocked()
	}
	q.mu.Unlock()

	if item != nil {
		q.fireUpdated(snapshot)
	}
	return item
}

func (q *Queue) selectNextLocked() *Item {
	if len(q.items) == 0 {
		return nil
	}

	// Phase 1: global P1 preemption, oldest first.
	best := -1
	for i, it := range q.items {
		if it.Intent != IntentP1Interrupt {
			continue
		}
		if best == -1 || it.EnqueuedAt.Before(q.items[best].EnqueuedAt) {
			best = i
		}
	}
	if best >= 0 {
		q.localSeqCount = 0
		return q.removeAtLocked(best)
	}

	// Phase 2: local continuation of the last completed message.
	if q.lastCompletedMsgID != "" && q.localSeqCount < q.cfg.MaxLocalSeq {
		best = -1
		for i, it := range q.items {
			if it.ParentMessageID != q.lastCompletedMsgID {
				continue
			}
			if best == -1 || itemLess(it, q.items[best]) {
				best = i
			}
		}
		if best >= 0 {
			q.localSeqCount++
			return q.removeAtLocked(best)
		}
	}

	// Phase 3: global pick, preferring items outside the local set so the
	// continuation window cannot starve other branches.
	q.localSeqCount = 0
	best = -1
	for i, it := range q.items {
		if q.lastCompletedMsgID != "" && it.ParentMessageID == q.lastCompletedMsgID {
			continue
		}
		if best == -1 || itemLess(it, q.items[best]) {
			best = i
		}
	}
	if best == -1 {
		// Only local items remain.
		best = 0
		for i := 1; i < len(q.items); i++ {
			if itemLess(q.items[i], q.items[best]) {
				best = i
			}
		}
	}
	return q.removeAtLocked(best)
}

// itemLess orders by intent class then age. Ties keep scan order, which
// preserves FIFO for identical intents even on equal timestamps.
func itemLess(a, b *Item) bool {
	if ra, rb := a.Intent.rank(), b.Intent.rank(); ra != rb {
		return ra < rb
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// removeAtLocked removes items[i] and returns it. The dedup key is kept:
// re-enqueueing the same route after it was served would re-trigger the
// same causal edge, which is exactly the loop dedup exists to break.
func (q *Queue) removeAtLocked(i int) *Item {
	item := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return item
}

// MarkCompleted records the message whose routed turn just finished. The
// next SelectNext treats that message's children as the local set. The value
// survives Clear.
func (q *Queue) MarkCompleted(messageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastCompletedMsgID = messageID
}

// Size returns the number of pending items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether no items are pending.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Peek returns a copy of the pending items in queue order.
func (q *Queue) Peek() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Clear empties the queue and the dedup set and zeroes the local counter.
// The last completed message id is preserved.
func (q *Queue) Clear() {
	q.mu.Lock()
	changed := len(q.items) > 0
	q.items = nil
	q.dedupe = make(map[string]struct{})
	q.localSeqCount = 0
	var snapshot []Item
	if changed {
		snapshot = q.snapshotLocked()
	}
	q.mu.Unlock()

	if changed {
		q.fireUpdated(snapshot)
	}
}

// RemoveByTarget drops every pending item for a member, rebuilds the dedup
// set from the remainder, and zeroes the local counter. Returns the number
// of items removed.
func (q *Queue) RemoveByTarget(memberID string) int {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.TargetMemberID == memberID {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil // avoid memory leak
	}
	q.items = kept

	var snapshot []Item
	if removed > 0 {
		q.dedupe = make(map[string]struct{}, len(q.items))
		for _, it := range q.items {
			q.dedupe[dedupeKey(it.ParentMessageID, it.TargetMemberID, it.Intent)] = struct{}{}
		}
		q.localSeqCount = 0
		snapshot = q.snapshotLocked()
	}
	q.mu.Unlock()

	if removed > 0 {
		q.fireUpdated(snapshot)
	}
	return removed
}

// Stats returns a snapshot of queue composition.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	s.TotalPending = len(q.items)
	for _, it := range q.items {
		switch it.Intent {
		case IntentP1Interrupt:
			s.ByIntent.P1++
		case IntentP3Extend:
			s.ByIntent.P3++
		default:
			s.ByIntent.P2++
		}
		if q.lastCompletedMsgID != "" && it.ParentMessageID == q.lastCompletedMsgID {
			s.LocalQueueSize++
		}
	}
	return s
}

func (q *Queue) branchSizeLocked(parentMessageID string) int {
	n := 0
	for _, it := range q.items {
		if it.ParentMessageID == parentMessageID {
			n++
		}
	}
	return n
}

func (q *Queue) snapshotLocked() []Item {
	snapshot := make([]Item, len(q.items))
	for i, it := range q.items {
		snapshot[i] = *it
	}
	return snapshot
}

func (q *Queue) protectionLocked(kind string, item *Item) ProtectionEvent {
	name, _ := q.lookup(item.TargetMemberID)
	return ProtectionEvent{
		Kind:            kind,
		TargetMemberID:  item.TargetMemberID,
		TargetName:      name,
		ParentMessageID: item.ParentMessageID,
		QueueSize:       len(q.items),
	}
}

func (q *Queue) fireProtection(ev ProtectionEvent) {
	q.log.Warn("Queue protection triggered",
		zap.String("kind", ev.Kind),
		zap.String("target_member_id", ev.TargetMemberID),
		zap.String("parent_message_id", ev.ParentMessageID),
		zap.Int("queue_size", ev.QueueSize))
	if q.hooks.OnProtection != nil {
		q.hooks.OnProtection(ev)
	}
}

func (q *Queue) fireUpdated(items []Item) {
	if q.hooks.OnUpdated != nil {
		q.hooks.OnUpdated(items)
	}
}

func dedupeKey(parentMessageID, targetMemberID string, intent Intent) string {
	return parentMessageID + ":" + targetMemberID + ":" + string(intent)
}
