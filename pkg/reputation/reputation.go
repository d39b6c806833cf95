// Package reputation defines the core's cost/benefit vocabulary and the
// RecentlyOutdated suppression window that keeps finality races from
// producing false-positive penalties (spec §4.6).
package reputation

import (
	"container/list"
	"sync"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/subject"
)

// Predefined reputation changes, one per spec §4.6 row. Reason strings
// mirror the wording validators actually see in logs/reports.
var (
	UnexpectedMessage = collab.ReputationChange{
		Kind: collab.CostMinor, Code: "COST_UNEXPECTED_MESSAGE",
		Reason: "peer sent an out-of-view assignment or approval",
	}
	DuplicateMessage = collab.ReputationChange{
		Kind: collab.CostMinorRepeated, Code: "COST_DUPLICATE_MESSAGE",
		Reason: "peer re-sent a subject it already sent us",
	}
	AssignmentTooFarInFuture = collab.ReputationChange{
		Kind: collab.CostMinor, Code: "COST_ASSIGNMENT_TOO_FAR_IN_THE_FUTURE",
		Reason: "verifier reports a future assignment",
	}
	InvalidMessage = collab.ReputationChange{
		Kind: collab.CostMajor, Code: "COST_INVALID_MESSAGE",
		Reason: "verifier rejected the message",
	}
	ValidMessage = collab.ReputationChange{
		Kind: collab.BenefitMinor, Code: "BENEFIT_VALID_MESSAGE",
		Reason: "re-send of a valid known message",
	}
	ValidMessageFirst = collab.ReputationChange{
		Kind: collab.BenefitMinorFirst, Code: "BENEFIT_VALID_MESSAGE_FIRST",
		Reason: "new valid message with novel information",
	}
)

// suppressible reports whether change's code is one of the two spec §4.6
// singles out for suppression against RecentlyOutdated: out-of-view
// messages and duplicates can both be produced in bulk by a finalization
// race, and penalizing them would be a false positive.
func suppressible(change collab.ReputationChange) bool {
	return change.Code == UnexpectedMessage.Code || change.Code == DuplicateMessage.Code
}

// recentCap is RecentlyOutdated's fixed capacity (spec §3, P6).
const recentCap = 20

// RecentlyOutdated is a bounded FIFO of recently-finalized block hashes,
// consulted to suppress reputation penalties for messages about blocks that
// were just pruned out from under a concurrent import. Safe for concurrent
// use.
type RecentlyOutdated struct {
	mu    sync.RWMutex
	order *list.List // front = oldest
	set   map[subject.BlockHash]*list.Element
}

// NewRecentlyOutdated returns an empty RecentlyOutdated window.
func NewRecentlyOutdated() *RecentlyOutdated {
	return &RecentlyOutdated{
		order: list.New(),
		set:   make(map[subject.BlockHash]*list.Element),
	}
}

// NoteOutdated records hash as just-finalized/pruned, evicting the oldest
// entry once the window exceeds its capacity. Satisfies P6: after any
// sequence of calls, exactly the most recent min(n, 20) hashes are held.
func (r *RecentlyOutdated) NoteOutdated(hash subject.BlockHash) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.set[hash]; exists {
		return
	}
	el := r.order.PushBack(hash)
	r.set[hash] = el

	for r.order.Len() > recentCap {
		front := r.order.Front()
		r.order.Remove(front)
		delete(r.set, front.Value.(subject.BlockHash))
	}
}

// IsRecentlyOutdated reports whether hash was noted outdated within the
// current 20-entry window.
func (r *RecentlyOutdated) IsRecentlyOutdated(hash subject.BlockHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.set[hash]
	return ok
}

// Len reports how many hashes the window currently holds (<= 20).
func (r *RecentlyOutdated) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Len()
}

// Reporter issues reputation changes to the network bridge, applying the
// RecentlyOutdated suppression rule from spec §4.6. It is the only path by
// which the core calls NetworkBridge.ReportPeer, so the suppression rule
// can never be bypassed.
type Reporter struct {
	bridge    collab.NetworkBridge
	outdated  *RecentlyOutdated
	onReport  func(change collab.ReputationChange) // metrics hook, may be nil
}

// NewReporter builds a Reporter. onReport is called (if non-nil) for every
// change that is actually sent, after suppression; use it to drive metrics.
func NewReporter(bridge collab.NetworkBridge, outdated *RecentlyOutdated, onReport func(collab.ReputationChange)) *Reporter {
	return &Reporter{bridge: bridge, outdated: outdated, onReport: onReport}
}

// Report sends change for peer unless it is suppressible and refersBlock is
// in the RecentlyOutdated window. Returns true iff the change was actually
// sent (useful for tests asserting P7's "one reputation change" property).
func (r *Reporter) Report(peer collab.PeerID, change collab.ReputationChange, refersBlock subject.BlockHash) bool {
	if suppressible(change) && r.outdated.IsRecentlyOutdated(refersBlock) {
		return false
	}
	r.bridge.ReportPeer(peer, change)
	if r.onReport != nil {
		r.onReport(change)
	}
	return true
}
