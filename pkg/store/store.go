// Package store owns the unfinalized block/candidate state: one BlockEntry
// per block in view, each with a dense per-candidate message table and a
// per-peer knowledge map. It is the core's only owner of this state (spec
// §3 "Ownership"); routing and aggression mutate it through the accessors
// here rather than reaching into its fields directly from other packages
// where avoidable.
package store

import (
	"sort"
	"sync"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/metrics"
	"github.com/parastream/approvaldist/pkg/reputation"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

// ApprovalStateTag distinguishes the two states a validator's message can be
// in for one candidate.
type ApprovalStateTag uint8

const (
	// StateAssigned means we hold an assignment certificate only.
	StateAssigned ApprovalStateTag = iota
	// StateApproved means we additionally hold a valid approval signature.
	StateApproved
)

// ApprovalState is the tagged Assigned/Approved variant from spec §3.
type ApprovalState struct {
	Tag       ApprovalStateTag
	Cert      collab.AssignmentCert
	Signature collab.ApprovalSignature // zero value unless Tag == StateApproved
}

// MessageState is the per-validator routing state for one candidate (spec
// §3 "MessageState").
type MessageState struct {
	Approval        ApprovalState
	RequiredRouting topology.RequiredRouting
	Local           bool // did this validator originate the message at us?
	RandomRouting   topology.RandomRouting
}

// Upgrade transitions Assigned -> Approved in place, preserving
// RequiredRouting, Local, and RandomRouting across the transition (spec
// §4.3 step 3). It is a no-op if already Approved.
func (m *MessageState) Upgrade(sig collab.ApprovalSignature) {
	if m.Approval.Tag == StateApproved {
		return
	}
	m.Approval.Tag = StateApproved
	m.Approval.Signature = sig
}

// CandidateEntry maps a validator index to its MessageState for one
// candidate (spec §3 "CandidateEntry").
type CandidateEntry map[subject.ValidatorIndex]*MessageState

// PeerKnowledge holds the two knowledge ledgers the spec defines per peer
// per block: what we sent that peer, and what that peer sent us.
// Membership tests use the union of the two (spec §3).
type PeerKnowledge struct {
	Sent     *subject.Knowledge
	Received *subject.Knowledge
}

// NewPeerKnowledge returns an empty PeerKnowledge pair.
func NewPeerKnowledge() *PeerKnowledge {
	return &PeerKnowledge{Sent: subject.NewKnowledge(), Received: subject.NewKnowledge()}
}

// ContainsUnion reports whether either ledger records at least kind for s.
func (pk *PeerKnowledge) ContainsUnion(s subject.Subject, kind subject.Kind) bool {
	return pk.Sent.Contains(s, kind) || pk.Received.Contains(s, kind)
}

// BlockEntry is one block in view (spec §3 "BlockEntry").
type BlockEntry struct {
	Hash       subject.BlockHash
	Number     uint64
	ParentHash subject.BlockHash
	Session    uint64

	// Knowledge is what we ourselves know about this block's subjects.
	Knowledge *subject.Knowledge

	// Candidates is a dense vector indexed by candidate index.
	Candidates []CandidateEntry

	// KnownBy names every peer aware of this block, with what we've sent to
	// / received from them about it.
	KnownBy map[collab.PeerID]*PeerKnowledge
}

// Candidate returns the CandidateEntry for idx, creating it on first
// access. The vector is sized by NewBlocks; an idx at or beyond that size
// returns nil and nothing is created.
func (b *BlockEntry) Candidate(idx subject.CandidateIndex) CandidateEntry {
	if int(idx) >= len(b.Candidates) {
		return nil
	}
	if b.Candidates[idx] == nil {
		b.Candidates[idx] = make(CandidateEntry)
	}
	return b.Candidates[idx]
}

// CandidateAt returns the CandidateEntry for idx without creating one,
// unlike Candidate. Used by read-only lookups (e.g. answering a signature
// query) that must not fabricate state for a candidate index nobody has
// touched yet.
func (b *BlockEntry) CandidateAt(idx subject.CandidateIndex) CandidateEntry {
	if int(idx) >= len(b.Candidates) {
		return nil
	}
	return b.Candidates[idx]
}

// KnownPeers returns the set of peers aware of this block, excluding
// exclude if non-empty (spec §4.3 step 4).
func (b *BlockEntry) KnownPeers(exclude collab.PeerID) []collab.PeerID {
	out := make([]collab.PeerID, 0, len(b.KnownBy))
	for p := range b.KnownBy {
		if p == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PeerKnowledgeFor returns peer's PeerKnowledge for this block, creating an
// empty one on first access.
func (b *BlockEntry) PeerKnowledgeFor(peer collab.PeerID) *PeerKnowledge {
	pk, ok := b.KnownBy[peer]
	if !ok {
		pk = NewPeerKnowledge()
		b.KnownBy[peer] = pk
	}
	return pk
}

// Store is the exclusive owner of unfinalized block/candidate state, peer
// views, and the RecentlyOutdated suppression window (spec §3
// "Ownership").
type Store struct {
	mu sync.Mutex

	blocksByNumber map[uint64]map[subject.BlockHash]struct{}
	blocks         map[subject.BlockHash]*BlockEntry
	peerViews      map[collab.PeerID]collab.View

	outdated *reputation.RecentlyOutdated
	metrics  *metrics.Metrics
}

// New returns an empty Store.
func New(m *metrics.Metrics) *Store {
	return &Store{
		blocksByNumber: make(map[uint64]map[subject.BlockHash]struct{}),
		blocks:         make(map[subject.BlockHash]*BlockEntry),
		peerViews:      make(map[collab.PeerID]collab.View),
		outdated:       reputation.NewRecentlyOutdated(),
		metrics:        m,
	}
}

// RecentlyOutdated returns the shared suppression window (spec §4.6).
func (s *Store) RecentlyOutdated() *reputation.RecentlyOutdated { return s.outdated }

// AddBlocks creates a BlockEntry for every meta not already tracked,
// returning the newly created entries in input order (spec §3 "Lifecycle":
// "BlockEntry is created by a NewBlocks signal"). Metas for already-known
// hashes are skipped.
func (s *Store) AddBlocks(metas []collab.BlockApprovalMeta) []*BlockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]*BlockEntry, 0, len(metas))
	for _, meta := range metas {
		if _, exists := s.blocks[meta.Hash]; exists {
			continue
		}
		entry := &BlockEntry{
			Hash:       meta.Hash,
			Number:     meta.Number,
			ParentHash: meta.ParentHash,
			Session:    meta.Session,
			Knowledge:  subject.NewKnowledge(),
			Candidates: make([]CandidateEntry, meta.CandidatesCount),
			KnownBy:    make(map[collab.PeerID]*PeerKnowledge),
		}
		s.blocks[meta.Hash] = entry
		if s.blocksByNumber[meta.Number] == nil {
			s.blocksByNumber[meta.Number] = make(map[subject.BlockHash]struct{})
		}
		s.blocksByNumber[meta.Number][meta.Hash] = struct{}{}
		created = append(created, entry)
	}
	if s.metrics != nil {
		s.metrics.BlocksTracked.Set(float64(len(s.blocks)))
	}
	return created
}

// Block returns the entry for hash, or nil if not tracked (e.g. already
// finalized).
func (s *Store) Block(hash subject.BlockHash) *BlockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[hash]
}

// Blocks returns a snapshot of every tracked block entry.
func (s *Store) Blocks() []*BlockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BlockEntry, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	return out
}

// FinalizeUpTo destroys every block entry with number <= finalizedNumber,
// recording each destroyed hash into RecentlyOutdated and returning the
// sessions that lost a reference so the caller can release their topology
// (spec §3 "Lifecycle": blocks die on finalisation; §5: "session
// topologies are refcounted by BlockEntry.session").
func (s *Store) FinalizeUpTo(finalizedNumber uint64) (removed []subject.BlockHash, releasedSessions []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var numbers []uint64
	for n := range s.blocksByNumber {
		if n <= finalizedNumber {
			numbers = append(numbers, n)
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	for _, n := range numbers {
		for hash := range s.blocksByNumber[n] {
			entry := s.blocks[hash]
			delete(s.blocks, hash)
			s.outdated.NoteOutdated(hash)
			removed = append(removed, hash)
			if entry != nil {
				releasedSessions = append(releasedSessions, entry.Session)
			}
		}
		delete(s.blocksByNumber, n)
	}
	if s.metrics != nil {
		s.metrics.BlocksTracked.Set(float64(len(s.blocks)))
	}
	return removed, releasedSessions
}

// Span returns the min and max block numbers currently tracked, and false
// if the store is empty (spec §4.5 "span = max_block_number -
// min_block_number over the store").
func (s *Store) Span() (min, max uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := true
	for n := range s.blocksByNumber {
		if first {
			min, max = n, n
			first = false
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	return min, max, !first
}

// OldestBlocks returns every block entry at the minimum tracked number --
// not just one -- matching the original implementation's tie-break (spec
// §4.5 "for every message on the oldest block(s) only").
func (s *Store) OldestBlocks() []*BlockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	min, _, ok := s.spanLocked()
	if !ok {
		return nil
	}
	out := make([]*BlockEntry, 0, len(s.blocksByNumber[min]))
	for hash := range s.blocksByNumber[min] {
		out = append(out, s.blocks[hash])
	}
	return out
}

func (s *Store) spanLocked() (min, max uint64, ok bool) {
	first := true
	for n := range s.blocksByNumber {
		if first {
			min, max = n, n
			first = false
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	return min, max, !first
}

// PeerConnected creates a view entry for a freshly connected peer (spec §3
// "Lifecycle": "Peer entries are created on PeerConnected").
func (s *Store) PeerConnected(peer collab.PeerID, view collab.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerViews[peer] = view
}

// PeerDisconnected destroys the peer's view and purges it from every
// block's KnownBy map (spec §3 "Lifecycle": "destroyed on
// PeerDisconnected; their presence in known_by maps is purged on
// disconnect").
func (s *Store) PeerDisconnected(peer collab.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerViews, peer)
	for _, entry := range s.blocks {
		delete(entry.KnownBy, peer)
	}
}

// PeerView returns the last known view for peer.
func (s *Store) PeerView(peer collab.PeerID) (collab.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.peerViews[peer]
	return v, ok
}

// PeerCount returns the number of tracked peer views -- the "n" used to
// tune the random-routing sampler's expected out-degree.
func (s *Store) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peerViews)
}

// UpdatePeerView replaces peer's view and prunes it from KnownBy on every
// block numbered within [oldFinalized, newFinalized] -- a peer's finalized
// number only ever advances, so this reclaims memory for blocks the peer no
// longer needs catching up on (spec §4.4 "View pruning"). It returns the
// previous view and whether one existed.
func (s *Store) UpdatePeerView(peer collab.PeerID, newView collab.View) (oldView collab.View, hadOld bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldView, hadOld = s.peerViews[peer]
	s.peerViews[peer] = newView

	oldFinalized := uint64(0)
	if hadOld {
		oldFinalized = oldView.FinalizedNumber
	}
	if newView.FinalizedNumber < oldFinalized {
		return oldView, hadOld
	}
	for n := oldFinalized; n <= newView.FinalizedNumber; n++ {
		for hash := range s.blocksByNumber[n] {
			if entry := s.blocks[hash]; entry != nil {
				delete(entry.KnownBy, peer)
			}
		}
	}
	return oldView, hadOld
}
