// Package dispatch runs the core's single-threaded event loop: it drains
// overseer signals and pipeline completions, applying each to the block
// store and routing the result, and ticks the aggression controller on a
// timer (spec §5 "Event loop").
package dispatch

import (
	"context"
	"time"

	"github.com/parastream/approvaldist/pkg/aggression"
	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/log"
	"github.com/parastream/approvaldist/pkg/metrics"
	"github.com/parastream/approvaldist/pkg/pipeline"
	"github.com/parastream/approvaldist/pkg/reputation"
	"github.com/parastream/approvaldist/pkg/router"
	"github.com/parastream/approvaldist/pkg/store"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

// pendingKnownEntry is a peer message that arrived before its block did; it
// is replayed once the matching NewBlocks signal creates the BlockEntry
// (spec §5 "Pending-known race buffer").
type pendingKnownEntry struct {
	peer           collab.PeerID
	kind           pipeline.PendingKind
	assignment     collab.IndirectAssignmentCert
	candidateIndex subject.CandidateIndex
	approval       collab.IndirectSignedApprovalVote
}

// Dispatcher wires the store, pipeline, router, and aggression controller
// together and drives them from a single goroutine.
type Dispatcher struct {
	store      *store.Store
	topo       *topology.Registry
	pipe       *pipeline.Pipeline
	router     *router.Router
	aggression *aggression.Controller
	reporter   *reputation.Reporter
	metrics    *metrics.Metrics
	logger     *log.Logger

	overseer           <-chan collab.OverseerMessage
	aggressionInterval time.Duration

	pendingKnown map[subject.BlockHash][]pendingKnownEntry
}

// Deps bundles the collaborators and subsystems a Dispatcher is built from.
type Deps struct {
	Store              *store.Store
	Topology           *topology.Registry
	Pipeline           *pipeline.Pipeline
	Router             *router.Router
	Aggression         *aggression.Controller
	Reporter           *reputation.Reporter
	Metrics            *metrics.Metrics
	Logger             *log.Logger
	Overseer           <-chan collab.OverseerMessage
	AggressionInterval time.Duration
}

// New builds a Dispatcher from Deps.
func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := d.AggressionInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Dispatcher{
		store:              d.Store,
		topo:               d.Topology,
		pipe:               d.Pipeline,
		router:             d.Router,
		aggression:         d.Aggression,
		reporter:           d.Reporter,
		metrics:            d.Metrics,
		logger:             logger.Module("dispatch"),
		overseer:           d.Overseer,
		aggressionInterval: interval,
		pendingKnown:       make(map[subject.BlockHash][]pendingKnownEntry),
	}
}

// Run drives the event loop until the overseer channel closes, a Conclude
// signal arrives, or ctx is canceled. Overseer signals are drained ahead of
// pipeline completions whenever both are ready (spec §5 "overseer signals
// take priority over check completions").
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.aggressionInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-d.overseer:
			if !ok {
				return nil
			}
			if conclude := d.handleOverseer(ctx, msg); conclude {
				return nil
			}
			continue
		default:
		}

		select {
		case msg, ok := <-d.overseer:
			if !ok {
				return nil
			}
			if conclude := d.handleOverseer(ctx, msg); conclude {
				return nil
			}
		case c := <-d.pipe.Completions():
			d.handleCompletion(c)
		case <-ticker.C:
			d.aggression.Tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) handleOverseer(ctx context.Context, msg collab.OverseerMessage) (conclude bool) {
	switch {
	case msg.Conclude:
		return true
	case msg.NetworkBridgeUpdate != nil:
		d.handleNetworkEvent(ctx, *msg.NetworkBridgeUpdate)
	case msg.NewBlocks != nil:
		d.handleNewBlocks(ctx, *msg.NewBlocks)
	case msg.DistributeAssignment != nil:
		d.handleDistributeAssignment(*msg.DistributeAssignment)
	case msg.DistributeApproval != nil:
		d.handleDistributeApproval(*msg.DistributeApproval)
	case msg.GetApprovalSignatures != nil:
		d.handleGetApprovalSignatures(*msg.GetApprovalSignatures)
	case msg.BlockFinalized != nil:
		d.handleBlockFinalized(*msg.BlockFinalized)
	case msg.ActiveLeaves != nil:
		// Intentionally ignored: the core reacts to NewBlocks/BlockFinalized,
		// not leaf activation (spec Non-goals).
	}
	return false
}

func (d *Dispatcher) handleNetworkEvent(ctx context.Context, ev collab.NetworkEvent) {
	switch {
	case ev.PeerConnected != nil:
		d.store.PeerConnected(ev.PeerConnected.Peer, ev.PeerConnected.View)
		d.router.UnifyWithPeer(ev.PeerConnected.Peer, ev.PeerConnected.View)
	case ev.PeerDisconnected != nil:
		d.store.PeerDisconnected(*ev.PeerDisconnected)
	case ev.NewGossipTopology != nil:
		d.handleNewTopology(*ev.NewGossipTopology)
	case ev.PeerViewChange != nil:
		d.store.UpdatePeerView(ev.PeerViewChange.Peer, ev.PeerViewChange.View)
		d.router.UnifyWithPeer(ev.PeerViewChange.Peer, ev.PeerViewChange.View)
	case ev.OurViewChange != nil:
		// Our own view advancing doesn't by itself move any peer-facing
		// state; NewBlocks/BlockFinalized already drive the store.
	case ev.PeerMessage != nil:
		d.handlePeerMessage(ctx, ev.PeerMessage.Peer, ev.PeerMessage.Payload)
	}
}

func (d *Dispatcher) handleNewTopology(nt collab.NewGossipTopology) {
	peerOf := make(map[subject.ValidatorIndex]topology.PeerKey, len(nt.Topology.ValidatorPeer))
	for v, p := range nt.Topology.ValidatorPeer {
		peerOf[v] = topology.PeerKey(p)
	}
	grid := topology.NewGrid(nt.Session, nt.Topology.ValidatorRows, nt.Topology.ValidatorCols, peerOf)
	d.topo.Set(nt.Session, func() *topology.Grid { return grid })
	d.router.ApplyTopology(nt.Session)
}

func (d *Dispatcher) handleNewBlocks(ctx context.Context, metas []collab.BlockApprovalMeta) {
	created := d.store.AddBlocks(metas)
	for _, block := range created {
		d.topo.Acquire(block.Session)
		d.drainPendingKnown(ctx, block)
	}
}

func (d *Dispatcher) drainPendingKnown(ctx context.Context, block *store.BlockEntry) {
	entries := d.pendingKnown[block.Hash]
	delete(d.pendingKnown, block.Hash)
	for _, e := range entries {
		switch e.kind {
		case pipeline.PendingAssignment:
			d.importAssignment(ctx, e.peer, collab.IndirectAssignmentCertWithCandidate{Cert: e.assignment, CandidateIndex: e.candidateIndex})
		case pipeline.PendingApproval:
			d.importApproval(ctx, e.peer, e.approval)
		}
	}
}

func (d *Dispatcher) handleBlockFinalized(bf collab.BlockFinalized) {
	removed, releasedSessions := d.store.FinalizeUpTo(bf.Number)
	for _, hash := range removed {
		d.pipe.Forget(hash)
	}
	for _, session := range releasedSessions {
		d.topo.Release(session)
	}
}

func (d *Dispatcher) handleGetApprovalSignatures(req collab.GetApprovalSignatures) {
	out := make(map[subject.ValidatorIndex]collab.ApprovalSignature)
	for key := range req.Keys {
		block := d.store.Block(key.BlockHash)
		if block == nil {
			continue // spec §5: unknown block/candidate is skipped silently, never an error
		}
		entry := block.CandidateAt(key.CandidateIndex)
		for validator, state := range entry {
			if state.Approval.Tag == store.StateApproved {
				out[validator] = state.Approval.Signature
			}
		}
	}
	req.Reply(out)
}

func (d *Dispatcher) handleDistributeAssignment(da collab.DistributeAssignment) {
	block := d.store.Block(da.Cert.BlockHash)
	if block == nil {
		return
	}
	validator := da.Cert.Validator
	state := &store.MessageState{
		Approval:        store.ApprovalState{Tag: store.StateAssigned, Cert: da.Cert.Cert},
		RequiredRouting: d.router.RequiredRoutingFor(block, validator, true),
		Local:           true,
	}
	block.Candidate(da.CandidateIndex)[validator] = state

	subj := subject.Subject{Block: block.Hash, Candidate: da.CandidateIndex, Validator: validator}
	block.Knowledge.Insert(subj, subject.Assignment)
	d.router.Propagate(block, da.CandidateIndex, validator, state, "")
}

func (d *Dispatcher) handleDistributeApproval(vote collab.IndirectSignedApprovalVote) {
	block := d.store.Block(vote.BlockHash)
	if block == nil {
		return
	}
	entry := block.Candidate(vote.CandidateIndex)
	state, ok := entry[vote.Validator]
	if !ok {
		state = &store.MessageState{RequiredRouting: d.router.RequiredRoutingFor(block, vote.Validator, true), Local: true}
		entry[vote.Validator] = state
	}
	state.Upgrade(vote.Signature)

	subj := subject.Subject{Block: block.Hash, Candidate: vote.CandidateIndex, Validator: vote.Validator}
	block.Knowledge.Insert(subj, subject.Approval)
	d.router.Propagate(block, vote.CandidateIndex, vote.Validator, state, "")
}

func (d *Dispatcher) handlePeerMessage(ctx context.Context, peer collab.PeerID, payload collab.V1Payload) {
	if payload.Assignments != nil {
		for _, a := range payload.Assignments.Assignments {
			d.importAssignment(ctx, peer, a)
		}
	}
	if payload.Approvals != nil {
		for _, v := range payload.Approvals.Approvals {
			d.importApproval(ctx, peer, v)
		}
	}
}

func (d *Dispatcher) importAssignment(ctx context.Context, peer collab.PeerID, msg collab.IndirectAssignmentCertWithCandidate) {
	hash := msg.Cert.BlockHash
	block := d.store.Block(hash)
	if block == nil {
		if d.store.RecentlyOutdated().IsRecentlyOutdated(hash) {
			d.reporter.Report(peer, reputation.UnexpectedMessage, hash)
			return
		}
		d.pendingKnown[hash] = append(d.pendingKnown[hash], pendingKnownEntry{
			peer: peer, kind: pipeline.PendingAssignment, assignment: msg.Cert, candidateIndex: msg.CandidateIndex,
		})
		return
	}

	subj := subject.Subject{Block: hash, Candidate: msg.CandidateIndex, Validator: msg.Cert.Validator}
	pk := block.PeerKnowledgeFor(peer)
	if pk.ContainsUnion(subj, subject.Assignment) {
		d.reporter.Report(peer, reputation.DuplicateMessage, hash)
		return
	}
	pk.Received.Insert(subj, subject.Assignment)
	d.pipe.Submit(ctx, hash, pipeline.PendingMessage{
		Kind: pipeline.PendingAssignment, Peer: peer,
		Assignment: msg.Cert, CandidateIndex: msg.CandidateIndex,
	})
}

func (d *Dispatcher) importApproval(ctx context.Context, peer collab.PeerID, vote collab.IndirectSignedApprovalVote) {
	hash := vote.BlockHash
	block := d.store.Block(hash)
	if block == nil {
		if d.store.RecentlyOutdated().IsRecentlyOutdated(hash) {
			d.reporter.Report(peer, reputation.UnexpectedMessage, hash)
			return
		}
		d.pendingKnown[hash] = append(d.pendingKnown[hash], pendingKnownEntry{
			peer: peer, kind: pipeline.PendingApproval, approval: vote,
		})
		return
	}

	subj := subject.Subject{Block: hash, Candidate: vote.CandidateIndex, Validator: vote.Validator}
	if !block.Knowledge.Contains(subj, subject.Assignment) {
		d.reporter.Report(peer, reputation.UnexpectedMessage, hash)
		return
	}
	pk := block.PeerKnowledgeFor(peer)
	if pk.ContainsUnion(subj, subject.Approval) {
		d.reporter.Report(peer, reputation.DuplicateMessage, hash)
		return
	}
	pk.Received.Insert(subj, subject.Approval)
	d.pipe.Submit(ctx, hash, pipeline.PendingMessage{Kind: pipeline.PendingApproval, Peer: peer, Approval: vote})
}

func (d *Dispatcher) handleCompletion(c pipeline.Completion) {
	if c.Outcome == pipeline.OutcomeCanceled {
		d.logger.Debug("pending check canceled", "peer", c.Peer, "err", c.Err)
		if d.metrics != nil {
			d.metrics.CheckCanceled.Inc()
		}
		return
	}
	block := d.store.Block(c.Subject.Block)
	if block == nil {
		return // pruned while its check was outstanding; nothing left to update
	}
	switch c.Kind {
	case pipeline.PendingAssignment:
		d.completeAssignment(block, c)
	case pipeline.PendingApproval:
		d.completeApproval(block, c)
	}
}

func (d *Dispatcher) completeAssignment(block *store.BlockEntry, c pipeline.Completion) {
	subj := c.Subject
	switch c.Assignment {
	case collab.Accepted, collab.AcceptedDuplicate:
		entry := block.Candidate(subj.Candidate)
		state, existed := entry[subj.Validator]
		if !existed {
			state = &store.MessageState{
				Approval:        store.ApprovalState{Tag: store.StateAssigned, Cert: c.Message.Assignment.Cert},
				RequiredRouting: d.router.RequiredRoutingFor(block, subj.Validator, false),
			}
			entry[subj.Validator] = state
		}
		novel := block.Knowledge.Insert(subj, subject.Assignment)
		if novel {
			d.reporter.Report(c.Peer, reputation.ValidMessageFirst, block.Hash)
		} else {
			d.reporter.Report(c.Peer, reputation.ValidMessage, block.Hash)
		}
		d.router.Propagate(block, subj.Candidate, subj.Validator, state, c.Peer)
	case collab.TooFarInFuture:
		d.reporter.Report(c.Peer, reputation.AssignmentTooFarInFuture, block.Hash)
	case collab.BadAssignment:
		d.reporter.Report(c.Peer, reputation.InvalidMessage, block.Hash)
	}
}

func (d *Dispatcher) completeApproval(block *store.BlockEntry, c pipeline.Completion) {
	subj := c.Subject
	switch c.Approval {
	case collab.ApprovalAccepted:
		entry := block.Candidate(subj.Candidate)
		state, existed := entry[subj.Validator]
		if !existed {
			state = &store.MessageState{RequiredRouting: d.router.RequiredRoutingFor(block, subj.Validator, false)}
			entry[subj.Validator] = state
		}
		state.Upgrade(c.Message.Approval.Signature)
		novel := block.Knowledge.Insert(subj, subject.Approval)
		if novel {
			d.reporter.Report(c.Peer, reputation.ValidMessageFirst, block.Hash)
		} else {
			d.reporter.Report(c.Peer, reputation.ValidMessage, block.Hash)
		}
		d.router.Propagate(block, subj.Candidate, subj.Validator, state, c.Peer)
	case collab.ApprovalBad:
		d.reporter.Report(c.Peer, reputation.InvalidMessage, block.Hash)
	}
}
