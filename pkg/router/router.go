// Package router decides which peers a message is routed to and drives
// peer-view unification: catching a peer up on everything we know that
// they don't (spec §4.3 "Message routing", §4.4 "View unification").
package router

import (
	"math/rand/v2"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/reputation"
	"github.com/parastream/approvaldist/pkg/store"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

// Router sends assignments and approvals to the peers required_routing (or
// random routing) selects, and keeps every peer's KnownBy ledger current as
// it does so.
type Router struct {
	store    *store.Store
	topo     *topology.Registry
	rng      *rand.Rand
	bridge   collab.NetworkBridge
	reporter *reputation.Reporter
}

// New builds a Router over the given collaborators. rng is the process's
// single random source (spec §3 "Ownership": the dispatcher owns it and
// threads it through every routing decision so runs are reproducible given
// a fixed seed).
func New(st *store.Store, topo *topology.Registry, rng *rand.Rand, bridge collab.NetworkBridge, reporter *reputation.Reporter) *Router {
	return &Router{store: st, topo: topo, rng: rng, bridge: bridge, reporter: reporter}
}

// RequiredRoutingFor resolves the routing policy for a message originating
// at validator within block's session (spec §4.3 step 2).
func (r *Router) RequiredRoutingFor(block *store.BlockEntry, validator subject.ValidatorIndex, local bool) topology.RequiredRouting {
	grid := r.topo.Get(block.Session)
	return grid.RequiredRoutingByIndex(validator, local)
}

// Propagate computes the recipient set for one (candidate, validator)
// message on block and sends it, updating every recipient's Sent ledger so
// the message is never routed to the same peer twice for the same subject
// (spec §4.3 steps 3-6). sourcePeer is excluded from consideration and may
// be empty for locally originated messages.
func (r *Router) Propagate(block *store.BlockEntry, candidateIdx subject.CandidateIndex, validator subject.ValidatorIndex, state *store.MessageState, sourcePeer collab.PeerID) []collab.PeerID {
	subj := subject.Subject{Block: block.Hash, Candidate: candidateIdx, Validator: validator}
	kind := subject.Assignment
	if state.Approval.Tag == store.StateApproved {
		kind = subject.Approval
	}

	grid := r.topo.Get(block.Session)
	candidates := block.KnownPeers(sourcePeer)

	var recipients []collab.PeerID
	var assignmentBatch []collab.IndirectAssignmentCertWithCandidate
	var approvalBatch []collab.IndirectSignedApprovalVote

	for _, peer := range candidates {
		pk := block.KnownBy[peer]
		if pk == nil {
			pk = store.NewPeerKnowledge()
			block.KnownBy[peer] = pk
		}
		if pk.ContainsUnion(subj, kind) {
			continue
		}

		routed := r.routedByGrid(grid, state.RequiredRouting, validator, peer)
		if !routed {
			routed = state.RandomRouting.Sample(r.rng, len(candidates))
		}
		if !routed {
			continue
		}

		pk.Sent.Insert(subj, kind)
		recipients = append(recipients, peer)

		if kind == subject.Approval {
			approvalBatch = append(approvalBatch, collab.IndirectSignedApprovalVote{
				BlockHash:      block.Hash,
				CandidateIndex: candidateIdx,
				Validator:      validator,
				Signature:      state.Approval.Signature,
			})
		} else {
			assignmentBatch = append(assignmentBatch, collab.IndirectAssignmentCertWithCandidate{
				Cert: collab.IndirectAssignmentCert{
					BlockHash: block.Hash,
					Validator: validator,
					Cert:      state.Approval.Cert,
				},
				CandidateIndex: candidateIdx,
			})
		}
	}

	if len(recipients) == 0 {
		return nil
	}
	r.bridge.SendValidationMessage(recipients, buildPayload(assignmentBatch, approvalBatch))
	return recipients
}

func (r *Router) routedByGrid(grid *topology.Grid, required topology.RequiredRouting, origin subject.ValidatorIndex, peer collab.PeerID) bool {
	switch required {
	case topology.All:
		return true
	case topology.None, topology.PendingTopology:
		return false
	default:
		return grid.RouteToPeer(required, origin, topology.PeerKey(peer))
	}
}

func buildPayload(assignments []collab.IndirectAssignmentCertWithCandidate, approvals []collab.IndirectSignedApprovalVote) collab.V1Payload {
	var p collab.V1Payload
	if len(assignments) > 0 {
		p.Assignments = &collab.AssignmentsMsg{Assignments: assignments}
	}
	if len(approvals) > 0 {
		p.Approvals = &collab.ApprovalsMsg{Approvals: approvals}
	}
	return p
}

// ApplyTopology backfills required_routing for every MessageState already
// recorded under session once that session's grid finally arrives, and
// re-propagates any message whose new required_routing reaches peers it
// had not previously reached. This is the arrival-order fix the original
// needs because assignments routinely precede their session's topology
// (spec §5 "Topology arrival back-fill").
func (r *Router) ApplyTopology(session uint64) {
	grid := r.topo.Get(session)
	if grid == nil {
		return
	}
	for _, block := range r.store.Blocks() {
		if block.Session != session {
			continue
		}
		for candidateIdx, entry := range block.Candidates {
			for validator, state := range entry {
				if state.RequiredRouting != topology.PendingTopology {
					continue
				}
				state.RequiredRouting = grid.RequiredRoutingByIndex(validator, state.Local)
				r.Propagate(block, subject.CandidateIndex(candidateIdx), validator, state, "")
			}
		}
	}
}

// UnifyWithPeer catches peer up on every tracked block: each assignment or
// approval the routing predicate selects for peer and that peer's
// PeerKnowledge does not already hold is sent, batching assignments ahead
// of approvals per block
// (spec §4.4 "assignments must be sent, and known, before the approval
// that depends on them"). Blocks at or below view.FinalizedNumber are
// never sent, matching the peer's own pruning of that range.
func (r *Router) UnifyWithPeer(peer collab.PeerID, view collab.View) {
	totalPeers := r.store.PeerCount()

	for _, block := range r.store.Blocks() {
		if block.Number <= view.FinalizedNumber {
			continue
		}

		grid := r.topo.Get(block.Session)

		pk := block.KnownBy[peer]
		if pk == nil {
			pk = store.NewPeerKnowledge()
			block.KnownBy[peer] = pk
		}

		var assignmentBatch []collab.IndirectAssignmentCertWithCandidate
		var approvalBatch []collab.IndirectSignedApprovalVote

		for candidateIdx, entry := range block.Candidates {
			for validator, state := range entry {
				subj := subject.Subject{Block: block.Hash, Candidate: subject.CandidateIndex(candidateIdx), Validator: validator}
				needAssignment := !pk.ContainsUnion(subj, subject.Assignment)
				needApproval := state.Approval.Tag == store.StateApproved && !pk.ContainsUnion(subj, subject.Approval)
				if !needAssignment && !needApproval {
					continue
				}

				routed := r.routedByGrid(grid, state.RequiredRouting, validator, peer)
				if !routed {
					routed = state.RandomRouting.Sample(r.rng, totalPeers)
				}
				if !routed {
					continue
				}

				if needAssignment {
					assignmentBatch = append(assignmentBatch, collab.IndirectAssignmentCertWithCandidate{
						Cert: collab.IndirectAssignmentCert{
							BlockHash: block.Hash,
							Validator: validator,
							Cert:      state.Approval.Cert,
						},
						CandidateIndex: subject.CandidateIndex(candidateIdx),
					})
					pk.Sent.Insert(subj, subject.Assignment)
				}

				if needApproval {
					approvalBatch = append(approvalBatch, collab.IndirectSignedApprovalVote{
						BlockHash:      block.Hash,
						CandidateIndex: subject.CandidateIndex(candidateIdx),
						Validator:      validator,
						Signature:      state.Approval.Signature,
					})
					pk.Sent.Insert(subj, subject.Approval)
				}
			}
		}

		if len(assignmentBatch) > 0 {
			r.bridge.SendValidationMessage([]collab.PeerID{peer}, buildPayload(assignmentBatch, nil))
		}
		if len(approvalBatch) > 0 {
			r.bridge.SendValidationMessage([]collab.PeerID{peer}, buildPayload(nil, approvalBatch))
		}
	}
}
