package router

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/reputation"
	"github.com/parastream/approvaldist/pkg/store"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

type sentCall struct {
	peers   []collab.PeerID
	payload collab.V1Payload
}

type fakeBridge struct {
	calls []sentCall
}

func (f *fakeBridge) SendValidationMessage(peers []collab.PeerID, payload collab.V1Payload) {
	f.calls = append(f.calls, sentCall{peers: peers, payload: payload})
}

func (f *fakeBridge) ReportPeer(peer collab.PeerID, change collab.ReputationChange) {}

func hash(b byte) subject.BlockHash {
	var h subject.BlockHash
	h[0] = b
	return h
}

func deterministicRNG() *rand.Rand { return rand.New(rand.NewPCG(1, 1)) }

func newTestRouter(t *testing.T, bridge *fakeBridge) (*Router, *store.Store, *topology.Registry) {
	t.Helper()
	st := store.New(nil)
	topo := topology.NewRegistry()
	reporter := reputation.NewReporter(bridge, reputation.NewRecentlyOutdated(), nil)
	return New(st, topo, deterministicRNG(), bridge, reporter), st, topo
}

func TestRouter_PropagateRoutesViaGridAndTracksSent(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, topo := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(1), Number: 1, Session: 1, CandidatesCount: 1}})
	block := st.Block(hash(1))
	block.KnownBy["rowmate"] = store.NewPeerKnowledge()

	grid := topology.NewGrid(1,
		map[subject.ValidatorIndex][]subject.ValidatorIndex{7: {8}},
		map[subject.ValidatorIndex][]subject.ValidatorIndex{},
		map[subject.ValidatorIndex]topology.PeerKey{8: "rowmate", 9: "stranger"},
	)
	topo.Acquire(1)
	topo.Set(1, func() *topology.Grid { return grid })

	state := &store.MessageState{
		Approval:        store.ApprovalState{Tag: store.StateAssigned, Cert: collab.AssignmentCert{Validator: 7}},
		RequiredRouting: topology.GridX,
	}
	entry := block.Candidate(0)
	entry[7] = state

	sent := r.Propagate(block, 0, 7, state, "")
	require.Equal(t, []collab.PeerID{"rowmate"}, sent, "only the row neighbour is routed to under GridX")
	require.Len(t, bridge.calls, 1)
	require.NotNil(t, bridge.calls[0].payload.Assignments)

	subj := subject.Subject{Block: hash(1), Candidate: 0, Validator: 7}
	require.True(t, block.KnownBy["rowmate"].Sent.Contains(subj, subject.Assignment))
}

func TestRouter_PropagateSkipsAlreadyKnownPeer(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, topo := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(2), Number: 1, Session: 1, CandidatesCount: 1}})
	block := st.Block(hash(2))
	peerKnowledge := store.NewPeerKnowledge()
	subj := subject.Subject{Block: hash(2), Candidate: 0, Validator: 1}
	peerKnowledge.Received.Insert(subj, subject.Assignment)
	block.KnownBy["peerA"] = peerKnowledge

	topo.Acquire(1)
	topo.Set(1, func() *topology.Grid {
		return topology.NewGrid(1, nil, nil, map[subject.ValidatorIndex]topology.PeerKey{1: "peerA"})
	})

	state := &store.MessageState{Approval: store.ApprovalState{Tag: store.StateAssigned}, RequiredRouting: topology.All}
	entry := block.Candidate(0)
	entry[1] = state

	sent := r.Propagate(block, 0, 1, state, "")
	require.Empty(t, sent, "peer that already received this subject is never re-sent")
	require.Empty(t, bridge.calls)
}

func TestRouter_ApplyTopologyBackfillsPending(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, topo := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(3), Number: 1, Session: 5, CandidatesCount: 1}})
	block := st.Block(hash(3))
	block.KnownBy["peerA"] = store.NewPeerKnowledge()

	state := &store.MessageState{Approval: store.ApprovalState{Tag: store.StateAssigned}, RequiredRouting: topology.PendingTopology}
	block.Candidate(0)[1] = state

	r.ApplyTopology(5) // no grid installed yet: no-op
	require.Empty(t, bridge.calls)

	topo.Acquire(5)
	topo.Set(5, func() *topology.Grid {
		return topology.NewGrid(5, map[subject.ValidatorIndex][]subject.ValidatorIndex{1: {2}},
			nil, map[subject.ValidatorIndex]topology.PeerKey{2: "peerA"})
	})

	r.ApplyTopology(5)
	require.NotEqual(t, topology.PendingTopology, state.RequiredRouting, "backfill resolves the pending routing policy")
	require.Len(t, bridge.calls, 1, "backfill re-propagates once the grid resolves routing")
}

func TestRouter_UnifyWithPeerSendsAssignmentsBeforeApprovals(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, _ := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(4), Number: 10, CandidatesCount: 1}})
	block := st.Block(hash(4))
	block.Candidate(0)[1] = &store.MessageState{
		Approval:        store.ApprovalState{Tag: store.StateApproved, Signature: collab.ApprovalSignature{Payload: []byte("sig")}},
		RequiredRouting: topology.All,
	}

	r.UnifyWithPeer("peerA", collab.View{FinalizedNumber: 0})

	require.Len(t, bridge.calls, 2, "assignments and approvals are sent as separate batches")
	require.NotNil(t, bridge.calls[0].payload.Assignments, "assignment batch goes out first")
	require.NotNil(t, bridge.calls[1].payload.Approvals)
}

func TestRouter_UnifyWithPeerAppliesRoutingPredicate(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, topo := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(6), Number: 10, Session: 1, CandidatesCount: 1}})
	block := st.Block(hash(6))

	// "stranger" is not a grid neighbour of validator 7 in any axis.
	grid := topology.NewGrid(1,
		map[subject.ValidatorIndex][]subject.ValidatorIndex{7: {8}},
		map[subject.ValidatorIndex][]subject.ValidatorIndex{},
		map[subject.ValidatorIndex]topology.PeerKey{8: "rowmate", 9: "stranger"},
	)
	topo.Acquire(1)
	topo.Set(1, func() *topology.Grid { return grid })

	state := &store.MessageState{
		Approval:        store.ApprovalState{Tag: store.StateAssigned, Cert: collab.AssignmentCert{Validator: 7}},
		RequiredRouting: topology.GridX,
	}
	block.Candidate(0)[7] = state

	r.UnifyWithPeer("stranger", collab.View{FinalizedNumber: 0})
	require.Empty(t, bridge.calls, "a peer outside the required routing set is never sent to when no peers are tracked for random routing to sample over")

	r.UnifyWithPeer("rowmate", collab.View{FinalizedNumber: 0})
	require.Len(t, bridge.calls, 1, "the grid-routed peer is still caught up")
	require.NotNil(t, bridge.calls[0].payload.Assignments)
}

func TestRouter_UnifyWithPeerSkipsFinalizedBlocks(t *testing.T) {
	bridge := &fakeBridge{}
	r, st, _ := newTestRouter(t, bridge)

	st.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(5), Number: 3, CandidatesCount: 1}})
	block := st.Block(hash(5))
	block.Candidate(0)[1] = &store.MessageState{Approval: store.ApprovalState{Tag: store.StateAssigned}}

	r.UnifyWithPeer("peerA", collab.View{FinalizedNumber: 3})
	require.Empty(t, bridge.calls, "blocks at or below the peer's finalized number are never sent")
}
