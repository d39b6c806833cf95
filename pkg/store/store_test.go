package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/subject"
)

func hash(b byte) subject.BlockHash {
	var h subject.BlockHash
	h[0] = b
	return h
}

func TestStore_AddBlocksSkipsKnown(t *testing.T) {
	s := New(nil)
	metas := []collab.BlockApprovalMeta{
		{Hash: hash(1), Number: 10, CandidatesCount: 2},
	}
	created := s.AddBlocks(metas)
	require.Len(t, created, 1)

	createdAgain := s.AddBlocks(metas)
	require.Empty(t, createdAgain, "already-tracked hash is skipped")
	require.NotNil(t, s.Block(hash(1)))
}

func TestStore_CandidateLazyInit(t *testing.T) {
	s := New(nil)
	s.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(1), Number: 1, CandidatesCount: 2}})
	entry := s.Block(hash(1))
	require.NotNil(t, entry)

	c0 := entry.Candidate(0)
	require.NotNil(t, c0)
	require.Nil(t, entry.Candidate(5), "out of range index returns nil")
}

func TestStore_FinalizeUpToPrunesAndNotesOutdated(t *testing.T) {
	s := New(nil)
	s.AddBlocks([]collab.BlockApprovalMeta{
		{Hash: hash(1), Number: 5, Session: 1},
		{Hash: hash(2), Number: 6, Session: 1},
		{Hash: hash(3), Number: 7, Session: 2},
	})

	removed, sessions := s.FinalizeUpTo(6)
	require.ElementsMatch(t, []subject.BlockHash{hash(1), hash(2)}, removed)
	require.ElementsMatch(t, []uint64{1, 1}, sessions)

	require.Nil(t, s.Block(hash(1)))
	require.Nil(t, s.Block(hash(2)))
	require.NotNil(t, s.Block(hash(3)))

	require.True(t, s.RecentlyOutdated().IsRecentlyOutdated(hash(1)))
	require.True(t, s.RecentlyOutdated().IsRecentlyOutdated(hash(2)))
	require.False(t, s.RecentlyOutdated().IsRecentlyOutdated(hash(3)))
}

func TestStore_SpanAndOldestBlocksTieBreak(t *testing.T) {
	s := New(nil)
	s.AddBlocks([]collab.BlockApprovalMeta{
		{Hash: hash(1), Number: 5},
		{Hash: hash(2), Number: 5},
		{Hash: hash(3), Number: 9},
	})

	min, max, ok := s.Span()
	require.True(t, ok)
	require.Equal(t, uint64(5), min)
	require.Equal(t, uint64(9), max)

	oldest := s.OldestBlocks()
	require.Len(t, oldest, 2, "both blocks tied at the minimum height are returned")
}

func TestStore_SpanEmpty(t *testing.T) {
	s := New(nil)
	_, _, ok := s.Span()
	require.False(t, ok)
	require.Nil(t, s.OldestBlocks())
}

func TestStore_PeerDisconnectedPurgesKnownBy(t *testing.T) {
	s := New(nil)
	s.AddBlocks([]collab.BlockApprovalMeta{{Hash: hash(1), Number: 1}})
	entry := s.Block(hash(1))
	entry.KnownBy["peerA"] = NewPeerKnowledge()

	s.PeerConnected("peerA", collab.View{})
	s.PeerDisconnected("peerA")

	_, ok := s.PeerView("peerA")
	require.False(t, ok)
	require.NotContains(t, entry.KnownBy, collab.PeerID("peerA"))
}

func TestStore_UpdatePeerViewPrunesKnownByUpToNewFinalized(t *testing.T) {
	s := New(nil)
	s.AddBlocks([]collab.BlockApprovalMeta{
		{Hash: hash(1), Number: 1},
		{Hash: hash(2), Number: 2},
		{Hash: hash(3), Number: 3},
	})
	for _, h := range []subject.BlockHash{hash(1), hash(2), hash(3)} {
		s.Block(h).KnownBy["peerA"] = NewPeerKnowledge()
	}

	s.PeerConnected("peerA", collab.View{FinalizedNumber: 0})
	old, hadOld := s.UpdatePeerView("peerA", collab.View{FinalizedNumber: 2})
	require.True(t, hadOld)
	require.Equal(t, uint64(0), old.FinalizedNumber)

	require.NotContains(t, s.Block(hash(1)).KnownBy, collab.PeerID("peerA"))
	require.NotContains(t, s.Block(hash(2)).KnownBy, collab.PeerID("peerA"))
	require.Contains(t, s.Block(hash(3)).KnownBy, collab.PeerID("peerA"), "block above the new finalized number is untouched")
}

func TestMessageState_UpgradeIsOneWay(t *testing.T) {
	m := &MessageState{Approval: ApprovalState{Tag: StateAssigned}}
	m.Upgrade(collab.ApprovalSignature{Payload: []byte("sig")})
	require.Equal(t, StateApproved, m.Approval.Tag)

	m.Upgrade(collab.ApprovalSignature{Payload: []byte("other")})
	require.Equal(t, []byte("sig"), m.Approval.Signature.Payload, "re-upgrading is a no-op")
}

func TestPeerKnowledge_ContainsUnion(t *testing.T) {
	pk := NewPeerKnowledge()
	s := subject.Subject{Block: hash(1), Candidate: 0, Validator: 3}
	pk.Sent.Insert(s, subject.Assignment)
	require.True(t, pk.ContainsUnion(s, subject.Assignment))
	require.False(t, pk.ContainsUnion(s, subject.Approval))

	pk.Received.Insert(s, subject.Approval)
	require.True(t, pk.ContainsUnion(s, subject.Approval))
}
