package reputation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/subject"
)

type fakeBridge struct {
	reports []struct {
		peer   collab.PeerID
		change collab.ReputationChange
	}
}

func (f *fakeBridge) SendValidationMessage(peers []collab.PeerID, payload collab.V1Payload) {}

func (f *fakeBridge) ReportPeer(peer collab.PeerID, change collab.ReputationChange) {
	f.reports = append(f.reports, struct {
		peer   collab.PeerID
		change collab.ReputationChange
	}{peer, change})
}

func TestRecentlyOutdated_CapacityAndOrder(t *testing.T) {
	ro := NewRecentlyOutdated()
	for i := 0; i < 25; i++ {
		var h subject.BlockHash
		h[0] = byte(i)
		ro.NoteOutdated(h)
	}
	require.Equal(t, 20, ro.Len(), "P6: window holds at most 20 entries")

	var evicted subject.BlockHash
	evicted[0] = 0
	require.False(t, ro.IsRecentlyOutdated(evicted), "oldest entries are evicted first")

	var kept subject.BlockHash
	kept[0] = 24
	require.True(t, ro.IsRecentlyOutdated(kept))
}

func TestRecentlyOutdated_DuplicateNoteIsNoop(t *testing.T) {
	ro := NewRecentlyOutdated()
	var h subject.BlockHash
	h[0] = 1
	ro.NoteOutdated(h)
	ro.NoteOutdated(h)
	require.Equal(t, 1, ro.Len())
}

func TestReporter_SuppressesUnexpectedAndDuplicateForOutdatedBlock(t *testing.T) {
	bridge := &fakeBridge{}
	ro := NewRecentlyOutdated()
	var block subject.BlockHash
	block[0] = 2
	ro.NoteOutdated(block)

	r := NewReporter(bridge, ro, nil)

	sent := r.Report("peerA", UnexpectedMessage, block)
	require.False(t, sent)
	sent = r.Report("peerA", DuplicateMessage, block)
	require.False(t, sent)
	require.Empty(t, bridge.reports, "suppressed changes must never reach the bridge")
}

func TestReporter_DoesNotSuppressOtherCodes(t *testing.T) {
	bridge := &fakeBridge{}
	ro := NewRecentlyOutdated()
	var block subject.BlockHash
	block[0] = 3
	ro.NoteOutdated(block)

	r := NewReporter(bridge, ro, nil)

	sent := r.Report("peerA", InvalidMessage, block)
	require.True(t, sent, "COST_INVALID_MESSAGE is never suppressed")
	require.Len(t, bridge.reports, 1)
}

func TestReporter_NonOutdatedBlockNeverSuppressed(t *testing.T) {
	bridge := &fakeBridge{}
	ro := NewRecentlyOutdated()
	r := NewReporter(bridge, ro, nil)

	sent := r.Report("peerA", UnexpectedMessage, subject.BlockHash{})
	require.True(t, sent)
	require.Len(t, bridge.reports, 1)
}
