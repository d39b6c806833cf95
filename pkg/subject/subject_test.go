package subject

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSubject() Subject {
	return Subject{Block: BlockHash{0xAA}, Candidate: 0, Validator: 7}
}

func TestKnowledge_InsertNovelty(t *testing.T) {
	k := NewKnowledge()
	s := sampleSubject()

	require.True(t, k.Insert(s, Assignment), "first insert is always novel")
	require.False(t, k.Insert(s, Assignment), "re-inserting the same kind is not novel")
	require.True(t, k.Insert(s, Approval), "upgrading Assignment->Approval is novel")
	require.False(t, k.Insert(s, Approval), "re-inserting Approval is not novel")
}

func TestKnowledge_NeverDowngrades(t *testing.T) {
	k := NewKnowledge()
	s := sampleSubject()

	k.Insert(s, Approval)
	novel := k.Insert(s, Assignment)

	require.False(t, novel, "inserting Assignment after Approval must not be novel")
	kind, ok := k.Get(s)
	require.True(t, ok)
	require.Equal(t, Approval, kind, "knowledge must not regress Approval->Assignment")
}

func TestKnowledge_Contains(t *testing.T) {
	k := NewKnowledge()
	s := sampleSubject()

	require.False(t, k.Contains(s, Assignment), "absent subject is unknown")

	k.Insert(s, Assignment)
	require.True(t, k.Contains(s, Assignment))
	require.False(t, k.Contains(s, Approval), "Assignment does not imply Approval")

	k.Insert(s, Approval)
	require.True(t, k.Contains(s, Assignment), "Approval implies Assignment")
	require.True(t, k.Contains(s, Approval))
}

func TestKnowledge_ZeroValueUsable(t *testing.T) {
	var k Knowledge
	require.False(t, k.Contains(sampleSubject(), Assignment))
	require.True(t, k.Insert(sampleSubject(), Assignment))
}
