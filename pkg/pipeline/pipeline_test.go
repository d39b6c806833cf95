package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/subject"
)

type scriptedVerifier struct {
	mu      sync.Mutex
	started []subject.ValidatorIndex
	release chan struct{}
}

func newScriptedVerifier() *scriptedVerifier {
	return &scriptedVerifier{release: make(chan struct{}, 64)}
}

func (v *scriptedVerifier) allow(n int) {
	for i := 0; i < n; i++ {
		v.release <- struct{}{}
	}
}

func (v *scriptedVerifier) CheckAndImportAssignment(ctx context.Context, cert collab.IndirectAssignmentCert, idx subject.CandidateIndex) (collab.AssignmentCheckResult, error) {
	v.mu.Lock()
	v.started = append(v.started, cert.Validator)
	v.mu.Unlock()

	select {
	case <-v.release:
	case <-ctx.Done():
		return collab.Accepted, ctx.Err()
	}
	return collab.Accepted, nil
}

func (v *scriptedVerifier) CheckAndImportApproval(ctx context.Context, vote collab.IndirectSignedApprovalVote) (collab.ApprovalCheckResult, error) {
	v.mu.Lock()
	v.started = append(v.started, vote.Validator)
	v.mu.Unlock()

	select {
	case <-v.release:
	case <-ctx.Done():
		return collab.ApprovalAccepted, ctx.Err()
	}
	return collab.ApprovalAccepted, nil
}

func TestPipeline_SerializesPerSubjectAndPreservesOrder(t *testing.T) {
	verifier := newScriptedVerifier()
	p := New(verifier, 8)
	ctx := context.Background()
	var block subject.BlockHash
	block[0] = 1

	peers := []collab.PeerID{"A", "B", "C"}
	for _, peer := range peers {
		p.Submit(ctx, block, PendingMessage{
			Kind:       PendingAssignment,
			Peer:       peer,
			Assignment: collab.IndirectAssignmentCert{Validator: 0},
		})
	}

	subj0 := subject.Subject{Block: block, Validator: 0}
	require.False(t, p.IsIdle(subj0))

	var order []collab.PeerID
	for i := 0; i < 3; i++ {
		verifier.allow(1)
		select {
		case c := <-p.Completions():
			require.Equal(t, OutcomeCompleted, c.Outcome)
			order = append(order, c.Peer)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for completion")
		}
	}

	require.Equal(t, peers, order, "checks for one subject run one at a time and complete in submission order")
	require.True(t, p.IsIdle(subj0))
}

func TestPipeline_DistinctSubjectsOnOneBlockRunIndependently(t *testing.T) {
	verifier := newScriptedVerifier()
	p := New(verifier, 8)
	ctx := context.Background()
	var block subject.BlockHash
	block[0] = 2

	p.Submit(ctx, block, PendingMessage{Kind: PendingAssignment, Assignment: collab.IndirectAssignmentCert{Validator: 1}})
	p.Submit(ctx, block, PendingMessage{Kind: PendingAssignment, Assignment: collab.IndirectAssignmentCert{Validator: 2}})

	verifier.allow(2)
	seen := map[subject.ValidatorIndex]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-p.Completions():
			seen[c.Subject.Validator] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	require.True(t, seen[1])
	require.True(t, seen[2])
}

// TestPipeline_ApprovalWaitsBehindInFlightAssignmentForSameSubject asserts
// the property the per-subject queue exists to guarantee: an approval for
// subject S cannot start verification while an assignment check for that
// same S is still outstanding.
func TestPipeline_ApprovalWaitsBehindInFlightAssignmentForSameSubject(t *testing.T) {
	verifier := newScriptedVerifier()
	p := New(verifier, 8)
	ctx := context.Background()
	var block subject.BlockHash
	block[0] = 3

	p.Submit(ctx, block, PendingMessage{
		Kind:       PendingAssignment,
		Assignment: collab.IndirectAssignmentCert{Validator: 7},
	})
	p.Submit(ctx, block, PendingMessage{
		Kind:     PendingApproval,
		Approval: collab.IndirectSignedApprovalVote{Validator: 7},
	})

	// Give the assignment goroutine time to start and block on release;
	// the approval must not have started verification yet.
	time.Sleep(20 * time.Millisecond)
	verifier.mu.Lock()
	started := append([]subject.ValidatorIndex(nil), verifier.started...)
	verifier.mu.Unlock()
	require.Equal(t, []subject.ValidatorIndex{7}, started, "only the assignment check should have started")

	verifier.allow(1)
	select {
	case c := <-p.Completions():
		require.Equal(t, PendingAssignment, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for assignment completion")
	}

	verifier.allow(1)
	select {
	case c := <-p.Completions():
		require.Equal(t, PendingApproval, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for approval completion")
	}
}

func TestPipeline_CancellationReportsCanceledOutcome(t *testing.T) {
	verifier := newScriptedVerifier()
	p := New(verifier, 8)
	ctx, cancel := context.WithCancel(context.Background())
	var block subject.BlockHash
	block[0] = 4

	p.Submit(ctx, block, PendingMessage{Kind: PendingAssignment, Assignment: collab.IndirectAssignmentCert{Validator: 9}})
	cancel()

	select {
	case c := <-p.Completions():
		require.Equal(t, OutcomeCanceled, c.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation completion")
	}
}

func TestPipeline_ForgetDropsQueuesForBlock(t *testing.T) {
	verifier := newScriptedVerifier()
	p := New(verifier, 8)
	ctx := context.Background()
	var block subject.BlockHash
	block[0] = 5

	p.Submit(ctx, block, PendingMessage{Kind: PendingAssignment, Assignment: collab.IndirectAssignmentCert{Validator: 1}})
	verifier.allow(1)
	<-p.Completions()

	p.Forget(block)
	require.True(t, p.IsIdle(subject.Subject{Block: block, Validator: 1}))
}
