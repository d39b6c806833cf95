// Package pipeline serializes verification work per subject: at most one
// check (assignment or approval) may be outstanding for a given (block,
// candidate, validator) subject at a time, and completions are delivered
// in the order the checks were submitted for that subject (spec §4.2
// "Import pipeline").
//
// The Verifier collaborator is a synchronous, context-based interface
// (pkg/collab.Verifier); this package is what turns it into the
// message-passing, oneshot-reply idiom the rest of the core expects --
// one goroutine per in-flight check, reporting its result on a channel the
// caller drains via (*Pipeline).Completions.
package pipeline

import (
	"container/list"
	"context"
	"sync"

	"github.com/parastream/approvaldist/pkg/collab"
	"github.com/parastream/approvaldist/pkg/subject"
)

// PendingKind distinguishes the two message shapes the pipeline queues.
type PendingKind uint8

const (
	PendingAssignment PendingKind = iota
	PendingApproval
)

// PendingMessage is one queued (not yet checked) message for a subject.
type PendingMessage struct {
	Kind PendingKind
	Peer collab.PeerID

	Assignment     collab.IndirectAssignmentCert
	CandidateIndex subject.CandidateIndex
	Approval       collab.IndirectSignedApprovalVote
}

// CompletionOutcome reports how a queued check resolved.
type CompletionOutcome uint8

const (
	// OutcomeCompleted means the verifier returned a result.
	OutcomeCompleted CompletionOutcome = iota
	// OutcomeCanceled means the context was canceled before a result arrived
	// (spec §4.2 "PendingCheckCanceled").
	OutcomeCanceled
)

// Completion is delivered exactly once per message whose check was started,
// in submission order within its subject. Backlog entries discarded by
// Forget never start and produce no Completion.
type Completion struct {
	Subject subject.Subject
	Kind    PendingKind
	Peer    collab.PeerID
	Message PendingMessage

	Outcome    CompletionOutcome
	Assignment collab.AssignmentCheckResult
	Approval   collab.ApprovalCheckResult
	Err        error
}

// subjectQueue is the per-subject serialization unit: a FIFO backlog plus
// an in-flight flag, exactly mirroring the original's "pending_messages" +
// "pending_work idle flag" pair (spec §4.2). Assignment and approval
// checks for the same subject share one queue, so an approval can never
// start verification ahead of the assignment it depends on (spec §4.2:
// "a peer's approval is only acceptable once its assignment is known
// valid").
type subjectQueue struct {
	backlog  *list.List // of PendingMessage
	inFlight bool
}

func newSubjectQueue() *subjectQueue {
	return &subjectQueue{backlog: list.New()}
}

// IsIdle reports whether no check is currently outstanding for this queue.
func (q *subjectQueue) IsIdle() bool { return !q.inFlight }

// Pipeline serializes verifier calls per subject and fans completions back
// out on a single ordered channel.
type Pipeline struct {
	mu       sync.Mutex
	verifier collab.Verifier

	queues map[subject.Subject]*subjectQueue

	completions chan Completion
}

// New returns a Pipeline backed by verifier. completionBuffer sizes the
// internal completion channel; callers must keep draining Completions() or
// goroutines will block delivering results.
func New(verifier collab.Verifier, completionBuffer int) *Pipeline {
	return &Pipeline{
		verifier:    verifier,
		queues:      make(map[subject.Subject]*subjectQueue),
		completions: make(chan Completion, completionBuffer),
	}
}

// Completions returns the channel completions are delivered on. Each
// subject's queue preserves submission order; distinct subjects may
// interleave freely.
func (p *Pipeline) Completions() <-chan Completion { return p.completions }

// subjectFor derives the (block, candidate, validator) key a message is
// serialized under, which is the same subject regardless of whether it
// names an assignment or an approval for it.
func subjectFor(block subject.BlockHash, msg PendingMessage) subject.Subject {
	if msg.Kind == PendingApproval {
		return subject.Subject{Block: block, Candidate: msg.Approval.CandidateIndex, Validator: msg.Approval.Validator}
	}
	return subject.Subject{Block: block, Candidate: msg.CandidateIndex, Validator: msg.Assignment.Validator}
}

func (p *Pipeline) queueFor(subj subject.Subject) *subjectQueue {
	q, ok := p.queues[subj]
	if !ok {
		q = newSubjectQueue()
		p.queues[subj] = q
	}
	return q
}

// Submit enqueues msg for its subject. If the subject is idle, the check
// starts immediately; otherwise msg waits behind whatever is already in
// flight or backlogged for that subject (spec §4.2 "at most one
// outstanding check per subject").
func (p *Pipeline) Submit(ctx context.Context, block subject.BlockHash, msg PendingMessage) {
	subj := subjectFor(block, msg)

	p.mu.Lock()
	q := p.queueFor(subj)
	if q.inFlight {
		q.backlog.PushBack(msg)
		p.mu.Unlock()
		return
	}
	q.inFlight = true
	p.mu.Unlock()

	p.start(ctx, block, subj, msg)
}

// start launches the goroutine that performs one verifier call and
// reports its outcome, then -- on completion -- pulls the next backlog
// entry for the same subject, if any, keeping the queue moving without
// requiring the caller to re-invoke Submit (spec §4.7 "force-start next
// item on completion").
func (p *Pipeline) start(ctx context.Context, block subject.BlockHash, subj subject.Subject, msg PendingMessage) {
	go func() {
		completion := p.check(ctx, subj, msg)
		p.completions <- completion

		p.mu.Lock()
		q := p.queueFor(subj)
		front := q.backlog.Front()
		if front == nil {
			q.inFlight = false
			p.mu.Unlock()
			return
		}
		q.backlog.Remove(front)
		next := front.Value.(PendingMessage)
		p.mu.Unlock()

		p.start(ctx, block, subj, next)
	}()
}

func (p *Pipeline) check(ctx context.Context, subj subject.Subject, msg PendingMessage) Completion {
	base := Completion{
		Subject: subj,
		Kind:    msg.Kind,
		Peer:    msg.Peer,
		Message: msg,
	}

	type result struct {
		assignment collab.AssignmentCheckResult
		approval   collab.ApprovalCheckResult
		err        error
	}
	resultCh := make(chan result, 1)

	go func() {
		var r result
		if msg.Kind == PendingAssignment {
			r.assignment, r.err = p.verifier.CheckAndImportAssignment(ctx, msg.Assignment, msg.CandidateIndex)
		} else {
			r.approval, r.err = p.verifier.CheckAndImportApproval(ctx, msg.Approval)
		}
		resultCh <- r
	}()

	select {
	case <-ctx.Done():
		base.Outcome = OutcomeCanceled
		base.Err = ctx.Err()
		return base
	case r := <-resultCh:
		base.Outcome = OutcomeCompleted
		base.Assignment = r.assignment
		base.Approval = r.approval
		base.Err = r.err
		return base
	}
}

// IsIdle reports whether no assignment or approval check is currently
// outstanding for subj.
func (p *Pipeline) IsIdle(subj subject.Subject) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.queues[subj]
	return !ok || q.IsIdle()
}

// Forget drops every subject's queue for block, discarding any still-queued
// backlog entries. Call once a block is finalized; in-flight goroutines
// still deliver their Completion, which the dispatcher should discard for
// an unknown block.
func (p *Pipeline) Forget(block subject.BlockHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for subj := range p.queues {
		if subj.Block == block {
			delete(p.queues, subj)
		}
	}
}
