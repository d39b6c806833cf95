// Package subject implements the deduplication key and per-subject knowledge
// ledger shared by the block store, import pipeline, and router.
package subject

// BlockHash identifies a relay block. Cryptographic verification of the
// hash itself is delegated to the approval-voting collaborator; this
// package only ever compares hashes structurally.
type BlockHash [32]byte

// CandidateIndex is the dense index of a parachain candidate within a relay
// block.
type CandidateIndex uint32

// ValidatorIndex identifies a validator within a session's validator set.
type ValidatorIndex uint32

// Subject is the deduplication key used identically for assignments and
// approvals: an approval always refers to a prior assignment on the same
// (block, candidate, validator) triple.
type Subject struct {
	Block     BlockHash
	Candidate CandidateIndex
	Validator ValidatorIndex
}

// Kind distinguishes an assignment from an approval. Approval strictly
// supersedes Assignment for the same Subject: knowing an approval implies
// knowing the assignment.
type Kind uint8

const (
	// Assignment records that a validator has committed to check a candidate.
	Assignment Kind = iota
	// Approval records a signed vote affirming the candidate, issued after a
	// successful local check. Approval > Assignment in the Kind ordering.
	Approval
)

// String implements fmt.Stringer for log output.
func (k Kind) String() string {
	switch k {
	case Assignment:
		return "assignment"
	case Approval:
		return "approval"
	default:
		return "unknown"
	}
}

// atLeast reports whether k already satisfies a query for "at least want".
// Approval satisfies a query for Assignment (an approval implies the
// assignment); Assignment does not satisfy a query for Approval.
func (k Kind) atLeast(want Kind) bool {
	return k >= want
}

// Knowledge maps a Subject to the strongest Kind known for it. A Subject
// absent from the map is entirely unknown. The zero value is an empty,
// ready-to-use ledger.
type Knowledge struct {
	entries map[Subject]Kind
}

// NewKnowledge returns an empty Knowledge ledger.
func NewKnowledge() *Knowledge {
	return &Knowledge{entries: make(map[Subject]Kind)}
}

// Contains reports whether the ledger records at least kind for subject.
// Approval implies Assignment; Assignment does not imply Approval.
func (k *Knowledge) Contains(s Subject, kind Kind) bool {
	if k == nil || k.entries == nil {
		return false
	}
	have, ok := k.entries[s]
	if !ok {
		return false
	}
	return have.atLeast(kind)
}

// Get returns the strongest Kind recorded for subject, and whether any
// entry exists at all.
func (k *Knowledge) Get(s Subject) (Kind, bool) {
	if k == nil || k.entries == nil {
		return 0, false
	}
	kind, ok := k.entries[s]
	return kind, ok
}

// Insert records kind for subject, upgrading Assignment to Approval but
// never downgrading. It returns novelty: true iff an insert or an
// Assignment -> Approval upgrade occurred.
func (k *Knowledge) Insert(s Subject, kind Kind) bool {
	if k.entries == nil {
		k.entries = make(map[Subject]Kind)
	}
	existing, ok := k.entries[s]
	if !ok {
		k.entries[s] = kind
		return true
	}
	if kind > existing {
		k.entries[s] = kind
		return true
	}
	return false
}

// Len reports the number of subjects tracked.
func (k *Knowledge) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}
