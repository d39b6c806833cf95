// Package collab defines the boundary types the core shares with its three
// external collaborators: the Overseer (block-tree producer and signal
// source), the Network Bridge (transport and peer identity), and Approval
// Voting (cryptographic verification). Nothing in this package does any
// real work; it exists so the rest of the module can depend on interfaces
// instead of concrete transport/crypto/consensus implementations.
package collab

import (
	"context"

	"github.com/parastream/approvaldist/pkg/subject"
)

// PeerID is a value-typed handle assigned by the network bridge. The core
// never interprets its contents.
type PeerID string

// AssignmentCert is an opaque certificate produced by the approval-voting
// collaborator. The core forwards it verbatim; it never inspects the bytes.
type AssignmentCert struct {
	Validator subject.ValidatorIndex
	Payload   []byte
}

// ApprovalSignature is an opaque signature over an approval vote.
type ApprovalSignature struct {
	Payload []byte
}

// IndirectAssignmentCert names the block and validator an AssignmentCert
// was produced for, as carried over the wire.
type IndirectAssignmentCert struct {
	BlockHash subject.BlockHash
	Validator subject.ValidatorIndex
	Cert      AssignmentCert
}

// IndirectSignedApprovalVote names the block, candidate, and validator an
// approval vote covers, as carried over the wire.
type IndirectSignedApprovalVote struct {
	BlockHash      subject.BlockHash
	CandidateIndex subject.CandidateIndex
	Validator      subject.ValidatorIndex
	Signature      ApprovalSignature
}

// BlockApprovalMeta describes one block in a NewBlocks signal.
type BlockApprovalMeta struct {
	Hash            subject.BlockHash
	Number          uint64
	ParentHash      subject.BlockHash
	CandidatesCount int
	Session         uint64
}

// ---------------------------------------------------------------------------
// Peer protocol v1 (inbound from network / outbound to network)
// ---------------------------------------------------------------------------

// AssignmentsMsg carries a batch of assignments for one or more candidates.
type AssignmentsMsg struct {
	Assignments []IndirectAssignmentCertWithCandidate
}

// IndirectAssignmentCertWithCandidate pairs a certificate with the candidate
// it was produced for; a cert is valid for exactly one candidate index.
type IndirectAssignmentCertWithCandidate struct {
	Cert           IndirectAssignmentCert
	CandidateIndex subject.CandidateIndex
}

// ApprovalsMsg carries a batch of signed approval votes.
type ApprovalsMsg struct {
	Approvals []IndirectSignedApprovalVote
}

// V1Payload is the sum type of inbound/outbound gossip payloads. Exactly one
// field is set.
type V1Payload struct {
	Assignments *AssignmentsMsg
	Approvals   *ApprovalsMsg
}

// ---------------------------------------------------------------------------
// Network events (inbound from the network bridge)
// ---------------------------------------------------------------------------

// View is a peer's (or our own) notion of which blocks are in scope.
type View struct {
	Heads           []subject.BlockHash
	FinalizedNumber uint64
}

// NetworkEvent is the sum type of events the network bridge raises. Exactly
// one field is set.
type NetworkEvent struct {
	PeerConnected    *PeerConnected
	PeerDisconnected *PeerID
	NewGossipTopology *NewGossipTopology
	PeerViewChange   *PeerViewChange
	OurViewChange    *View
	PeerMessage      *PeerMessage
}

// PeerConnected announces a freshly connected peer and its initial view.
type PeerConnected struct {
	Peer PeerID
	View View
}

// NewGossipTopology announces the grid topology for a session.
type NewGossipTopology struct {
	Session  uint64
	Topology SessionTopology
}

// SessionTopology is the minimal shape pkg/collab exposes; pkg/topology
// defines the real grid construction and row/column resolution this wraps.
// ValidatorPeer resolves a validator index to the network peer identity
// gossiping on its behalf; authority discovery (matching a validator's
// session key to its libp2p/devp2p identity) is the network bridge's job,
// not this core's, so the mapping simply arrives pre-resolved here.
type SessionTopology struct {
	Session       uint64
	ValidatorRows map[subject.ValidatorIndex][]subject.ValidatorIndex
	ValidatorCols map[subject.ValidatorIndex][]subject.ValidatorIndex
	ValidatorPeer map[subject.ValidatorIndex]PeerID
}

// PeerViewChange announces a peer's updated view.
type PeerViewChange struct {
	Peer PeerID
	View View
}

// PeerMessage is an inbound gossip payload from a specific peer.
type PeerMessage struct {
	Peer    PeerID
	Payload V1Payload
}

// ---------------------------------------------------------------------------
// Overseer messages (inbound) and signals
// ---------------------------------------------------------------------------

// OverseerMessage is the sum type of messages/signals the overseer raises.
// Exactly one field is set.
type OverseerMessage struct {
	NetworkBridgeUpdate *NetworkEvent
	NewBlocks           *[]BlockApprovalMeta
	DistributeAssignment *DistributeAssignment
	DistributeApproval  *IndirectSignedApprovalVote
	GetApprovalSignatures *GetApprovalSignatures
	ActiveLeaves        *struct{} // ignored per spec; present for completeness
	BlockFinalized      *BlockFinalized
	Conclude            bool
}

// DistributeAssignment is our own assignment, to be imported and routed.
type DistributeAssignment struct {
	Cert           IndirectAssignmentCert
	CandidateIndex subject.CandidateIndex
}

// BlockFinalized announces finality up to and including Number.
type BlockFinalized struct {
	Hash   subject.BlockHash
	Number uint64
}

// CandidateKey identifies one (block, candidate) pair for a signature query.
type CandidateKey struct {
	BlockHash      subject.BlockHash
	CandidateIndex subject.CandidateIndex
}

// GetApprovalSignatures asks for every known approval signature matching the
// requested keys; Reply is invoked exactly once with the result map, drawn
// from all MessageState entries in the Approved state that match a
// requested key. Keys with no match are simply absent from the reply.
type GetApprovalSignatures struct {
	Keys  map[CandidateKey]struct{}
	Reply func(map[subject.ValidatorIndex]ApprovalSignature)
}

// ---------------------------------------------------------------------------
// Outbound to bridge
// ---------------------------------------------------------------------------

// NetworkBridge is the core's one-way channel to the network transport
// collaborator. Implementations must not block the caller for long; the
// event loop's suspension points are exactly those documented in spec §5.
type NetworkBridge interface {
	// SendValidationMessage batches payload to every named peer.
	SendValidationMessage(peers []PeerID, payload V1Payload)
	// ReportPeer issues a reputation change for one peer.
	ReportPeer(peer PeerID, change ReputationChange)
}

// ReputationChangeKind tags the qualitative severity of a ReputationChange,
// matching the network bridge's own classification of reports (minor,
// minor-but-repeatable, major, and the two benefit variants).
type ReputationChangeKind uint8

const (
	CostMinor ReputationChangeKind = iota
	CostMinorRepeated
	CostMajor
	BenefitMinor
	BenefitMinorFirst
)

// ReputationChange is reported to the network bridge. pkg/reputation owns
// the concrete values (codes and reasons); this boundary package only
// defines the wire shape so pkg/collab stays free of core internals.
type ReputationChange struct {
	Kind   ReputationChangeKind
	Code   string
	Reason string
}

// ---------------------------------------------------------------------------
// To the verifier (approval-voting collaborator)
// ---------------------------------------------------------------------------

// AssignmentCheckResult is the verifier's verdict on an assignment.
type AssignmentCheckResult int

const (
	Accepted AssignmentCheckResult = iota
	AcceptedDuplicate
	TooFarInFuture
	BadAssignment
)

// ApprovalCheckResult is the verifier's verdict on an approval.
type ApprovalCheckResult int

const (
	ApprovalAccepted ApprovalCheckResult = iota
	ApprovalBad
)

// Verifier performs cryptographic verification and import of assignments
// and approvals. Each method is a synchronous call returning one result;
// pkg/pipeline runs every call on its own goroutine and delivers the
// result as a single Completion, which is how the core gets its
// request/single-reply shape. If ctx is canceled before a call returns,
// the pipeline reports the check as canceled, which the core surfaces as
// PendingCheckCanceled.
type Verifier interface {
	CheckAndImportAssignment(ctx context.Context, cert IndirectAssignmentCert, candidateIndex subject.CandidateIndex) (AssignmentCheckResult, error)
	CheckAndImportApproval(ctx context.Context, vote IndirectSignedApprovalVote) (ApprovalCheckResult, error)
}
