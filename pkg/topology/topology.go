// Package topology implements the per-session grid (X/Y) neighbour
// registry, required-routing resolution, and the random-routing sampler
// that opportunistically routes outside the grid (spec §4.1).
package topology

import (
	"math"
	"math/rand/v2"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/parastream/approvaldist/pkg/subject"
)

// RequiredRouting is a subset-of-peers routing policy derived from the grid
// topology. PendingTopology means the session's topology has not arrived
// yet; routing is recomputed once it does (spec §4.3 step 2, §9 "tagged
// routing state").
type RequiredRouting uint8

const (
	// None routes to nobody beyond what random routing picks.
	None RequiredRouting = iota
	// PendingTopology defers routing until the session topology arrives.
	PendingTopology
	// GridX routes along the validator's grid row.
	GridX
	// GridY routes along the validator's grid column.
	GridY
	// GridXY routes along both row and column.
	GridXY
	// All routes to every peer aware of the block (aggression L1 originator
	// broadcast).
	All
)

func (r RequiredRouting) String() string {
	switch r {
	case None:
		return "none"
	case PendingTopology:
		return "pending-topology"
	case GridX:
		return "grid-x"
	case GridY:
		return "grid-y"
	case GridXY:
		return "grid-xy"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// Grid is one session's X/Y neighbour arrangement: every validator has a row
// and a column of peer validator indices (a roughly sqrt(n) x sqrt(n)
// arrangement, per spec GLOSSARY).
type Grid struct {
	Session uint64
	rows    map[subject.ValidatorIndex]map[subject.ValidatorIndex]struct{}
	cols    map[subject.ValidatorIndex]map[subject.ValidatorIndex]struct{}
	// validatorPeer maps a validator index to the network peer identity that
	// represents it, when known. Peers the grid cannot attribute to any
	// validator are never "in topology" and fall back to random routing only.
	validatorPeer map[subject.ValidatorIndex]PeerKey
	peerValidator map[PeerKey]subject.ValidatorIndex
}

// PeerKey is the topology-level peer identity; pkg/collab.PeerID satisfies
// this via a simple string conversion at call sites, keeping this package
// free of a dependency on the collaborator boundary.
type PeerKey string

// NewGrid builds a Grid from explicit row/column membership, as delivered by
// a NewGossipTopology event. peerOf resolves a validator index to the peer
// identity gossiping on its behalf, when that mapping is known.
func NewGrid(session uint64, rows, cols map[subject.ValidatorIndex][]subject.ValidatorIndex, peerOf map[subject.ValidatorIndex]PeerKey) *Grid {
	g := &Grid{
		Session:       session,
		rows:          make(map[subject.ValidatorIndex]map[subject.ValidatorIndex]struct{}, len(rows)),
		cols:          make(map[subject.ValidatorIndex]map[subject.ValidatorIndex]struct{}, len(cols)),
		validatorPeer: make(map[subject.ValidatorIndex]PeerKey, len(peerOf)),
		peerValidator: make(map[PeerKey]subject.ValidatorIndex, len(peerOf)),
	}
	for v, members := range rows {
		set := make(map[subject.ValidatorIndex]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		g.rows[v] = set
	}
	for v, members := range cols {
		set := make(map[subject.ValidatorIndex]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		g.cols[v] = set
	}
	for v, p := range peerOf {
		g.validatorPeer[v] = p
		g.peerValidator[p] = v
	}
	return g
}

// RequiredRoutingByIndex computes the routing policy for a message
// originating at validator (spec §4.3 step 2). local is true iff this core
// is the validator itself.
func (g *Grid) RequiredRoutingByIndex(validator subject.ValidatorIndex, local bool) RequiredRouting {
	if g == nil {
		return PendingTopology
	}
	if local {
		return GridXY
	}
	return GridX
}

// RouteToPeer reports whether required routes to peer under this grid,
// given the subject's origin validator. GridXY matches either row or
// column membership; GridX/GridY match only their own axis; All and None
// are resolved by the caller before consulting the grid (All => every peer
// in scope; None => only random routing applies).
func (g *Grid) RouteToPeer(required RequiredRouting, origin subject.ValidatorIndex, peer PeerKey) bool {
	if g == nil {
		return false
	}
	v, ok := g.peerValidator[peer]
	if !ok {
		return false
	}
	switch required {
	case GridX:
		return g.inRow(origin, v)
	case GridY:
		return g.inCol(origin, v)
	case GridXY:
		return g.inRow(origin, v) || g.inCol(origin, v)
	default:
		return false
	}
}

func (g *Grid) inRow(origin, v subject.ValidatorIndex) bool {
	row, ok := g.rows[origin]
	if !ok {
		return false
	}
	_, ok = row[v]
	return ok
}

func (g *Grid) inCol(origin, v subject.ValidatorIndex) bool {
	col, ok := g.cols[origin]
	if !ok {
		return false
	}
	_, ok = col[v]
	return ok
}

// ---------------------------------------------------------------------------
// Registry: per-session topologies, refcounted by the blocks that hold them.
// ---------------------------------------------------------------------------

// Registry holds one Grid per session and refcounts it against the blocks
// currently in scope, releasing it once no block references the session
// (spec §5 "session topologies are refcounted").
type Registry struct {
	mu     sync.Mutex
	grids  map[uint64]*Grid
	refs   map[uint64]int
	group  singleflight.Group // collapses concurrent builds for one session
}

// NewRegistry returns an empty topology Registry.
func NewRegistry() *Registry {
	return &Registry{
		grids: make(map[uint64]*Grid),
		refs:  make(map[uint64]int),
	}
}

// Get returns the Grid for session, or nil if it has not arrived yet.
func (r *Registry) Get(session uint64) *Grid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grids[session]
}

// Set installs the Grid for a session if none is installed yet and returns
// the installed Grid. When a Grid is already installed for the session,
// build is not called and the existing Grid is returned unchanged.
// Concurrent Set calls for the same session are collapsed via singleflight
// so only one caller actually builds the grid; all callers that raced
// observe the same installed *Grid.
func (r *Registry) Set(session uint64, build func() *Grid) *Grid {
	v, _, _ := r.group.Do(keyFor(session), func() (interface{}, error) {
		r.mu.Lock()
		if existing, ok := r.grids[session]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.mu.Unlock()

		g := build()

		r.mu.Lock()
		r.grids[session] = g
		r.mu.Unlock()
		return g, nil
	})
	return v.(*Grid)
}

// Acquire increments session's refcount. Call once per block that enters
// scope referencing the session.
func (r *Registry) Acquire(session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[session]++
}

// Release decrements session's refcount; once it reaches zero the grid is
// dropped and may be rebuilt fresh if the session is ever referenced again.
func (r *Registry) Release(session uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[session]--
	if r.refs[session] <= 0 {
		delete(r.refs, session)
		delete(r.grids, session)
	}
}

func keyFor(session uint64) string {
	return "session:" + itoa(session)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ---------------------------------------------------------------------------
// Random routing: Bernoulli sampler bounding expected random out-degree.
// ---------------------------------------------------------------------------

// RandomRouting tracks how many random (non-grid) sends have occurred for
// one message. Its zero value is ready to use.
type RandomRouting struct {
	sent uint32
}

// Sent reports how many random sends have fired so far.
func (rr *RandomRouting) Sent() uint32 { return rr.sent }

// randomBudget bounds the number of random sends any single message may
// accumulate; spec §9 targets an expected total <= 4 regardless of peer
// count, so a small hard cap keeps the tail bounded even under an unlucky
// run of successful samples.
const randomBudget = 4

// Sample draws a Bernoulli trial with probability 4/(n*sqrt(n)) per
// candidate peer, so the expected number of random-route sends across all
// n peers is 4/sqrt(n): O(1/sqrt(n)) in total and never above 4. It
// never fires once the per-message budget is spent. rng is owned by the
// dispatcher and threaded in by the caller (spec §3 "Ownership").
func (rr *RandomRouting) Sample(rng *rand.Rand, totalPeers int) bool {
	if rr.sent >= randomBudget {
		return false
	}
	if totalPeers <= 0 {
		return false
	}
	// Each candidate peer gets an independent draw probability of
	// randomBudget / (totalPeers * sqrt(totalPeers)), which keeps the
	// expected number of firings at O(n^-1.5) per peer and
	// randomBudget/sqrt(n) in aggregate.
	n := float64(totalPeers)
	p := float64(randomBudget) / (n * math.Sqrt(n))
	if p > 1 {
		p = 1
	}
	if rng.Float64() >= p {
		return false
	}
	rr.sent++
	return true
}

// NewRNG returns a process-local random source. The dispatcher owns exactly
// one of these and threads it into every operation that samples (spec §3).
func NewRNG(seed1, seed2 uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed1, seed2))
}
