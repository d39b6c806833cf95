// Package aggression implements escalation: once the unfinalized span
// reaches configured thresholds, messages at the oldest tracked height
// are re-routed more broadly, and eventually resent outright, on the
// assumption that something is keeping the network from finalizing (spec
// §4.5 "Aggression").
package aggression

import (
	"github.com/parastream/approvaldist/pkg/router"
	"github.com/parastream/approvaldist/pkg/store"
	"github.com/parastream/approvaldist/pkg/subject"
	"github.com/parastream/approvaldist/pkg/topology"
)

// Config mirrors the original's AggressionConfig: every threshold is
// optional, and a nil value disables that escalation tier entirely (spec
// §4.5). The zero value disables all three tiers.
type Config struct {
	// L1Threshold escalates locally-originated messages to All once the
	// unfinalized span reaches it (span >= threshold).
	L1Threshold *uint64
	// L2Threshold escalates every remaining non-local message to GridXY
	// once the unfinalized span reaches it (span >= threshold).
	L2Threshold *uint64
	// ResendUnfinalizedPeriod, when set, re-sends every message at the
	// oldest tracked height every time span is a multiple of the period.
	ResendUnfinalizedPeriod *uint64
}

// DefaultConfig matches the original's defaults: L1 at 1000 blocks, L2 at
// 10000, resend disabled.
func DefaultConfig() Config {
	l1 := uint64(1000)
	l2 := uint64(10000)
	return Config{L1Threshold: &l1, L2Threshold: &l2}
}

// Controller runs aggression escalation passes over a Store, using a
// Router to re-propagate messages whose routing policy just widened.
type Controller struct {
	cfg    Config
	store  *store.Store
	router *router.Router
}

// New builds a Controller.
func New(cfg Config, st *store.Store, r *router.Router) *Controller {
	return &Controller{cfg: cfg, store: st, router: r}
}

// Tick runs one escalation pass. It is cheap to call often: with nothing
// to escalate it does one Span() and one OldestBlocks() lookup and returns. The dispatcher calls
// this on a timer (spec §4.5 "periodically, aggression... is checked").
func (c *Controller) Tick() {
	min, max, ok := c.store.Span()
	if !ok {
		return
	}
	span := max - min
	blocks := c.store.OldestBlocks()

	if c.cfg.L1Threshold != nil && span >= *c.cfg.L1Threshold {
		c.escalateLocal(blocks)
	}
	if c.cfg.L2Threshold != nil && span >= *c.cfg.L2Threshold {
		c.escalateNonLocal(blocks)
	}
	if p := c.cfg.ResendUnfinalizedPeriod; p != nil && *p > 0 && span%*p == 0 {
		c.resend(blocks)
	}
}

// escalateLocal widens routing for our own messages to All -- an
// originator that suspects the grid isn't carrying its message broadcasts
// to everyone it knows (spec §4.5 "L1").
func (c *Controller) escalateLocal(blocks []*store.BlockEntry) {
	c.forEachPending(blocks, func(block *store.BlockEntry, candidateIdx subject.CandidateIndex, validator subject.ValidatorIndex, state *store.MessageState) {
		if !state.Local || state.RequiredRouting == topology.All {
			return
		}
		state.RequiredRouting = topology.All
		c.router.Propagate(block, candidateIdx, validator, state, "")
	})
}

// escalateNonLocal widens every remaining message's routing to GridXY --
// the candidate is reached regardless of which axis originally carried it
// (spec §4.5 "L2").
func (c *Controller) escalateNonLocal(blocks []*store.BlockEntry) {
	c.forEachPending(blocks, func(block *store.BlockEntry, candidateIdx subject.CandidateIndex, validator subject.ValidatorIndex, state *store.MessageState) {
		if state.Local || state.RequiredRouting == topology.GridXY || state.RequiredRouting == topology.All {
			return
		}
		state.RequiredRouting = topology.GridXY
		c.router.Propagate(block, candidateIdx, validator, state, "")
	})
}

// resend clears every peer's Sent ledger for the oldest blocks and
// re-propagates everything, the last-resort tier for when escalated
// routing still hasn't reached a stuck peer (spec §4.5 "Resend").
func (c *Controller) resend(blocks []*store.BlockEntry) {
	for _, block := range blocks {
		for _, pk := range block.KnownBy {
			pk.Sent = subject.NewKnowledge()
		}
	}
	c.forEachPending(blocks, func(block *store.BlockEntry, candidateIdx subject.CandidateIndex, validator subject.ValidatorIndex, state *store.MessageState) {
		c.router.Propagate(block, candidateIdx, validator, state, "")
	})
}

func (c *Controller) forEachPending(blocks []*store.BlockEntry, fn func(*store.BlockEntry, subject.CandidateIndex, subject.ValidatorIndex, *store.MessageState)) {
	for _, block := range blocks {
		for idx, entry := range block.Candidates {
			for validator, state := range entry {
				fn(block, subject.CandidateIndex(idx), validator, state)
			}
		}
	}
}
