// Package auction collects quote bids per session and selects a winner when
// the window closes.
package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/pkg/logging"
)

// ErrUnknownPolicy is returned for a selection policy outside the closed set.
var ErrUnknownPolicy = errors.New("unknown selection policy")

// tombstoneTTL bounds how long a closed session's key lingers to catch late
// bids. It outlives the façade's request deadline, so by the time a key can
// be reused nothing is waiting on a selection for it.
const tombstoneTTL = time.Minute

// Bid is one provider's offer for a session.
type Bid struct {
	FromPeer peer.ID
	Quote    protocol.Quote
}

// SelectedFunc receives the winning bid when a session's window closes.
type SelectedFunc func(sessionID string, winner Bid)

// Engine buffers bids per session id. The first bid arms a one-shot window
// timer; when it fires, the selection policy picks a winner, the buffer is
// deleted, and late bids for that id are discarded.
type Engine struct {
	wait         time.Duration
	policy       Policy
	onSelected   SelectedFunc
	tombstoneTTL time.Duration
	log          *logging.Logger

	mu     sync.Mutex
	bids   map[string][]Bid
	timers map[string]*time.Timer
	closed bool
}

// NewEngine builds an auction engine with the given window and policy.
func NewEngine(wait time.Duration, policy Policy, onSelected SelectedFunc) *Engine {
	return &Engine{
		wait:         wait,
		policy:       policy,
		onSelected:   onSelected,
		tombstoneTTL: tombstoneTTL,
		log:          logging.GetDefault().Component("auction"),
		bids:         make(map[string][]Bid),
		timers:       make(map[string]*time.Timer),
	}
}

// AddBid buffers a bid. The first bid for a session opens its window; bids
// for a session whose window already closed are dropped.
func (e *Engine) AddBid(sessionID string, bid Bid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if _, open := e.timers[sessionID]; !open {
		if _, had := e.bids[sessionID]; had {
			// Window already closed for this id.
			e.log.Debug("Discarding late bid", "session", sessionID, "from", bid.FromPeer)
			return
		}
		e.timers[sessionID] = time.AfterFunc(e.wait, func() {
			e.closeWindow(sessionID)
		})
	}

	e.bids[sessionID] = append(e.bids[sessionID], bid)
	e.log.Debug("Buffered bid", "session", sessionID, "from", bid.FromPeer,
		"total_price", bid.Quote.TotalPrice, "count", len(e.bids[sessionID]))
}

// closeWindow runs selection and emits the winner. The bid list key stays
// behind as a tombstone so late bids are recognized and dropped, then expires
// after tombstoneTTL so completed sessions do not pin memory.
func (e *Engine) closeWindow(sessionID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	bids := e.bids[sessionID]
	e.bids[sessionID] = nil
	delete(e.timers, sessionID)
	cb := e.onSelected
	time.AfterFunc(e.tombstoneTTL, func() {
		e.expireTombstone(sessionID)
	})
	e.mu.Unlock()

	if len(bids) == 0 {
		return
	}

	winner := e.policy(context.Background(), bids)
	e.log.Info("Auction window closed", "session", sessionID,
		"bids", len(bids), "winner", winner.FromPeer, "price", winner.Quote.TotalPrice)

	if cb != nil {
		cb(sessionID, winner)
	}
}

// expireTombstone reclaims a closed session's key. A window re-opened
// through Forget has a live timer and is left alone.
func (e *Engine) expireTombstone(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, open := e.timers[sessionID]; open {
		return
	}
	if len(e.bids[sessionID]) == 0 {
		delete(e.bids, sessionID)
	}
}

// Forget removes all state for a session, including the tombstone.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bids, sessionID)
	if t, ok := e.timers[sessionID]; ok {
		t.Stop()
		delete(e.timers, sessionID)
	}
}

// Close stops every pending window timer. No selection fires after Close.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
