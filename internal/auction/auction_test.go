package auction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/ledger"
	"github.com/diiisco/diiisco/internal/protocol"
)

func bid(from string, price float64) Bid {
	return Bid{
		FromPeer: peer.ID(from),
		Quote: protocol.Quote{
			TotalPrice: price,
			Addr:       "ADDR-" + from,
		},
	}
}

func TestCheapestPolicy(t *testing.T) {
	bids := []Bid{bid("a", 0.5), bid("b", 0.1), bid("c", 0.1)}
	winner := Cheapest(context.Background(), bids)
	// Ties break by arrival order.
	if winner.FromPeer != peer.ID("b") {
		t.Errorf("winner = %s, want b", winner.FromPeer)
	}
}

func TestFirstPolicy(t *testing.T) {
	bids := []Bid{bid("a", 0.5), bid("b", 0.1)}
	if winner := First(context.Background(), bids); winner.FromPeer != peer.ID("a") {
		t.Errorf("winner = %s, want a", winner.FromPeer)
	}
}

func TestRandomPolicyStaysInSet(t *testing.T) {
	bids := []Bid{bid("a", 1), bid("b", 2), bid("c", 3)}
	members := map[peer.ID]bool{"a": true, "b": true, "c": true}
	for i := 0; i < 50; i++ {
		if w := Random(context.Background(), bids); !members[w.FromPeer] {
			t.Fatalf("winner %s not in bid set", w.FromPeer)
		}
	}
}

type stakeLedger struct {
	ledger.Client
	balances map[string]uint64
}

func (s *stakeLedger) CheckIfOptedInToAsset(ctx context.Context, addr string, assetID uint64) (*ledger.OptInStatus, error) {
	return &ledger.OptInStatus{OptedIn: true, Balance: s.balances[addr]}, nil
}

func TestHighestStakePolicy(t *testing.T) {
	lc := &stakeLedger{balances: map[string]uint64{
		"ADDR-a": 100,
		"ADDR-b": 900,
		"ADDR-c": 900,
	}}
	policy := HighestStake(lc, 31566704)

	winner := policy(context.Background(), []Bid{bid("a", 1), bid("b", 2), bid("c", 3)})
	// Ties break by arrival order.
	if winner.FromPeer != peer.ID("b") {
		t.Errorf("winner = %s, want b", winner.FromPeer)
	}
}

func TestNewPolicyRejectsUnknownTag(t *testing.T) {
	if _, err := NewPolicy("dearest", nil, 0); err != ErrUnknownPolicy {
		t.Errorf("err = %v, want ErrUnknownPolicy", err)
	}
}

func TestEngineSelectsAfterWindow(t *testing.T) {
	var mu sync.Mutex
	var winners []Bid
	done := make(chan struct{}, 1)

	e := NewEngine(30*time.Millisecond, Cheapest, func(id string, w Bid) {
		mu.Lock()
		winners = append(winners, w)
		mu.Unlock()
		done <- struct{}{}
	})
	defer e.Close()

	e.AddBid("sess-1", bid("a", 0.5))
	e.AddBid("sess-1", bid("b", 0.2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("window never closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(winners) != 1 {
		t.Fatalf("selected %d times, want 1", len(winners))
	}
	if winners[0].FromPeer != peer.ID("b") {
		t.Errorf("winner = %s, want b", winners[0].FromPeer)
	}
}

func TestEngineDiscardsLateBids(t *testing.T) {
	done := make(chan Bid, 2)
	e := NewEngine(20*time.Millisecond, First, func(id string, w Bid) {
		done <- w
	})
	defer e.Close()

	e.AddBid("sess-2", bid("a", 0.5))
	<-done

	// After the window closed, further bids for the same id must not reopen
	// the auction.
	e.AddBid("sess-2", bid("b", 0.1))

	select {
	case w := <-done:
		t.Errorf("late bid triggered a second selection: %+v", w)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestEngineIndependentSessions(t *testing.T) {
	var mu sync.Mutex
	got := make(map[string]Bid)
	done := make(chan struct{}, 2)

	e := NewEngine(20*time.Millisecond, Cheapest, func(id string, w Bid) {
		mu.Lock()
		got[id] = w
		mu.Unlock()
		done <- struct{}{}
	})
	defer e.Close()

	e.AddBid("sess-x", bid("a", 0.9))
	e.AddBid("sess-y", bid("b", 0.1))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("windows never closed")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got["sess-x"].FromPeer != peer.ID("a") || got["sess-y"].FromPeer != peer.ID("b") {
		t.Errorf("winners = %+v", got)
	}
}

func TestEngineCloseStopsTimers(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := NewEngine(10*time.Millisecond, First, func(string, Bid) {
		fired <- struct{}{}
	})

	e.AddBid("sess-z", bid("a", 1))
	e.Close()

	select {
	case <-fired:
		t.Error("selection fired after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTombstoneExpiresAfterTTL(t *testing.T) {
	done := make(chan Bid, 1)
	e := NewEngine(10*time.Millisecond, First, func(id string, w Bid) {
		done <- w
	})
	e.tombstoneTTL = 20 * time.Millisecond
	defer e.Close()

	e.AddBid("sess-ttl", bid("a", 1))
	<-done

	e.mu.Lock()
	_, present := e.bids["sess-ttl"]
	e.mu.Unlock()
	if !present {
		t.Fatal("no tombstone right after the window closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.Lock()
		_, present = e.bids["sess-ttl"]
		e.mu.Unlock()
		if !present {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("tombstone never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForgetReopensSession(t *testing.T) {
	done := make(chan Bid, 2)
	e := NewEngine(15*time.Millisecond, First, func(id string, w Bid) {
		done <- w
	})
	defer e.Close()

	e.AddBid("sess-w", bid("a", 1))
	<-done

	e.Forget("sess-w")
	e.AddBid("sess-w", bid("b", 2))

	select {
	case w := <-done:
		if w.FromPeer != peer.ID("b") {
			t.Errorf("winner = %s, want b", w.FromPeer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forgotten session did not reopen")
	}
}
