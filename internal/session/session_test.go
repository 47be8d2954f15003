package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/protocol"
)

func TestOpenRejectsDuplicates(t *testing.T) {
	m := NewManager()

	if _, err := m.Open("sess-1", RoleCustomer, peer.ID("p"), StateDiscovering); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Open("sess-1", RoleCustomer, peer.ID("p"), StateDiscovering); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("err = %v, want ErrDuplicateSession", err)
	}
}

func TestOpenRejectsCrossRoleDuplicate(t *testing.T) {
	m := NewManager()

	if _, err := m.Open("sess-x", RoleCustomer, peer.ID("provider"), StateQuoted); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The same id under the other role must not replace the live session.
	if _, err := m.Open("sess-x", RoleProvider, peer.ID("attacker"), StateQuoteOffered); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("err = %v, want ErrDuplicateSession", err)
	}

	s, ok := m.Get("sess-x")
	if !ok {
		t.Fatal("original session gone")
	}
	if s.Role != RoleCustomer || s.State != StateQuoted || s.Peer != peer.ID("provider") {
		t.Errorf("session overwritten: %+v", s)
	}
}

func TestCustomerPath(t *testing.T) {
	m := NewManager()
	provider := peer.ID("provider")

	if _, err := m.Open("sess-2", RoleCustomer, provider, StateDiscovering); err != nil {
		t.Fatalf("Open: %v", err)
	}

	steps := []struct{ from, to State }{
		{StateDiscovering, StateQuoted},
		{StateQuoted, StateAccepted},
		{StateAccepted, StateContractSignedSent},
		{StateContractSignedSent, StatePaid},
	}
	for _, step := range steps {
		if err := m.Advance("sess-2", step.from, step.to); err != nil {
			t.Fatalf("Advance %s -> %s: %v", step.from, step.to, err)
		}
	}

	s, ok := m.Get("sess-2")
	if !ok || s.State != StatePaid {
		t.Errorf("final state = %+v", s)
	}
}

func TestAdvanceGuardsCurrentState(t *testing.T) {
	m := NewManager()
	m.Open("sess-3", RoleProvider, peer.ID("c"), StateQuoteOffered)

	// A replayed contract-signed must not re-enter inference.
	if err := m.Advance("sess-3", StateContractCreatedSent, StateInferring); !errors.Is(err, ErrBadTransition) {
		t.Errorf("err = %v, want ErrBadTransition", err)
	}
	if err := m.Advance("nope", StateQuoteOffered, StateInferring); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestDropTerminatesSession(t *testing.T) {
	m := NewManager()
	m.Open("sess-4", RoleCustomer, peer.ID("p"), StateDiscovering)
	m.SetQuote("sess-4", protocol.Quote{TotalPrice: 0.017})

	m.Drop("sess-4")
	if _, ok := m.Get("sess-4"); ok {
		t.Error("session still active after drop")
	}
	if m.Active() != 0 {
		t.Errorf("active = %d, want 0", m.Active())
	}
}

func TestRendezvousHandsOff(t *testing.T) {
	r := NewRendezvous()

	got := make(chan interface{}, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		v, err := r.Await(context.Background(), "quote-selected-abc")
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		got <- v
	}()

	<-ready
	// Let the waiter register before resolving.
	for !r.Resolve("quote-selected-abc", "winner") {
		time.Sleep(time.Millisecond)
	}

	select {
	case v := <-got:
		if v != "winner" {
			t.Errorf("value = %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestRendezvousAwaitTimesOut(t *testing.T) {
	r := NewRendezvous()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Await(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	// After the waiter gave up, resolving finds no one.
	if r.Resolve("never", 1) {
		t.Error("Resolve found a waiter after timeout")
	}
}

func TestWatchRegistersBeforeWait(t *testing.T) {
	r := NewRendezvous()

	// The registration is live as soon as Watch returns, so a value arriving
	// before Wait is buffered, not lost.
	w := r.Watch("quote-selected-fast")
	if !r.Resolve("quote-selected-fast", "winner") {
		t.Fatal("Resolve found no waiter after Watch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := w.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != "winner" {
		t.Errorf("value = %v", v)
	}
}

func TestWaiterCancelWithdraws(t *testing.T) {
	r := NewRendezvous()

	w := r.Watch("abandoned")
	w.Cancel()

	if r.Resolve("abandoned", 1) {
		t.Error("Resolve found a waiter after Cancel")
	}
}

func TestRendezvousResolveWithoutWaiter(t *testing.T) {
	r := NewRendezvous()
	if r.Resolve("no-waiter", 42) {
		t.Error("Resolve reported delivery with no waiter")
	}
}
