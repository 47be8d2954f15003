// Package session tracks the per-request workflow state on both sides of a
// trade and hands completion events back to waiting callers.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/diiisco/diiisco/internal/protocol"
	"github.com/diiisco/diiisco/pkg/logging"
)

// State is one step of the session workflow.
type State string

// Customer-side states.
const (
	StateDiscovering        State = "discovering"
	StateQuoted             State = "quoted"
	StateAccepted           State = "accepted"
	StateContractSignedSent State = "contract-signed-sent"
	StatePaid               State = "paid"
)

// Provider-side states.
const (
	StateQuoteOffered        State = "quote-offered"
	StateContractCreatedSent State = "contract-created-sent"
	StateInferring           State = "inferring"
	StateResponded           State = "responded"
)

// Role says which side of the trade this node plays for a session.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Session workflow errors.
var (
	ErrDuplicateSession = errors.New("session id already active")
	ErrUnknownSession   = errors.New("unknown session id")
	ErrBadTransition    = errors.New("invalid session state transition")
)

// Session is one in-flight trade. Exactly one session per id may exist.
type Session struct {
	ID        string
	Role      Role
	Peer      peer.ID
	Quote     protocol.Quote
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manager owns active sessions keyed by id. Transitions for distinct ids run
// independently; transitions for one id are serialized by the manager lock.
type Manager struct {
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds an empty session manager.
func NewManager() *Manager {
	return &Manager{
		log:      logging.GetDefault().Component("session"),
		sessions: make(map[string]*Session),
	}
}

// Open registers a new session. Any second open with the same id is rejected
// regardless of role, so a message carrying a live session's id can never
// replace the session it names.
func (m *Manager) Open(id string, role Role, remote peer.ID, initial State) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, ErrDuplicateSession
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		Role:      role,
		Peer:      remote,
		State:     initial,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[id] = s
	m.log.Debug("Session opened", "id", id, "role", role, "state", initial)
	return s, nil
}

// Get returns a snapshot of the session, if active.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Advance moves a session from one state to the next. The expected current
// state guards against replays and out-of-order messages.
func (m *Manager) Advance(id string, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if s.State != from {
		return ErrBadTransition
	}

	s.State = to
	s.UpdatedAt = time.Now()
	m.log.Debug("Session advanced", "id", id, "from", from, "to", to)
	return nil
}

// SetQuote attaches the winning quote to a session.
func (m *Manager) SetQuote(id string, q protocol.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.Quote = q
	s.UpdatedAt = time.Now()
	return nil
}

// Drop terminates a session. Terminal errors and completion both end here;
// no on-chain rollback is attempted.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		m.log.Debug("Session dropped", "id", id)
	}
}

// Active returns the number of in-flight sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
