// Package elicitation implements the server-to-user request flows: form
// input, execution approval, and URL redirects, with per-user deadlines
// and a fallback policy for clients that cannot elicit.
package elicitation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

// Kind discriminates the three flow types.
type Kind string

const (
	KindForm     Kind = "form"
	KindApproval Kind = "approval"
	KindURL      Kind = "url"
)

// Status is an elicitation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeclined  Status = "declined"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
)

// Outcome is what a resolved elicitation delivers to its waiter.
type Outcome struct {
	Status Status
	Values map[string]any // form fields, or {"action": ...} for approvals
}

// Elicitation is one pending request. Each is a rendezvous: the waiter
// blocks on done, the resolver sends exactly once.
type Elicitation struct {
	ID       string
	UserID   string
	Service  string
	Tool     string
	Kind     Kind
	Schema   *FormSchema
	Provider string
	Deadline time.Time

	mu     sync.Mutex
	status Status
	done   chan Outcome
}

// Status returns the current lifecycle status.
func (e *Elicitation) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// resolve moves a pending elicitation to a terminal status and wakes the
// waiter. Subsequent resolutions are ignored.
func (e *Elicitation) resolve(outcome Outcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusPending {
		return false
	}
	e.status = outcome.Status
	e.done <- outcome
	return true
}

// Store holds pending elicitations in memory, keyed by id. All three
// flow kinds share it.
type Store struct {
	mu      sync.RWMutex
	pending map[string]*Elicitation
}

// NewStore creates an empty elicitation store.
func NewStore() *Store {
	return &Store{pending: map[string]*Elicitation{}}
}

// Create registers a new pending elicitation.
func (s *Store) Create(userID, service, tool string, kind Kind, schema *FormSchema, provider string, deadline time.Time) *Elicitation {
	e := &Elicitation{
		ID:       "elicitation:" + uuid.NewString(),
		UserID:   userID,
		Service:  service,
		Tool:     tool,
		Kind:     kind,
		Schema:   schema,
		Provider: provider,
		Deadline: deadline,
		status:   StatusPending,
		done:     make(chan Outcome, 1),
	}
	s.mu.Lock()
	s.pending[e.ID] = e
	s.mu.Unlock()
	return e
}

// Get returns a pending elicitation by id.
func (s *Store) Get(id string) (*Elicitation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pending[id]
	if !ok {
		return nil, uerr.New(uerr.TagElicitationNotFound, "no elicitation %s", id)
	}
	return e, nil
}

// Remove drops an elicitation once its waiter has consumed the outcome.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount reports how many elicitations are outstanding.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
