package elicitation

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// BoundState ties an OAuth state token to the elicitation and user that
// created it.
type BoundState struct {
	ElicitationID string
	UserID        string
}

// StateTable is the in-memory OAuth state store. States are single-use
// and never persisted.
type StateTable struct {
	mu     sync.Mutex
	states map[string]BoundState
}

// NewStateTable creates an empty state table.
func NewStateTable() *StateTable {
	return &StateTable{states: map[string]BoundState{}}
}

// Issue mints a fresh state token bound to (elicitationID, userID).
func (t *StateTable) Issue(elicitationID, userID string) string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	state := hex.EncodeToString(buf)

	t.mu.Lock()
	t.states[state] = BoundState{ElicitationID: elicitationID, UserID: userID}
	t.mu.Unlock()
	return state
}

// Consume validates and removes a state token. The second return is
// false for unknown or already-consumed states.
func (t *StateTable) Consume(state string) (BoundState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bound, ok := t.states[state]
	if ok {
		delete(t.states, state)
	}
	return bound, ok
}
