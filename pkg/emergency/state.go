// Package emergency holds the single active emergency context a broker or
// executor currently believes in, and reconciles incoming candidates against
// it the same way across broker sync and direct propagation.
package emergency

import (
	"sync"

	"github.com/urbanfleet/dispatch/pkg/causal"
)

// State is a mutex-guarded slot for the currently active EmergencyContext.
type State struct {
	mu      sync.RWMutex
	current *causal.EmergencyContext
}

// New returns an empty state with no active emergency.
func New() *State {
	return &State{}
}

// Declare installs ctx unconditionally, used when a fleet emergency is
// declared explicitly (Coordinator.DeclareEmergency).
func (s *State) Declare(ctx *causal.EmergencyContext) {
	s.mu.Lock()
	s.current = ctx
	s.mu.Unlock()
}

// Clear drops any active emergency.
func (s *State) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Install reconciles candidate against the current context using the
// shared later-clock / higher-level / later-detected-at tie-break rule,
// and reports whether the active context changed identity as a result.
func (s *State) Install(candidate *causal.EmergencyContext) (changed bool) {
	if candidate == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	winner := causal.Reconcile(s.current, candidate)
	if winner != s.current {
		s.current = winner
		return true
	}
	return false
}

// Active returns the current emergency context, if any.
func (s *State) Active() (*causal.EmergencyContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.current != nil
}
