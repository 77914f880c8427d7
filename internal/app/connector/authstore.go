package connector

import (
	"slices"
	"sync"

	"clickbit/internal/app/user"
)

// AuthSource publishes the application's auth state. Subscribe calls fn
// with the current state right away and again on every change.
type AuthSource interface {
	Subscribe(fn func(AuthState)) (unsubscribe func())
}

// AuthStore is an in-process AuthSource. Deliveries are serialized, so
// subscribers see changes in the order they were made. A subscriber must not
// call Set or Subscribe on the same store.
type AuthStore struct {
	// deliver is held from a state change until every subscriber has seen it.
	deliver sync.Mutex

	mu     sync.Mutex
	state  AuthState
	nextID int
	subs   map[int]func(AuthState)
}

func NewAuthStore() *AuthStore {
	return &AuthStore{subs: make(map[int]func(AuthState))}
}

// Subscribe implements AuthSource.
func (s *AuthStore) Subscribe(fn func(AuthState)) func() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	current := s.state
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Current returns the latest state.
func (s *AuthStore) Current() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set replaces the state and notifies subscribers in registration order.
func (s *AuthStore) Set(state AuthState) {
	if state.User != nil {
		profile := *state.User
		state.User = &profile
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	s.state = state
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	subs := make([]func(AuthState), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}

// Login records a signed-in user.
func (s *AuthStore) Login(token string, profile user.Profile) {
	s.Set(AuthState{Authenticated: true, Token: token, User: &profile})
}

// Logout clears the state.
func (s *AuthStore) Logout() {
	s.Set(AuthState{})
}
