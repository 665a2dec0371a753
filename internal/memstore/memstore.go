// Package memstore provides in-memory implementations of the presence
// store and bus ports. Used by tests (including multi-instance scenarios,
// by sharing one Store/Bus between managers) and by single-instance
// deployments running without Redis.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/sockfleet/sockfleet/internal/domain"
)

// Store is an in-memory domain.PresenceStore. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	online    map[string]struct{}
	held      map[string]map[string]struct{}
	deadlines map[string]time.Time
}

var _ domain.PresenceStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		online:    make(map[string]struct{}),
		held:      make(map[string]map[string]struct{}),
		deadlines: make(map[string]time.Time),
	}
}

func (s *Store) AddOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[userID]; ok {
		return false, nil
	}
	s.online[userID] = struct{}{}
	return true, nil
}

func (s *Store) RemoveOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[userID]; !ok {
		return false, nil
	}
	delete(s.online, userID)
	return true, nil
}

func (s *Store) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok, nil
}

func (s *Store) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.online))
	for u := range s.online {
		users = append(users, u)
	}
	return users, nil
}

func (s *Store) OnlineCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.online)), nil
}

func (s *Store) Heartbeat(_ context.Context, instanceID string, held []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(held))
	for _, u := range held {
		set[u] = struct{}{}
	}
	s.held[instanceID] = set
	s.deadlines[instanceID] = time.Now().Add(ttl)
	return nil
}

func (s *Store) HeldByLiveInstances(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]struct{})
	for id, deadline := range s.deadlines {
		if now.After(deadline) {
			continue
		}
		for u := range s.held[id] {
			out[u] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) RemoveInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, instanceID)
	delete(s.deadlines, instanceID)
	return nil
}

// ExpireInstance backdates an instance's heartbeat so tests can simulate
// a crashed process without waiting out a TTL.
func (s *Store) ExpireInstance(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[instanceID] = time.Now().Add(-time.Second)
}
