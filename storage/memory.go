package storage

import "sync"

// MemoryStore is an in-memory Store for tests and non-persistent
// deployments. Blobs are copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uint64][]byte
	groups   map[uint64][]byte
	calls    map[[16]byte][]byte
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uint64][]byte),
		groups:   make(map[uint64][]byte),
		calls:    make(map[[16]byte][]byte),
	}
}

func (s *MemoryStore) SaveSession(device uint64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[device] = clone(state)
	return nil
}

func (s *MemoryStore) LoadSession(device uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[device]
	if !ok {
		return nil, ErrStateNotFound
	}
	return clone(state), nil
}

func (s *MemoryStore) DeleteSession(device uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[device]; !ok {
		return ErrStateNotFound
	}
	delete(s.sessions, device)
	return nil
}

func (s *MemoryStore) SaveGroup(id uint64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[id] = clone(state)
	return nil
}

func (s *MemoryStore) LoadGroup(id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.groups[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return clone(state), nil
}

func (s *MemoryStore) DeleteGroup(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrStateNotFound
	}
	delete(s.groups, id)
	return nil
}

func (s *MemoryStore) SaveCall(id [16]byte, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = clone(state)
	return nil
}

func (s *MemoryStore) LoadCall(id [16]byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.calls[id]
	if !ok {
		return nil, ErrStateNotFound
	}
	return clone(state), nil
}

func (s *MemoryStore) DeleteCall(id [16]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[id]; !ok {
		return ErrStateNotFound
	}
	delete(s.calls, id)
	return nil
}

// Close wipes all stored state.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, blob := range s.sessions {
		zero(blob)
		delete(s.sessions, k)
	}
	for k, blob := range s.groups {
		zero(blob)
		delete(s.groups, k)
	}
	for k, blob := range s.calls {
		zero(blob)
		delete(s.calls, k)
	}
	s.closed = true
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
