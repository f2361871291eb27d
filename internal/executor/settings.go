package executor

import "sync"

// SettingsStore is the in-memory target of settings_change actions.
// Accessors copy values out; callers never receive a live reference.
type SettingsStore struct {
	mu     sync.Mutex
	values map[string]any
}

// NewSettingsStore creates an empty store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{values: make(map[string]any)}
}

// Set writes a setting.
func (s *SettingsStore) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get reads a setting.
func (s *SettingsStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Snapshot copies out every setting.
func (s *SettingsStore) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
