package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PresenceKey is the shared key holding the live-tab registry.
const PresenceKey = "tabPresence"

// StoreChange describes a write another instance may care about. Key is empty
// when the backend cannot tell which key changed.
type StoreChange struct {
	Key   string
	Value string
}

// SharedStore is the storage shared by every chatsync instance on a machine.
// Shared values are visible to all instances; session values are namespaced by
// session key and only read by the instance that owns it.
type SharedStore interface {
	Presence(ctx context.Context) ([]TabPresenceRecord, error)
	UpdatePresence(ctx context.Context, fn func([]TabPresenceRecord) []TabPresenceRecord) ([]TabPresenceRecord, error)

	SharedValue(ctx context.Context, key string) (string, bool, error)
	SetSharedValue(ctx context.Context, key, value string) error
	DeleteSharedValue(ctx context.Context, key string) error

	SessionValue(ctx context.Context, sessionKey, key string) (string, bool, error)
	SetSessionValue(ctx context.Context, sessionKey, key, value string) error
	DeleteSessionValue(ctx context.Context, sessionKey, key string) error
	ClearSession(ctx context.Context, sessionKey string) error

	Subscribe(ctx context.Context) (<-chan StoreChange, func(), error)
}

// DecodePresence parses a registry value. An empty value is an empty registry.
func DecodePresence(raw string) ([]TabPresenceRecord, error) {
	if raw == "" {
		return nil, nil
	}
	var records []TabPresenceRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decode presence registry: %w", err)
	}
	return records, nil
}

// EncodePresence serialises a registry value.
func EncodePresence(records []TabPresenceRecord) (string, error) {
	if records == nil {
		records = []TabPresenceRecord{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode presence registry: %w", err)
	}
	return string(b), nil
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process SharedStore. Instances sharing
// one MemoryStore behave like tabs of a single browser profile.
type MemoryStore struct {
	mu       sync.RWMutex
	shared   map[string]string
	sessions map[string]map[string]string

	subMu       sync.RWMutex
	subscribers map[int64]chan StoreChange
	nextID      int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shared:      make(map[string]string),
		sessions:    make(map[string]map[string]string),
		subscribers: make(map[int64]chan StoreChange),
	}
}

// ── Presence ─────────────────────────────────────────────

func (s *MemoryStore) Presence(ctx context.Context) ([]TabPresenceRecord, error) {
	s.mu.RLock()
	raw := s.shared[PresenceKey]
	s.mu.RUnlock()
	return DecodePresence(raw)
}

func (s *MemoryStore) UpdatePresence(ctx context.Context, fn func([]TabPresenceRecord) []TabPresenceRecord) ([]TabPresenceRecord, error) {
	s.mu.Lock()
	records, err := DecodePresence(s.shared[PresenceKey])
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	records = fn(records)
	raw, err := EncodePresence(records)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	changed := s.shared[PresenceKey] != raw
	s.shared[PresenceKey] = raw
	s.mu.Unlock()

	if changed {
		s.publish(StoreChange{Key: PresenceKey, Value: raw})
	}
	return records, nil
}

// ── Shared values ────────────────────────────────────────

func (s *MemoryStore) SharedValue(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.shared[key]
	return v, ok, nil
}

func (s *MemoryStore) SetSharedValue(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.shared[key] = value
	s.mu.Unlock()
	s.publish(StoreChange{Key: key, Value: value})
	return nil
}

func (s *MemoryStore) DeleteSharedValue(ctx context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.shared[key]
	delete(s.shared, key)
	s.mu.Unlock()
	if existed {
		s.publish(StoreChange{Key: key})
	}
	return nil
}

// ── Session values ───────────────────────────────────────

func (s *MemoryStore) SessionValue(ctx context.Context, sessionKey, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sessions[sessionKey][key]
	return v, ok, nil
}

func (s *MemoryStore) SetSessionValue(ctx context.Context, sessionKey, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.sessions[sessionKey]
	if !ok {
		values = make(map[string]string)
		s.sessions[sessionKey] = values
	}
	values[key] = value
	return nil
}

func (s *MemoryStore) DeleteSessionValue(ctx context.Context, sessionKey, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[sessionKey], key)
	return nil
}

func (s *MemoryStore) ClearSession(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
	return nil
}

// ── Change notification ──────────────────────────────────

// Subscribe returns a stream of shared-value changes. The stream is released
// when ctx ends or the returned cancel func is called. Slow readers miss
// changes rather than block writers.
func (s *MemoryStore) Subscribe(ctx context.Context) (<-chan StoreChange, func(), error) {
	ch := make(chan StoreChange, 16)

	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = ch
	s.subMu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}

func (s *MemoryStore) publish(change StoreChange) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
