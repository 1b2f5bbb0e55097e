package converge

import (
	"sort"
	"strings"
	"sync"
)

// MessageStore persists confirmed messages per chat scope so history and
// search work without the network. Pending entries are never stored.
type MessageStore interface {
	PutMessages(scope Scope, msgs []Message) error
	// Messages returns the newest limit messages of scope in the order
	// they were first stored.
	// A limit <= 0 returns everything.
	Messages(scope Scope, limit int) ([]Message, error)
	DeleteMessage(scope Scope, id MessageID) error
	// Search returns up to limit messages whose content contains query,
	// case-insensitively, in stored order.
	Search(scope Scope, query string, limit int) ([]Message, error)
}

// ============================================================================
// MemoryStorage
// ============================================================================

type storedMessage struct {
	msg Message
	seq int
}

// MemoryStorage is a goroutine-safe in-memory MessageStore.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[Scope]map[MessageID]*storedMessage
	seq      int
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[Scope]map[MessageID]*storedMessage),
	}
}

func (s *MemoryStorage) PutMessages(scope Scope, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[scope]
	if bucket == nil {
		bucket = make(map[MessageID]*storedMessage)
		s.messages[scope] = bucket
	}
	for _, m := range msgs {
		if m.ID == "" || m.Status == StatusPending {
			continue
		}
		if existing, ok := bucket[m.ID]; ok {
			existing.msg = m
			continue
		}
		s.seq++
		bucket[m.ID] = &storedMessage{msg: m, seq: s.seq}
	}
	return nil
}

func (s *MemoryStorage) Messages(scope Scope, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := s.sortedLocked(scope, func(Message) bool { return true })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStorage) DeleteMessage(scope Scope, id MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages[scope], id)
	return nil
}

func (s *MemoryStorage) Search(scope Scope, query string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	result := s.sortedLocked(scope, func(m Message) bool {
		return strings.Contains(strings.ToLower(m.Content), q)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// sortedLocked returns the matching messages of scope in insertion order.
func (s *MemoryStorage) sortedLocked(scope Scope, keep func(Message) bool) []Message {
	var entries []*storedMessage
	for _, e := range s.messages[scope] {
		if keep(e.msg) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}
