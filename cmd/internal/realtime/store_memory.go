package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	v1 "roomrelay/shared/contracts/chat/v1"
)

// MemoryMessageStore is a single-process MessageStore for dev and tests.
// It reproduces the cap and sliding-expiry semantics of the shared backends.
type MemoryMessageStore struct {
	now func() time.Time
	ttl time.Duration
	cap int

	mu    sync.Mutex
	rooms map[string]*memHistory
}

type memHistory struct {
	msgs      []v1.Message // oldest first
	expiresAt time.Time
}

// MemoryOption configures the in-memory stores.
type MemoryOption func(*MemoryMessageStore)

// WithClock replaces time.Now for expiry decisions and timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryMessageStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryMessageStore constructs an empty in-memory MessageStore.
func NewMemoryMessageStore(opts ...MemoryOption) *MemoryMessageStore {
	s := &MemoryMessageStore{
		now:   func() time.Time { return time.Now().UTC() },
		ttl:   HistoryTTL,
		cap:   HistoryCap,
		rooms: make(map[string]*memHistory),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append stores a message at the head of room's history.
func (s *MemoryMessageStore) Append(ctx context.Context, room, sender string, content json.RawMessage) (v1.Message, error) {
	if room == "" {
		return v1.Message{}, errors.New("realtime: empty room")
	}
	if err := ctx.Err(); err != nil {
		return v1.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	msg := newMessage(room, sender, content, now)

	h := s.live(room, now)
	if h == nil {
		h = &memHistory{msgs: make([]v1.Message, 0, 64)}
		s.rooms[room] = h
	}
	h.msgs = append(h.msgs, msg)
	if over := len(h.msgs) - s.cap; over > 0 {
		h.msgs = append(h.msgs[:0:0], h.msgs[over:]...)
	}
	h.expiresAt = now.Add(s.ttl)

	return msg, nil
}

// History returns up to limit messages, most recent first.
func (s *MemoryMessageStore) History(ctx context.Context, room string, limit int) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = historyLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	h := s.live(room, now)
	if h == nil {
		return []v1.Message{}, nil
	}
	h.expiresAt = now.Add(s.ttl)

	n := len(h.msgs)
	if limit > n {
		limit = n
	}
	out := make([]v1.Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.msgs[i])
	}
	return out, nil
}

// live returns room's history, dropping it first if it has expired.
// Callers hold s.mu.
func (s *MemoryMessageStore) live(room string, now time.Time) *memHistory {
	h := s.rooms[room]
	if h == nil {
		return nil
	}
	if !now.Before(h.expiresAt) {
		delete(s.rooms, room)
		return nil
	}
	return h
}

// MemoryMembershipBackend is a single-process MembershipBackend.
type MemoryMembershipBackend struct {
	mu    sync.Mutex
	rooms map[string][]string // join order
}

// NewMemoryMembershipBackend constructs an empty backend.
func NewMemoryMembershipBackend() *MemoryMembershipBackend {
	return &MemoryMembershipBackend{rooms: make(map[string][]string)}
}

// Add inserts userID into room unless already present.
func (b *MemoryMembershipBackend) Add(ctx context.Context, room, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.rooms[room]
	for _, id := range members {
		if id == userID {
			return append([]string(nil), members...), nil
		}
	}
	members = append(members, userID)
	b.rooms[room] = members
	return append([]string(nil), members...), nil
}

// Remove deletes userID from room; the record goes away with its last member.
func (b *MemoryMembershipBackend) Remove(ctx context.Context, room, userID string) ([]string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		return nil, false, nil
	}
	kept := make([]string, 0, len(members))
	removed := false
	for _, id := range members {
		if id == userID {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	if len(kept) == 0 {
		delete(b.rooms, room)
		return nil, removed, nil
	}
	b.rooms[room] = kept
	return append([]string(nil), kept...), removed, nil
}

// load returns the durable member list of room and whether a record exists.
func (b *MemoryMembershipBackend) load(_ context.Context, room string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	return append([]string(nil), members...), ok
}
