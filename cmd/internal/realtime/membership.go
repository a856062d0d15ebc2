package realtime

import (
	"context"
	"sort"
	"sync"
)

// Membership is the room membership store: a local cache in front of a
// durable MembershipBackend.
//
// The cache holds two views per room:
//   - local: users who joined through this instance and have not left here.
//     Only this instance's own Join and Leave calls change it.
//   - snapshot: the member list from the backend's most recent answer, which
//     also covers members from other instances.
//
// Backend answers for concurrent calls can arrive out of order, so a stale
// snapshot may lack a user who joined here; the local view keeps that user a
// target. Fan-out reads only the cache.
type Membership struct {
	backend MembershipBackend

	mu    sync.RWMutex
	rooms map[string]*roomView
}

type roomView struct {
	local    map[string]struct{}
	snapshot map[string]struct{}
}

func (v *roomView) empty() bool {
	return len(v.local) == 0 && len(v.snapshot) == 0
}

// NewMembership constructs a Membership over backend.
func NewMembership(backend MembershipBackend) *Membership {
	return &Membership{
		backend: backend,
		rooms:   make(map[string]*roomView),
	}
}

// Join adds userID to room and returns the member count reported by the backend.
func (m *Membership) Join(ctx context.Context, room, userID string) (int, error) {
	members, err := m.backend.Add(ctx, room, userID)
	if err != nil {
		return 0, backendErr("membership.join", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.view(room)
	v.snapshot = toSet(members)
	v.local[userID] = struct{}{}
	return len(v.snapshot), nil
}

// Leave removes userID from room and returns the remaining member count.
// left reports whether userID was a member, either durably or in the cache.
// An emptied room loses its durable record and its cache entry; its message
// history is not touched.
func (m *Membership) Leave(ctx context.Context, room, userID string) (total int, left bool, err error) {
	cached := m.contains(room, userID)

	members, removed, err := m.backend.Remove(ctx, room, userID)
	if err != nil {
		return 0, false, backendErr("membership.leave", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.view(room)
	v.snapshot = toSet(members)
	delete(v.snapshot, userID)
	delete(v.local, userID)
	if v.empty() {
		delete(m.rooms, room)
	}
	return len(members), removed || cached, nil
}

// Members returns the cached member ids of room, sorted. Unknown rooms yield nil.
func (m *Membership) Members(room string) []string {
	m.mu.RLock()
	v := m.rooms[room]
	var out []string
	if v != nil {
		out = make([]string, 0, len(v.snapshot)+len(v.local))
		for id := range v.snapshot {
			out = append(out, id)
		}
		for id := range v.local {
			if _, dup := v.snapshot[id]; !dup {
				out = append(out, id)
			}
		}
	}
	m.mu.RUnlock()

	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func (m *Membership) contains(room, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.rooms[room]
	if v == nil {
		return false
	}
	_, inSnapshot := v.snapshot[userID]
	_, inLocal := v.local[userID]
	return inSnapshot || inLocal
}

// view returns room's entry, creating it. Callers hold m.mu.
func (m *Membership) view(room string) *roomView {
	v := m.rooms[room]
	if v == nil {
		v = &roomView{
			local:    make(map[string]struct{}),
			snapshot: make(map[string]struct{}),
		}
		m.rooms[room] = v
	}
	return v
}

func toSet(members []string) map[string]struct{} {
	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	return set
}
