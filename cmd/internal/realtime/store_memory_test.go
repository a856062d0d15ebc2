package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryMessageStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := NewMemoryMessageStore(WithClock(clock.Now))

	msg, err := s.Append(context.Background(), "lobby", "A", json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == "" || msg.Room != "lobby" || msg.Sender != "A" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if string(msg.Content) != `"hi"` {
		t.Fatalf("expected content to be kept verbatim, got %s", msg.Content)
	}
	if msg.Timestamp != clock.Now().UnixMilli() {
		t.Fatalf("expected timestamp=%d, got %d", clock.Now().UnixMilli(), msg.Timestamp)
	}

	got, err := s.History(context.Background(), "lobby", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("expected history to contain the appended record, got %+v", got)
	}
}

func TestMemoryMessageStore_CapsAndOrdersMostRecentFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryMessageStore(WithClock(newFakeClock().Now))

	for i := 0; i < HistoryCap+1; i++ {
		if _, err := s.Append(ctx, "lobby", "A", json.RawMessage(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.History(ctx, "lobby", HistoryCap+500)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != HistoryCap {
		t.Fatalf("expected %d messages, got %d", HistoryCap, len(got))
	}
	if string(got[0].Content) != fmt.Sprintf("%d", HistoryCap) {
		t.Fatalf("expected newest first, got %s", got[0].Content)
	}
	if string(got[len(got)-1].Content) != "1" {
		t.Fatalf("expected oldest surviving message to be 1, got %s", got[len(got)-1].Content)
	}
}

func TestMemoryMessageStore_HistoryLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryMessageStore(WithClock(newFakeClock().Now))
	for i := 0; i < 150; i++ {
		if _, err := s.Append(ctx, "lobby", "A", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cases := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: 100},
		{limit: -3, want: 100},
		{limit: 5, want: 5},
		{limit: 500, want: 150},
	}
	for _, tc := range cases {
		got, err := s.History(ctx, "lobby", tc.limit)
		if err != nil {
			t.Fatalf("limit=%d: %v", tc.limit, err)
		}
		if len(got) != tc.want {
			t.Fatalf("limit=%d: expected %d, got %d", tc.limit, tc.want, len(got))
		}
	}
}

func TestMemoryMessageStore_SlidingExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryMessageStore(WithClock(clock.Now))

	if _, err := s.Append(ctx, "lobby", "A", json.RawMessage(`1`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A read at 11h pushes expiry to 23h.
	clock.Advance(11 * time.Hour)
	if got, _ := s.History(ctx, "lobby", 10); len(got) != 1 {
		t.Fatalf("expected history before expiry, got %d", len(got))
	}

	clock.Advance(11 * time.Hour)
	if got, _ := s.History(ctx, "lobby", 10); len(got) != 1 {
		t.Fatalf("expected read to have reset expiry, got %d messages", len(got))
	}

	clock.Advance(HistoryTTL)
	got, err := s.History(ctx, "lobby", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected room to expire after 12h idle, got %d", len(got))
	}
}

func TestMemoryMessageStore_UnknownRoomIsEmpty(t *testing.T) {
	t.Parallel()

	got, err := NewMemoryMessageStore().History(context.Background(), "nowhere", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}
