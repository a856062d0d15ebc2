package realtime

import (
	"context"
	"encoding/json"
	"time"

	"roomrelay/cmd/identity/ids"
	v1 "roomrelay/shared/contracts/chat/v1"
)

// MessageStore persists per-room message history.
//
// Requirements:
//   - History is most-recent-first and capped at HistoryCap entries.
//   - Append and History both reset the room's HistoryTTL expiry.
//   - Expiry is enforced by the backend; nothing sweeps from here.
//   - History on an unknown or expired room is empty, not an error.
type MessageStore interface {
	Append(ctx context.Context, room, sender string, content json.RawMessage) (v1.Message, error)
	History(ctx context.Context, room string, limit int) ([]v1.Message, error)
}

// MembershipBackend is the durable, cross-instance membership record.
//
// Add and Remove are atomic against other instances and return the member
// list as it stands after the change. A room whose last member is removed has
// no record left.
type MembershipBackend interface {
	Add(ctx context.Context, room, userID string) ([]string, error)
	Remove(ctx context.Context, room, userID string) (members []string, removed bool, err error)
}

// newMessage builds the immutable record for an append. Id and timestamp are
// always assigned here, never taken from the client.
func newMessage(room, sender string, content json.RawMessage, now time.Time) v1.Message {
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return v1.Message{
		ID:        ids.NewUUID(),
		Room:      room,
		Sender:    sender,
		Content:   append(json.RawMessage(nil), content...),
		Timestamp: now.UnixMilli(),
	}
}

// historyLimit clamps a requested limit into [1, HistoryCap].
func historyLimit(limit int) int {
	if limit <= 0 {
		return v1.DefaultHistoryLimit
	}
	if limit > HistoryCap {
		return HistoryCap
	}
	return limit
}
