package v1

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the stored, immutable chat record. It is also the element type of
// a message_history frame.
type Message struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Sender    string          `json:"sender"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
}

// ServerEvent is implemented by every server -> client frame.
type ServerEvent interface {
	EventType() string
	// RoomKey is the room the event is scoped to, or "" for unscoped events.
	RoomKey() string
}

// Joined acknowledges a join.
type Joined struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

func NewJoined(userID, roomID string) *Joined {
	return &Joined{Type: TypeJoined, UserID: userID, RoomID: roomID}
}

func (*Joined) EventType() string { return TypeJoined }
func (*Joined) RoomKey() string   { return "" }

// MessageHistory carries stored messages, most recent first.
type MessageHistory struct {
	Type     string    `json:"type"`
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

func NewMessageHistory(room string, msgs []Message) *MessageHistory {
	if msgs == nil {
		msgs = []Message{}
	}
	return &MessageHistory{Type: TypeMessageHistory, Room: room, Messages: msgs}
}

func (*MessageHistory) EventType() string { return TypeMessageHistory }
func (h *MessageHistory) RoomKey() string { return h.Room }

// MessageEvent is a stored message fanned out to room members.
type MessageEvent struct {
	Type string `json:"type"`
	Message
}

func NewMessageEvent(m Message) *MessageEvent {
	return &MessageEvent{Type: TypeMessage, Message: m}
}

func (*MessageEvent) EventType() string { return TypeMessage }
func (e *MessageEvent) RoomKey() string { return e.Room }

// UserJoinedRoom announces a new member and the resulting member count.
type UserJoinedRoom struct {
	Type       string `json:"type"`
	Room       string `json:"room"`
	UserID     string `json:"userId"`
	TotalUsers int    `json:"totalUsers"`
}

func NewUserJoinedRoom(room, userID string, total int) *UserJoinedRoom {
	return &UserJoinedRoom{Type: TypeUserJoinedRoom, Room: room, UserID: userID, TotalUsers: total}
}

func (*UserJoinedRoom) EventType() string { return TypeUserJoinedRoom }
func (e *UserJoinedRoom) RoomKey() string { return e.Room }

// UserLeftRoom announces a departure and the remaining member count.
type UserLeftRoom struct {
	Type       string `json:"type"`
	Room       string `json:"room"`
	UserID     string `json:"userId"`
	TotalUsers int    `json:"totalUsers"`
}

func NewUserLeftRoom(room, userID string, total int) *UserLeftRoom {
	return &UserLeftRoom{Type: TypeUserLeftRoom, Room: room, UserID: userID, TotalUsers: total}
}

func (*UserLeftRoom) EventType() string { return TypeUserLeftRoom }
func (e *UserLeftRoom) RoomKey() string { return e.Room }

// DecodeServerEvent parses a server frame, e.g. one replicated from another instance.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}

	var ev ServerEvent
	switch head.Type {
	case TypeJoined:
		ev = &Joined{}
	case TypeMessageHistory:
		ev = &MessageHistory{}
	case TypeMessage:
		ev = &MessageEvent{}
	case TypeUserJoinedRoom:
		ev = &UserJoinedRoom{}
	case TypeUserLeftRoom:
		ev = &UserLeftRoom{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}

// RemoteFrame is the envelope published on the cross-instance channel.
// Origin is the publishing instance id; receivers drop their own frames.
type RemoteFrame struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// EncodeRemoteFrame wraps ev for publication by instance origin.
func EncodeRemoteFrame(origin string, ev ServerEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(RemoteFrame{Origin: origin, Event: raw})
}

// DecodeRemoteFrame unwraps a channel payload. A bare event without an envelope
// is accepted with an empty origin.
func DecodeRemoteFrame(data []byte) (RemoteFrame, ServerEvent, error) {
	var f RemoteFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return RemoteFrame{}, nil, fmt.Errorf("decode remote frame: %w", err)
	}
	raw := []byte(f.Event)
	if len(raw) == 0 {
		raw = data
	}
	ev, err := DecodeServerEvent(raw)
	if err != nil {
		return f, nil, err
	}
	return f, ev, nil
}

// IsProtocolError reports whether err came from decoding or validating a frame
// rather than from I/O.
func IsProtocolError(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrMissingField) ||
		errors.As(err, &syn) ||
		errors.As(err, &typ)
}
