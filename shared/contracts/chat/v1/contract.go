// Package v1 defines the roomrelay chat protocol v1.
//
// Every frame is a flat JSON object tagged by "type". Client frames decode into
// one of the ClientEvent variants; server frames are built with the New*
// constructors so the tag is always set.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> server types.
const (
	TypeJoin       = "join"
	TypeMessage    = "message"
	TypeGetHistory = "get_history"
)

// Server -> client types. TypeMessage is shared by both directions.
const (
	TypeJoined         = "joined"
	TypeMessageHistory = "message_history"
	TypeUserJoinedRoom = "user_joined_room"
	TypeUserLeftRoom   = "user_left_room"
)

// DefaultHistoryLimit is used when a history request carries no positive limit.
const DefaultHistoryLimit = 100

var (
	// ErrUnknownType is returned for frames whose "type" is not part of the protocol.
	ErrUnknownType = errors.New("unknown event type")
	// ErrMissingField is returned when a required field is empty.
	ErrMissingField = errors.New("missing required field")
)

// ClientEvent is one of *Join, *SendMessage or *GetHistory.
type ClientEvent interface {
	EventType() string
	Validate() error
}

// Join assigns a user id to the connection and optionally enters a room.
type Join struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
}

func (*Join) EventType() string { return TypeJoin }

// Validate never fails: both fields are optional.
func (*Join) Validate() error { return nil }

// SendMessage posts content into a room.
type SendMessage struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (*SendMessage) EventType() string { return TypeMessage }

func (m *SendMessage) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return nil
}

// GetHistory asks for the most recent messages of a room.
type GetHistory struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
}

func (*GetHistory) EventType() string { return TypeGetHistory }

func (g *GetHistory) Validate() error {
	if g.RoomID == "" {
		return fmt.Errorf("%w: roomId", ErrMissingField)
	}
	return nil
}

// EffectiveLimit returns Limit, or DefaultHistoryLimit when Limit is not positive.
func (g *GetHistory) EffectiveLimit() int {
	if g.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return g.Limit
}

// DecodeClientEvent parses a raw client frame into its typed variant.
// It does not call Validate.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode client event: %w", err)
	}

	var ev ClientEvent
	switch head.Type {
	case TypeJoin:
		ev = &Join{}
	case TypeMessage:
		ev = &SendMessage{}
	case TypeGetHistory:
		ev = &GetHistory{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return ev, nil
}
