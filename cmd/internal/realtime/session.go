package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"roomrelay/cmd/identity/ids"
	v1 "roomrelay/shared/contracts/chat/v1"
)

// SessionState is the per-connection protocol state.
type SessionState uint8

const (
	// StateUnjoined: no user id yet. Only join is acted on.
	StateUnjoined SessionState = iota
	// StateJoined: a user id is bound for the rest of the connection.
	StateJoined
)

func (s SessionState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Client event outcomes, as counted in roomrelay_client_events_total.
const (
	resultOK      = "ok"
	resultIgnored = "ignored"
	resultInvalid = "invalid"
	resultError   = "error"
)

var errNotJoined = errors.New("session has no user id")

// Session is the protocol state of one connection. It is driven by a single
// goroutine: Handle and Close must not be called concurrently.
type Session struct {
	inst   *Instance
	client *Client
	log    *slog.Logger

	state  SessionState
	userID string
	rooms  map[string]struct{}
}

// State returns the current protocol state.
func (s *Session) State() SessionState { return s.state }

// UserID returns the bound user id, or "" before the first join.
func (s *Session) UserID() string { return s.userID }

// Rooms returns the rooms this connection entered, sorted.
func (s *Session) Rooms() []string {
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// HandleFrame decodes one inbound text frame and dispatches it.
// Protocol errors (see v1.IsProtocolError) leave the session unchanged.
func (s *Session) HandleFrame(ctx context.Context, data []byte) error {
	ev, err := v1.DecodeClientEvent(data)
	if err != nil {
		s.count("unknown", resultInvalid)
		return err
	}
	return s.Handle(ctx, ev)
}

// Handle dispatches one decoded client event. Events that are not valid in
// the current state are dropped without a reply and without an error.
func (s *Session) Handle(ctx context.Context, ev v1.ClientEvent) error {
	typ := ev.EventType()
	if err := ev.Validate(); err != nil {
		s.count(typ, resultInvalid)
		return err
	}

	var err error
	switch e := ev.(type) {
	case *v1.Join:
		err = s.onJoin(ctx, e)
	case *v1.SendMessage:
		err = s.onMessage(ctx, e)
	case *v1.GetHistory:
		err = s.onGetHistory(ctx, e)
	default:
		s.count("unknown", resultInvalid)
		return fmt.Errorf("%w: %T", v1.ErrUnknownType, ev)
	}

	switch {
	case errors.Is(err, errNotJoined):
		s.count(typ, resultIgnored)
		s.log.Debug("session.drop.unjoined", "type", typ)
		return nil
	case err != nil:
		s.count(typ, resultError)
		return err
	}
	s.count(typ, resultOK)
	return nil
}

func (s *Session) onJoin(ctx context.Context, ev *v1.Join) error {
	if s.state == StateUnjoined {
		userID := ev.UserID
		if userID == "" {
			userID = ids.NewUUID()
		}
		s.userID = userID
		s.state = StateJoined
		if prev := s.inst.Registry.Register(userID, s.client); prev != nil {
			s.log.Info("session.rebind", "user_id", userID, "prev_conn_id", prev.ConnID)
		}
		s.log = s.log.With("user_id", userID)
		s.log.Debug("session.join")
	} else if ev.UserID != "" && ev.UserID != s.userID {
		s.log.Debug("session.join.user_id_ignored", "requested", ev.UserID)
	}

	s.send(v1.NewJoined(s.userID, ev.RoomID))
	if ev.RoomID == "" {
		return nil
	}

	room := ev.RoomID
	total, err := s.inst.Membership.Join(ctx, room, s.userID)
	if err != nil {
		s.inst.Metrics.BackendErrors.WithLabelValues(opOf(err)).Inc()
		return err
	}
	s.rooms[room] = struct{}{}

	var errs []error
	history, err := s.inst.Store.History(ctx, room, v1.DefaultHistoryLimit)
	if err != nil {
		errs = append(errs, s.backendFailure("store.history", err))
	} else {
		s.send(v1.NewMessageHistory(room, history))
	}

	if err := s.inst.Fanout.Broadcast(ctx, v1.NewUserJoinedRoom(room, s.userID, total)); err != nil {
		errs = append(errs, s.channelFailure(err))
	}
	return errors.Join(errs...)
}

func (s *Session) onMessage(ctx context.Context, ev *v1.SendMessage) error {
	if s.state != StateJoined {
		return errNotJoined
	}

	msg, err := s.inst.Store.Append(ctx, ev.RoomID, s.userID, ev.Content)
	if err != nil {
		return s.backendFailure("store.append", err)
	}
	s.inst.Metrics.MessagesStored.Inc()

	if err := s.inst.Fanout.Broadcast(ctx, v1.NewMessageEvent(msg)); err != nil {
		return s.channelFailure(err)
	}
	return nil
}

func (s *Session) onGetHistory(ctx context.Context, ev *v1.GetHistory) error {
	if s.state != StateJoined {
		return errNotJoined
	}

	history, err := s.inst.Store.History(ctx, ev.RoomID, ev.EffectiveLimit())
	if err != nil {
		return s.backendFailure("store.history", err)
	}
	s.send(v1.NewMessageHistory(ev.RoomID, history))
	return nil
}

// Close tears the session down: the user is unbound from this connection
// first so nothing more is routed to it, then every entered room is left and
// the departure announced. ctx should not be tied to the connection.
func (s *Session) Close(ctx context.Context) error {
	s.inst.Registry.Untrack(s.client)
	s.inst.Metrics.Connections.Set(float64(s.inst.Registry.Len()))
	if s.state != StateJoined {
		return nil
	}
	s.inst.Registry.Unregister(s.userID, s.client)

	var errs []error
	for _, room := range s.Rooms() {
		total, left, err := s.inst.Membership.Leave(ctx, room, s.userID)
		if err != nil {
			s.inst.Metrics.BackendErrors.WithLabelValues(opOf(err)).Inc()
			errs = append(errs, err)
			continue
		}
		delete(s.rooms, room)
		if !left {
			continue
		}
		if err := s.inst.Fanout.Broadcast(ctx, v1.NewUserLeftRoom(room, s.userID, total)); err != nil {
			errs = append(errs, s.channelFailure(err))
		}
	}
	return errors.Join(errs...)
}

func (s *Session) send(ev v1.ServerEvent) {
	if s.client.Enqueue(ev) {
		return
	}
	s.inst.Metrics.Dropped.Inc()
	s.log.Debug("session.send.drop", "type", ev.EventType())
}

func (s *Session) backendFailure(op string, err error) error {
	s.inst.Metrics.BackendErrors.WithLabelValues(op).Inc()
	return backendErr(op, err)
}

func (s *Session) channelFailure(err error) error {
	s.inst.Metrics.BackendErrors.WithLabelValues(opOf(err)).Inc()
	return err
}

func (s *Session) count(typ, result string) {
	s.inst.Metrics.ClientEvents.WithLabelValues(typ, result).Inc()
}
