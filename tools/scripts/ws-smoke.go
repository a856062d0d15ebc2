// Package main provides a CI-friendly WebSocket smoke test for a running roomrelay.
//
// It validates:
//   - join with a room: joined, message_history, user_joined_room
//   - presence fan-out to an existing member
//   - message fan-out to every room member, sender included
//   - get_history returns the stored message
//   - user_left_room on disconnect
//
// Point -url-b at a second instance to exercise cross-instance delivery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "roomrelay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	subprotocol  = "roomrelay.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.ServerEvent
	errCh chan error
}

func main() {
	var (
		urlA    = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL for client A")
		urlB    = flag.String("url-b", "", "WebSocket URL for client B (defaults to -url)")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "", "Room to join (defaults to a fresh one)")
		text    = flag.String("text", "hello roomrelay", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *urlB == "" {
		*urlB = *urlA
	}
	for _, u := range []string{*urlA, *urlB} {
		if err := validateWSURL(u); err != nil {
			fatalf("invalid url %q: %v", u, err)
		}
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *room == "" {
		*room = "smoke-" + uuid.NewString()[:8]
	}

	root := context.Background()
	suffix := uuid.NewString()[:8]

	a := mustConnect(root, "A", "smoke-a-"+suffix, *urlA, *origin, *timeout)
	defer closeWS(a.conn)
	mustJoin(root, a, *room, 1, *timeout)

	b := mustConnect(root, "B", "smoke-b-"+suffix, *urlB, *origin, *timeout)
	mustJoin(root, b, *room, 2, *timeout)

	// A learns about B only when both share an instance: presence is not replicated.
	if *urlA == *urlB {
		p := a.mustReadUntil(root, v1.TypeUserJoinedRoom, *timeout).(*v1.UserJoinedRoom)
		if p.UserID != b.userID || p.TotalUsers != 2 {
			fatalf("A: expected user_joined_room{%s,2}, got {%s,%d}", b.userID, p.UserID, p.TotalUsers)
		}
	}

	content := mustJSON(map[string]string{"text": *text})
	mustWrite(root, a, v1.SendMessage{Type: v1.TypeMessage, RoomID: *room, Content: content}, *timeout)

	var msgID string
	for _, c := range []*smokeClient{a, b} {
		me := c.mustReadUntil(root, v1.TypeMessage, *timeout).(*v1.MessageEvent)
		if me.Sender != a.userID || me.Room != *room || string(me.Content) != string(content) {
			fatalf("%s: unexpected message %+v", c.name, me.Message)
		}
		if msgID == "" {
			msgID = me.ID
		} else if me.ID != msgID {
			fatalf("%s: message id mismatch: %s != %s", c.name, me.ID, msgID)
		}
	}
	mustAssertNoType(root, a, v1.TypeMessage, 750*time.Millisecond)

	mustWrite(root, b, v1.GetHistory{Type: v1.TypeGetHistory, RoomID: *room, Limit: 10}, *timeout)
	hist := b.mustReadUntil(root, v1.TypeMessageHistory, *timeout).(*v1.MessageHistory)
	if len(hist.Messages) == 0 || hist.Messages[0].ID != msgID {
		fatalf("B: expected history to start with %s, got %d messages", msgID, len(hist.Messages))
	}

	closeWS(b.conn)
	if *urlA == *urlB {
		left := a.mustReadUntil(root, v1.TypeUserLeftRoom, *timeout).(*v1.UserLeftRoom)
		if left.UserID != b.userID || left.TotalUsers != 1 {
			fatalf("A: expected user_left_room{%s,1}, got {%s,%d}", b.userID, left.UserID, left.TotalUsers)
		}
	}

	if *verbose {
		fmt.Printf("room=%s A=%s B=%s cross_instance=%v\n", *room, a.userID, b.userID, *urlA != *urlB)
	}
	fmt.Printf("OK: room=%s message_id=%s\n", *room, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.ServerEvent, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			ev, err := v1.DecodeServerEvent(data)
			if err != nil {
				c.fail(fmt.Errorf("bad frame %s: %w", data, err))
				return
			}
			select {
			case c.inbox <- ev:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, room string, wantTotal int, stepTimeout time.Duration) {
	mustWrite(parent, c, v1.Join{Type: v1.TypeJoin, UserID: c.userID, RoomID: room}, stepTimeout)

	joined := c.mustReadUntil(parent, v1.TypeJoined, stepTimeout).(*v1.Joined)
	if joined.UserID != c.userID || joined.RoomID != room {
		fatalf("%s: unexpected joined %+v", c.name, joined)
	}
	hist := c.mustReadUntil(parent, v1.TypeMessageHistory, stepTimeout).(*v1.MessageHistory)
	if hist.Room != room {
		fatalf("%s: history for wrong room %q", c.name, hist.Room)
	}
	p := c.mustReadUntil(parent, v1.TypeUserJoinedRoom, stepTimeout).(*v1.UserJoinedRoom)
	if p.UserID != c.userID || p.TotalUsers != wantTotal {
		fatalf("%s: expected user_joined_room{%s,%d}, got {%s,%d}", c.name, c.userID, wantTotal, p.UserID, p.TotalUsers)
	}
}

func (c *smokeClient) mustReadUntil(parent context.Context, wantType string, stepTimeout time.Duration) v1.ServerEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timeout waiting for %s", c.name, wantType)
		case err := <-c.errCh:
			fatalf("%s: read failed while waiting for %s: %v", c.name, wantType, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed while waiting for %s", c.name, wantType)
			}
			if ev.EventType() == wantType {
				return ev
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("%s: read failed: %v", c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				return
			}
			if ev.EventType() == forbiddenType {
				fatalf("%s: unexpected %s", c.name, forbiddenType)
			}
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, mustJSON(v)); err != nil {
		fatalf("%s: write: %v", c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("json.Marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
