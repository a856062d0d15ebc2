package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "roomrelay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

func TestGateway_JoinReceivesJoinedHistoryAndPresence(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testInstanceInput{FallbackAll: true})
	ts := startWSTestServer(t, inst, GatewayConfig{})
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, conn, v1.Join{Type: v1.TypeJoin, UserID: "A", RoomID: "lobby"})

	joined := readEventWS(t, conn).(*v1.Joined)
	if joined.UserID != "A" || joined.RoomID != "lobby" {
		t.Fatalf("unexpected joined: %+v", joined)
	}

	_, raw, err := readRawWS(conn)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if string(raw) != `{"type":"message_history","room":"lobby","messages":[]}` {
		t.Fatalf("unexpected history frame: %s", raw)
	}

	pres := readEventWS(t, conn).(*v1.UserJoinedRoom)
	if pres.Room != "lobby" || pres.UserID != "A" || pres.TotalUsers != 1 {
		t.Fatalf("unexpected presence: %+v", pres)
	}
}

func TestGateway_TwoClientsExchangeMessages(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testInstanceInput{FallbackAll: true})
	ts := startWSTestServer(t, inst, GatewayConfig{})
	defer ts.Close()

	a := dialWS(t, ts.URL)
	defer func() { _ = a.Close(websocket.StatusNormalClosure, "bye") }()
	writeFrameWS(t, a, v1.Join{Type: v1.TypeJoin, UserID: "A", RoomID: "lobby"})
	readUntilType(t, a, v1.TypeUserJoinedRoom, 3)

	b := dialWS(t, ts.URL)
	writeFrameWS(t, b, v1.Join{Type: v1.TypeJoin, UserID: "B", RoomID: "lobby"})
	readUntilType(t, b, v1.TypeUserJoinedRoom, 3)

	pres := readUntilType(t, a, v1.TypeUserJoinedRoom, 1).(*v1.UserJoinedRoom)
	if pres.UserID != "B" || pres.TotalUsers != 2 {
		t.Fatalf("expected A to see B join with total=2, got %+v", pres)
	}

	writeFrameWS(t, b, v1.SendMessage{Type: v1.TypeMessage, RoomID: "lobby", Content: json.RawMessage(`"hi"`)})

	for name, conn := range map[string]*websocket.Conn{"A": a, "B": b} {
		me := readUntilType(t, conn, v1.TypeMessage, 1).(*v1.MessageEvent)
		if me.Sender != "B" || me.Room != "lobby" || string(me.Content) != `"hi"` {
			t.Fatalf("%s: unexpected message %+v", name, me.Message)
		}
	}

	writeFrameWS(t, a, v1.GetHistory{Type: v1.TypeGetHistory, RoomID: "lobby"})
	hist := readUntilType(t, a, v1.TypeMessageHistory, 1).(*v1.MessageHistory)
	if len(hist.Messages) != 1 || hist.Messages[0].Sender != "B" {
		t.Fatalf("expected history with B's message, got %+v", hist.Messages)
	}

	_ = b.Close(websocket.StatusNormalClosure, "bye")
	left := readUntilType(t, a, v1.TypeUserLeftRoom, 1).(*v1.UserLeftRoom)
	if left.UserID != "B" || left.TotalUsers != 1 {
		t.Fatalf("expected B to leave with total=1, got %+v", left)
	}
}

func TestGateway_MalformedFramesKeepConnectionOpen(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testInstanceInput{FallbackAll: true})
	ts := startWSTestServer(t, inst, GatewayConfig{})
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	for _, f := range []string{`{oops`, `{"type":"nope"}`, `{"type":"message","roomId":"lobby","content":1}`} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
			cancel()
			t.Fatalf("write %s: %v", f, err)
		}
		cancel()
	}

	writeFrameWS(t, conn, v1.Join{Type: v1.TypeJoin, UserID: "A"})
	joined := readEventWS(t, conn).(*v1.Joined)
	if joined.UserID != "A" {
		t.Fatalf("expected the connection to survive malformed frames, got %+v", joined)
	}
}

func TestGateway_RateLimitDropsExcessEvents(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testInstanceInput{FallbackAll: true})
	ts := startWSTestServer(t, inst, GatewayConfig{RateEvents: 2, RateWindow: time.Minute})
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeFrameWS(t, conn, v1.Join{Type: v1.TypeJoin, UserID: "A"})
	readEventWS(t, conn)
	writeFrameWS(t, conn, v1.GetHistory{Type: v1.TypeGetHistory, RoomID: "lobby"})
	readUntilType(t, conn, v1.TypeMessageHistory, 1)

	writeFrameWS(t, conn, v1.GetHistory{Type: v1.TypeGetHistory, RoomID: "lobby"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, b, err := conn.Read(ctx); err == nil {
		t.Fatalf("expected the third event to be dropped, got %s", b)
	}
}

func TestGateway_OriginAllowList(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testInstanceInput{FallbackAll: true})
	ts := startWSTestServer(t, inst, GatewayConfig{AllowedOrigins: []string{"https://chat.example.com"}})
	defer ts.Close()

	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://chat.example.com", ok: true},
		{origin: "https://evil.example.com", ok: false},
	}
	for _, tc := range cases {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		h := http.Header{}
		h.Set("Origin", tc.origin)
		conn, resp, err := websocket.Dial(ctx, wsURL(ts.URL), &websocket.DialOptions{HTTPHeader: h})
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if tc.ok && err != nil {
			t.Fatalf("%s: expected dial to succeed, got %v", tc.origin, err)
		}
		if !tc.ok {
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
				t.Fatalf("%s: expected dial to be rejected", tc.origin)
			}
			continue
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := originPatterns([]string{"https://Chat.Example.com", "localhost:3000", "*", " ", "https://chat.example.com"})
	want := []string{"chat.example.com", "localhost:3000"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

// ---- helpers ----

func startWSTestServer(t *testing.T, inst *Instance, cfg GatewayConfig) *httptest.Server {
	t.Helper()
	gw := NewGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), inst, cfg)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func wsURL(baseHTTPURL string) string {
	return "ws" + strings.TrimPrefix(baseHTTPURL, "http") + "/ws"
}

func dialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(baseHTTPURL), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func writeFrameWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readRawWS(conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Read(ctx)
}

func readEventWS(t *testing.T, conn *websocket.Conn) v1.ServerEvent {
	t.Helper()
	_, b, err := readRawWS(conn)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	ev, err := v1.DecodeServerEvent(b)
	if err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return ev
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.ServerEvent {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ev := readEventWS(t, conn)
		if ev.EventType() == typ {
			return ev
		}
	}
	t.Fatalf("did not receive event type %q", typ)
	return nil
}
