package app

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

func TestApp_HTTPRoutes(t *testing.T) {
	t.Parallel()

	ts := newTestAppServer(t)

	cases := []struct {
		path     string
		want     int
		contains string
	}{
		{path: "/healthz", want: http.StatusOK, contains: "ok"},
		{path: "/readyz", want: http.StatusOK, contains: "ready"},
		{path: "/metrics", want: http.StatusOK, contains: "roomrelay_connections"},
	}

	for _, tc := range cases {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != tc.want {
			t.Fatalf("GET %s: status=%d want=%d", tc.path, resp.StatusCode, tc.want)
		}
		if !strings.Contains(string(body), tc.contains) {
			t.Fatalf("GET %s: body does not contain %q", tc.path, tc.contains)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s: missing security headers", tc.path)
		}
	}
}

func TestApp_WebsocketOnAnyPath(t *testing.T) {
	t.Parallel()

	ts := newTestAppServer(t)

	for _, path := range []string{"/", "/ws", "/chat"} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			cancel()
			t.Fatalf("dial %s: %v", path, err)
		}

		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"join","userId":"u1"}`)); err != nil {
			cancel()
			t.Fatalf("%s: write: %v", path, err)
		}
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("%s: read: %v", path, err)
		}

		var joined v1.Joined
		if err := json.Unmarshal(b, &joined); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if joined.Type != v1.TypeJoined || joined.UserID != "u1" {
			t.Fatalf("%s: unexpected reply %s", path, b)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigFrom(map[string]string{
		"CHAT_BACKEND_URL": "memory://",
		"CHAT_HTTP_ADDR":   "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func newTestAppServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg, err := LoadConfigFrom(map[string]string{"CHAT_BACKEND_URL": "memory://"})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	return ts
}
