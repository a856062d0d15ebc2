package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"roomrelay/cmd/identity/ids"
	v1 "roomrelay/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// Subprotocol is offered to clients that ask for one; it is not required.
const Subprotocol = "roomrelay.v1"

// GatewayConfig tunes the websocket gateway. Tags are read with the
// CHAT_WS_ prefix by the app config.
type GatewayConfig struct {
	SendQueueSize int           `env:"SEND_QUEUE" envDefault:"256"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	// ReadIdleTimeout closes connections that send nothing for this long.
	// Zero disables it; dead peers are still caught by the heartbeat.
	ReadIdleTimeout   time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"0s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`
	RateEvents        int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow        time.Duration `env:"RATE_WINDOW" envDefault:"10s"`
	MaxFrameBytes     int64         `env:"MAX_FRAME_BYTES" envDefault:"65536"`
	// AllowedOrigins empty or containing "*" accepts any Origin.
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	OpTimeout      time.Duration `env:"OP_TIMEOUT" envDefault:"10s"`
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout < 0 {
		c.ReadIdleTimeout = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	return c
}

// Gateway is the websocket entrypoint. Each accepted connection gets a
// Session on the Instance and three goroutines: reader (this handler),
// writer, and heartbeat.
type Gateway struct {
	log  *slog.Logger
	inst *Instance
	cfg  GatewayConfig

	anyOrigin      bool
	originPatterns []string

	active sync.WaitGroup
}

// NewGateway constructs a Gateway serving inst.
func NewGateway(log *slog.Logger, inst *Instance, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	g := &Gateway{log: log, inst: inst, cfg: cfg}
	g.originPatterns = originPatterns(cfg.AllowedOrigins)
	g.anyOrigin = len(g.originPatterns) == 0
	for _, o := range cfg.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			g.anyOrigin = true
		}
	}
	return g
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.anyOrigin,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	g.active.Add(1)
	defer g.active.Done()

	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	client := NewClient(ids.NewUUID(), g.cfg.SendQueueSize)
	sess := g.inst.NewSession(client)
	log := g.log.With("conn_id", client.ConnID)
	log.Debug("ws.open", "remote", r.RemoteAddr, "subprotocol", conn.Subprotocol())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, log, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, log, shutdown)
	}()

	g.readLoop(ctx, conn, sess, log, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.OpTimeout)
	if err := sess.Close(closeCtx); err != nil {
		log.Error("session.close.fail", "user_id", sess.UserID(), "err", err)
	}
	closeCancel()
	log.Debug("ws.close", "user_id", sess.UserID())

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// Wait blocks until every connection handler has returned or ctx is done.
// Connections end when their request context is cancelled, so callers cancel
// the server's base context first.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		data, err := g.read(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			case readErrTooBig:
				log.Info("ws.read.too_big", "err", err)
				shutdown(websocket.StatusMessageTooBig, "frame too large")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !rl.Allow(time.Now()) {
			g.inst.Metrics.ClientEvents.WithLabelValues("any", "rate_limited").Inc()
			log.Debug("ws.rate_limited")
			continue
		}

		// Backend writes are not abandoned when the peer goes away mid-event.
		opCtx, opCancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.OpTimeout)
		err = sess.HandleFrame(opCtx, data)
		opCancel()

		switch {
		case err == nil:
		case v1.IsProtocolError(err):
			log.Debug("ws.event.invalid", "err", err)
		default:
			log.Error("ws.event.fail", "user_id", sess.UserID(), "op", opOf(err), "err", err)
		}
	}
}

func (g *Gateway) read(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	readCtx := ctx
	if g.cfg.ReadIdleTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		defer cancel()
	}
	_, data, err := conn.Read(readCtx)
	return data, err
}

func (g *Gateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case ev := <-client.Send:
			if err := writeEvent(ctx, conn, ev, g.cfg.WriteTimeout); err != nil {
				log.Info("ws.write.fail", "type", ev.EventType(), "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			log.Info("ws.ping.fail", "failures", failures, "err", err)
			if failures >= maxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func writeEvent(parent context.Context, conn *websocket.Conn, ev v1.ServerEvent, timeout time.Duration) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) == websocket.StatusMessageTooBig:
		return readErrTooBig
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// originPatterns turns configured origins ("https://chat.example.com",
// "localhost:3000", "*.example.com") into the host[:port] patterns
// websocket.Accept matches against. "*" is not a pattern; it disables the
// check instead.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	return strings.ToLower(s)
}
