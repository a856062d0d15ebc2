package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roomrelay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const readyPingTimeout = 2 * time.Second

// backend is the shared infrastructure one instance runs on.
//
// Ownership model:
//   - backend owns every client it opens (redis, pgx pool, nats) and closes
//     them in Close, in reverse order of opening.
//   - stores and channels borrow those clients and never close them.
type backend struct {
	kind string

	store   realtime.MessageStore
	members realtime.MembershipBackend
	channel realtime.Channel

	// ready reports whether the shared store and channel are reachable.
	ready func(ctx context.Context) error
	// background jobs started by App.Run next to the server.
	jobs []func(ctx context.Context)

	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func openBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	kind, err := cfg.BackendKind()
	if err != nil {
		return nil, err
	}

	var b *backend
	switch kind {
	case backendRedis:
		b, err = openRedisBackend(ctx, cfg)
	case backendPostgres:
		b, err = openPostgresBackend(ctx, cfg, log)
	default:
		b = openMemoryBackend()
	}
	if err != nil {
		return nil, err
	}

	if cfg.NATSURL != "" {
		if err := b.useNATS(cfg, log); err != nil {
			b.Close()
			return nil, err
		}
	}

	log.Info("backend.open", "kind", b.kind, "nats", cfg.NATSURL != "", "channel", cfg.ChannelName)
	return b, nil
}

func openRedisBackend(ctx context.Context, cfg Config) (*backend, error) {
	opts, err := redis.ParseURL(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &backend{
		kind:    backendRedis,
		closers: []func(){func() { _ = client.Close() }},
		ready: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, readyPingTimeout)
			defer cancel()
			return client.Ping(ctx).Err()
		},
	}

	if b.store, err = realtime.NewRedisMessageStore(client, realtime.WithRedisPrefix(cfg.KeyPrefix)); err != nil {
		b.Close()
		return nil, err
	}
	if b.members, err = realtime.NewRedisMembershipBackend(client, realtime.WithRedisPrefix(cfg.KeyPrefix)); err != nil {
		b.Close()
		return nil, err
	}
	if b.channel, err = realtime.NewRedisChannel(client, cfg.ChannelName); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func openPostgresBackend(ctx context.Context, cfg Config, log Logger) (*backend, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	b := &backend{
		kind:    backendPostgres,
		closers: []func(){pool.Close},
		ready: func(ctx context.Context) error {
			return PingDB(ctx, pool, readyPingTimeout)
		},
	}

	schema := realtime.WithSchema(cfg.PGSchema)
	if err := realtime.ApplyPostgresSchema(ctx, pool, schema); err != nil {
		b.Close()
		return nil, err
	}

	store, err := realtime.NewPostgresMessageStore(pool, schema)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.store = store
	if b.members, err = realtime.NewPostgresMembershipBackend(pool, schema); err != nil {
		b.Close()
		return nil, err
	}
	channel, err := realtime.NewPostgresChannel(pool, cfg.ChannelName, schema)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.channel = channel

	if cfg.PGPurgeInterval > 0 {
		b.jobs = append(b.jobs, func(ctx context.Context) {
			purgeExpiredLoop(ctx, store, channel, pool, cfg.PGPurgeInterval, log)
		})
	}
	return b, nil
}

func openMemoryBackend() *backend {
	return &backend{
		kind:    backendMemory,
		store:   realtime.NewMemoryMessageStore(),
		members: realtime.NewMemoryMembershipBackend(),
		channel: realtime.NewMemoryBus(),
		ready:   func(context.Context) error { return nil },
	}
}

// useNATS replaces the backend's channel with a NATS subject.
func (b *backend) useNATS(cfg Config, log Logger) error {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("roomrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats.disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats.reconnected", "url", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	b.closers = append(b.closers, func() { _ = nc.Drain() })

	ch, err := realtime.NewNATSChannel(nc, cfg.ChannelName)
	if err != nil {
		return err
	}
	b.channel = ch

	storeReady := b.ready
	b.ready = func(ctx context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats not connected")
		}
		return storeReady(ctx)
	}
	return nil
}

type expiredPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type framePurger interface {
	PurgeFrames(ctx context.Context, olderThan time.Duration) (int64, error)
}

// spilledFrameRetention bounds how long an oversized channel frame stays
// readable by slow subscribers.
const spilledFrameRetention = time.Minute

// purgeExpiredLoop deletes expired room histories that nobody reads again and
// spilled channel frames every subscriber has had time to read.
// Reads already expire lazily; this only reclaims space.
func purgeExpiredLoop(ctx context.Context, store expiredPurger, frames framePurger, pool *pgxpool.Pool, every time.Duration, log Logger) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("history.purge.fail", "err", err, "pool_total_conns", pool.Stat().TotalConns())
				}
				continue
			}
			if n > 0 {
				log.Info("history.purge", "rooms", n)
			}

			n, err = frames.PurgeFrames(ctx, spilledFrameRetention)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("channel.frames.purge.fail", "err", err)
				}
				continue
			}
			if n > 0 {
				log.Debug("channel.frames.purge", "frames", n)
			}
		}
	}
}
