package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgNotifyMaxPayload is the NOTIFY payload limit (8000 bytes in the default build).
const pgNotifyMaxPayload = 7999

// Frames that do not fit NOTIFY are stored in channel_frames and the
// notification carries "#<id>". Encoded frames are JSON objects, so the
// marker never collides with an inline payload.
const frameRefPrefix = "#"

// PostgresChannel is a Channel over LISTEN/NOTIFY.
//
// Each subscription pins one pooled connection for its lifetime. Payloads
// above pgNotifyMaxPayload are spilled to the channel_frames table, which
// ApplyPostgresSchema creates; PurgeFrames reclaims them.
type PostgresChannel struct {
	pool   *pgxpool.Pool
	name   string
	tables pgTables
}

// NewPostgresChannel constructs a LISTEN/NOTIFY Channel named name. The
// schema option must match the one the schema was applied with.
func NewPostgresChannel(pool *pgxpool.Pool, name string, opts ...PostgresOption) (*PostgresChannel, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	if name == "" {
		name = DefaultChannelName
	}
	t, err := newPGTables(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresChannel{pool: pool, name: name, tables: t}, nil
}

// Publish issues pg_notify on the channel, spilling large payloads.
func (c *PostgresChannel) Publish(ctx context.Context, payload []byte) error {
	if len(payload) <= pgNotifyMaxPayload {
		_, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, c.name, string(payload))
		return err
	}

	// One statement, so the row is committed before the notification is delivered.
	_, err := c.pool.Exec(ctx,
		`WITH f AS (INSERT INTO `+c.tables.frames()+` (payload) VALUES ($2) RETURNING id)
		 SELECT pg_notify($1, $3 || f.id::text) FROM f`,
		c.name, string(payload), frameRefPrefix,
	)
	if err != nil {
		return fmt.Errorf("spill frame: %w", err)
	}
	return nil
}

// Subscribe LISTENs on a dedicated connection until ctx is done.
func (c *PostgresChannel) Subscribe(ctx context.Context) (<-chan []byte, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	listen := `LISTEN ` + pgx.Identifier{c.name}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, err
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			// The connection goes back to the pool; it must not keep listening.
			_, _ = conn.Exec(context.Background(), `UNLISTEN *`)
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}

			payload := []byte(n.Payload)
			if id, ok := parseFrameRef(n.Payload); ok {
				var spilled string
				err := conn.QueryRow(ctx, `SELECT payload FROM `+c.tables.frames()+` WHERE id = $1`, id).Scan(&spilled)
				switch {
				case errors.Is(err, pgx.ErrNoRows):
					// Purged before we got to it.
					continue
				case err != nil:
					return
				}
				payload = []byte(spilled)
			}

			select {
			case out <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PurgeFrames deletes spilled frames older than olderThan.
func (c *PostgresChannel) PurgeFrames(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM `+c.tables.frames()+` WHERE created_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func parseFrameRef(payload string) (int64, bool) {
	rest, ok := strings.CutPrefix(payload, frameRefPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
