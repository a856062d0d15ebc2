package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	v1 "roomrelay/shared/contracts/chat/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPGSchema = "roomrelay"

// PostgresOption configures the Postgres-backed stores.
type PostgresOption func(*pgTables) error

// WithSchema sets the DB schema used by the stores (default: "roomrelay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(t *pgTables) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		t.schema = schema
		return nil
	}
}

type pgTables struct {
	schema string
}

func newPGTables(opts []PostgresOption) (pgTables, error) {
	t := pgTables{schema: defaultPGSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&t); err != nil {
			return pgTables{}, err
		}
	}
	return t, nil
}

func (t pgTables) members() string  { return pgIdent(t.schema, "room_members") }
func (t pgTables) rooms() string    { return pgIdent(t.schema, "message_rooms") }
func (t pgTables) messages() string { return pgIdent(t.schema, "messages") }
func (t pgTables) frames() string   { return pgIdent(t.schema, "channel_frames") }

// ApplyPostgresSchema creates the schema and tables if they are missing.
func ApplyPostgresSchema(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) error {
	t, err := newPGTables(opts)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  room      TEXT NOT NULL,
  user_id   TEXT NOT NULL,
  joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (room, user_id)
);

CREATE TABLE IF NOT EXISTS %[3]s (
  room       TEXT PRIMARY KEY,
  expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[4]s (
  seq     BIGSERIAL PRIMARY KEY,
  id      TEXT NOT NULL UNIQUE,
  room    TEXT NOT NULL REFERENCES %[3]s(room) ON DELETE CASCADE,
  sender  TEXT NOT NULL,
  content TEXT NOT NULL,
  ts      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[5]s (
  id         BIGSERIAL PRIMARY KEY,
  payload    TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS messages_room_seq_desc ON %[4]s (room, seq DESC);
CREATE INDEX IF NOT EXISTS message_rooms_expires_at ON %[3]s (expires_at);
CREATE INDEX IF NOT EXISTS channel_frames_created_at ON %[5]s (created_at);
`, pgx.Identifier{t.schema}.Sanitize(), t.members(), t.rooms(), t.messages(), t.frames())

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresMessageStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresMessageStore does NOT own the pgx pool. The caller must close it.
//
// Expiry model:
//   - message_rooms.expires_at is the sliding TTL. A room past it is treated as
//     absent and its rows are deleted on the next touch or by PurgeExpired.
//   - Appends to one room serialize on a transactional advisory lock so the
//     trim never races another append.
type PostgresMessageStore struct {
	pool   *pgxpool.Pool
	tables pgTables
	ttl    time.Duration
	now    func() time.Time
}

// NewPostgresMessageStore constructs a Postgres-backed MessageStore.
func NewPostgresMessageStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMessageStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	t, err := newPGTables(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresMessageStore{
		pool:   pool,
		tables: t,
		ttl:    HistoryTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append inserts a message, trims the room to HistoryCap and re-arms expiry.
func (s *PostgresMessageStore) Append(ctx context.Context, room, sender string, content json.RawMessage) (v1.Message, error) {
	if room == "" {
		return v1.Message{}, errors.New("realtime: empty room")
	}
	now := s.now()
	msg := newMessage(room, sender, content, now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return v1.Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, room); err != nil {
		return v1.Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	rooms := s.tables.rooms()
	messages := s.tables.messages()

	// An expired history starts over.
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+rooms+` WHERE room = $1 AND expires_at <= $2`,
		room, now,
	); err != nil {
		return v1.Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (room, expires_at) VALUES ($1, $2)
		 ON CONFLICT (room) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		room, now.Add(s.ttl),
	); err != nil {
		return v1.Message{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (id, room, sender, content, ts) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Room, msg.Sender, string(msg.Content), msg.Timestamp,
	); err != nil {
		return v1.Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+messages+`
		  WHERE room = $1
		    AND seq < (SELECT MIN(seq) FROM (
		          SELECT seq FROM `+messages+` WHERE room = $1 ORDER BY seq DESC LIMIT $2
		        ) newest)`,
		room, HistoryCap,
	); err != nil {
		return v1.Message{}, fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

// History returns up to limit messages, most recent first, and re-arms expiry.
func (s *PostgresMessageStore) History(ctx context.Context, room string, limit int) ([]v1.Message, error) {
	limit = historyLimit(limit)
	now := s.now()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := s.tables.rooms()
	messages := s.tables.messages()

	var expiresAt time.Time
	err = tx.QueryRow(ctx, `SELECT expires_at FROM `+rooms+` WHERE room = $1`, room).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return []v1.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	if !now.Before(expiresAt) {
		if _, err := tx.Exec(ctx, `DELETE FROM `+rooms+` WHERE room = $1`, room); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return []v1.Message{}, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+rooms+` SET expires_at = $2 WHERE room = $1`,
		room, now.Add(s.ttl),
	); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT id, room, sender, content, ts
		   FROM `+messages+`
		  WHERE room = $1
		  ORDER BY seq DESC
		  LIMIT $2`,
		room, limit,
	)
	if err != nil {
		return nil, err
	}

	out := make([]v1.Message, 0, limit)
	for rows.Next() {
		var (
			m       v1.Message
			content string
		)
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &content, &m.Timestamp); err != nil {
			rows.Close()
			return nil, err
		}
		m.Content = json.RawMessage(content)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpired deletes every room history past its expiry and returns how many
// rooms were removed. Messages go with their room via ON DELETE CASCADE.
func (s *PostgresMessageStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.tables.rooms()+` WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PostgresMembershipBackend stores one row per (room, member).
// A room has a record exactly while it has rows.
type PostgresMembershipBackend struct {
	pool   *pgxpool.Pool
	tables pgTables
}

// NewPostgresMembershipBackend constructs a Postgres-backed MembershipBackend.
func NewPostgresMembershipBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresMembershipBackend, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	t, err := newPGTables(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresMembershipBackend{pool: pool, tables: t}, nil
}

// Add inserts the (room, userID) row if missing and returns the room's members.
func (b *PostgresMembershipBackend) Add(ctx context.Context, room, userID string) ([]string, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+b.tables.members()+` (room, user_id) VALUES ($1, $2)
		 ON CONFLICT (room, user_id) DO NOTHING`,
		room, userID,
	); err != nil {
		return nil, err
	}

	members, err := b.list(ctx, tx, room)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return members, nil
}

// Remove deletes the (room, userID) row and returns the remaining members.
func (b *PostgresMembershipBackend) Remove(ctx context.Context, room, userID string) ([]string, bool, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+b.tables.members()+` WHERE room = $1 AND user_id = $2`,
		room, userID,
	)
	if err != nil {
		return nil, false, err
	}

	members, err := b.list(ctx, tx, room)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return members, tag.RowsAffected() > 0, nil
}

// load returns the durable member list of room and whether a record exists.
func (b *PostgresMembershipBackend) load(ctx context.Context, room string) ([]string, bool, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	members, err := b.list(ctx, tx, room)
	if err != nil {
		return nil, false, err
	}
	return members, len(members) > 0, nil
}

func (b *PostgresMembershipBackend) list(ctx context.Context, tx pgx.Tx, room string) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT user_id FROM `+b.tables.members()+` WHERE room = $1 ORDER BY joined_at, user_id`,
		room,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier quotes each part, so schema and table names cannot inject SQL.
	return pgx.Identifier{schema, table}.Sanitize()
}
