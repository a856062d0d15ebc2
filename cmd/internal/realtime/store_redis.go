package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "roomrelay/shared/contracts/chat/v1"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ws"

// RedisOption configures the Redis-backed stores.
type RedisOption func(*redisKeys)

// WithRedisPrefix sets the key namespace (default "ws").
func WithRedisPrefix(prefix string) RedisOption {
	return func(k *redisKeys) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			k.prefix = prefix
		}
	}
}

// Key layout:
//
//	<prefix>:rooms            hash, field = room, value = JSON array of member ids
//	<prefix>:messages:<room>  list of JSON message records, newest at index 0
type redisKeys struct {
	prefix string
}

func newRedisKeys(opts []RedisOption) redisKeys {
	k := redisKeys{prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&k)
		}
	}
	return k
}

func (k redisKeys) rooms() string               { return k.prefix + ":rooms" }
func (k redisKeys) messages(room string) string { return k.prefix + ":messages:" + room }

// RedisMessageStore is a MessageStore over Redis lists with key expiry.
//
// Ownership model: the caller owns the client and closes it.
type RedisMessageStore struct {
	client redis.UniversalClient
	keys   redisKeys
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisMessageStore constructs a Redis-backed MessageStore.
func NewRedisMessageStore(client redis.UniversalClient, opts ...RedisOption) (*RedisMessageStore, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	return &RedisMessageStore{
		client: client,
		keys:   newRedisKeys(opts),
		ttl:    HistoryTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Append pushes, trims and re-arms expiry in a single MULTI/EXEC.
func (s *RedisMessageStore) Append(ctx context.Context, room, sender string, content json.RawMessage) (v1.Message, error) {
	if room == "" {
		return v1.Message{}, errors.New("realtime: empty room")
	}
	msg := newMessage(room, sender, content, s.now())
	b, err := json.Marshal(msg)
	if err != nil {
		return v1.Message{}, fmt.Errorf("encode message: %w", err)
	}

	key := s.keys.messages(room)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, HistoryCap-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return v1.Message{}, err
	}
	return msg, nil
}

// History reads the newest entries and re-arms expiry in a single MULTI/EXEC.
func (s *RedisMessageStore) History(ctx context.Context, room string, limit int) ([]v1.Message, error) {
	limit = historyLimit(limit)
	key := s.keys.messages(room)

	pipe := s.client.TxPipeline()
	rng := pipe.LRange(ctx, key, 0, int64(limit-1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	raw := rng.Val()
	out := make([]v1.Message, 0, len(raw))
	for i, entry := range raw {
		var m v1.Message
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			return nil, fmt.Errorf("decode history entry %d of %q: %w", i, room, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// The membership record is a JSON array inside one hash field so that other
// readers of <prefix>:rooms keep working. Lua makes the read-modify-write atomic.
var (
	redisAddMember = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
local members = {}
if raw then
  members = cjson.decode(raw)
end
for _, id in ipairs(members) do
  if id == ARGV[2] then
    return raw
  end
end
table.insert(members, ARGV[2])
local out = cjson.encode(members)
redis.call('HSET', KEYS[1], ARGV[1], out)
return out
`)

	redisRemoveMember = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return {0, '[]'}
end
local kept = {}
local removed = 0
for _, id in ipairs(cjson.decode(raw)) do
  if id == ARGV[2] then
    removed = 1
  else
    table.insert(kept, id)
  end
end
if #kept == 0 then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return {removed, '[]'}
end
local out = cjson.encode(kept)
redis.call('HSET', KEYS[1], ARGV[1], out)
return {removed, out}
`)
)

// RedisMembershipBackend keeps room membership in the <prefix>:rooms hash.
type RedisMembershipBackend struct {
	client redis.UniversalClient
	keys   redisKeys
}

// NewRedisMembershipBackend constructs a Redis-backed MembershipBackend.
func NewRedisMembershipBackend(client redis.UniversalClient, opts ...RedisOption) (*RedisMembershipBackend, error) {
	if client == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	return &RedisMembershipBackend{client: client, keys: newRedisKeys(opts)}, nil
}

// Add inserts userID into room's record.
func (b *RedisMembershipBackend) Add(ctx context.Context, room, userID string) ([]string, error) {
	out, err := redisAddMember.Run(ctx, b.client, []string{b.keys.rooms()}, room, userID).Text()
	if err != nil {
		return nil, err
	}
	return decodeMemberList(out)
}

// Remove deletes userID from room's record, dropping the field when it empties.
func (b *RedisMembershipBackend) Remove(ctx context.Context, room, userID string) ([]string, bool, error) {
	res, err := redisRemoveMember.Run(ctx, b.client, []string{b.keys.rooms()}, room, userID).Slice()
	if err != nil {
		return nil, false, err
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected script reply: %v", res)
	}
	removed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	members, err := decodeMemberList(raw)
	if err != nil {
		return nil, false, err
	}
	return members, removed == 1, nil
}

// load returns the durable member list of room and whether a record exists.
func (b *RedisMembershipBackend) load(ctx context.Context, room string) ([]string, bool, error) {
	raw, err := b.client.HGet(ctx, b.keys.rooms(), room).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	members, err := decodeMemberList(raw)
	return members, true, err
}

func decodeMemberList(raw string) ([]string, error) {
	// cjson encodes an empty table as an object.
	if raw == "" || raw == "[]" || raw == "{}" {
		return nil, nil
	}
	var members []string
	if err := json.Unmarshal([]byte(raw), &members); err != nil {
		return nil, fmt.Errorf("decode member list: %w", err)
	}
	return members, nil
}
