// Package session keeps cross-node room state in Redis: the per-project commit
// lock and the presence list of who is editing which room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"postwork/api/internal/util"
)

// ErrLockHeld is returned when another holder owns the commit lock past the
// wait deadline.
var ErrLockHeld = errors.New("commit lock held")

// PresenceEntry is one participant as published for a room.
type PresenceEntry struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RedisStore implements the commit lock and presence on one Redis client.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	retry       time.Duration
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore parses redisURL, connects and pings.
func NewRedisStore(redisURL string, presenceTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, presenceTTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, presenceTTL time.Duration) *RedisStore {
	if presenceTTL <= 0 {
		presenceTTL = time.Minute
	}
	return &RedisStore{
		client:      client,
		prefix:      "postwork:",
		presenceTTL: presenceTTL,
		retry:       25 * time.Millisecond,
	}
}

func (s *RedisStore) lockKey(name string) string {
	return s.prefix + "lock:" + name
}

func (s *RedisStore) presenceKey(room string) string {
	return s.prefix + "presence:" + room
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + "rooms"
}

// Acquire takes the named lock for ttl, polling until ctx is done. The
// returned release func only deletes the key while this caller still owns it.
func (s *RedisStore) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := s.lockKey(name)
	token := util.NewID("lck")
	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire commit lock: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err()
			}, nil
		}

		timer := time.NewTimer(s.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		case <-timer.C:
		}
	}
}

// PublishPresence replaces a room's participant list. An empty list removes
// the room.
func (s *RedisStore) PublishPresence(ctx context.Context, room string, entries []PresenceEntry) error {
	if len(entries) == 0 {
		return s.ClearPresence(ctx, room)
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.presenceKey(room), payload, s.presenceTTL)
	pipe.SAdd(ctx, s.roomsKey(), room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearPresence(ctx context.Context, room string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.presenceKey(room))
	pipe.SRem(ctx, s.roomsKey(), room)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Presence(ctx context.Context, room string) ([]PresenceEntry, error) {
	raw, err := s.client.Get(ctx, s.presenceKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []PresenceEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	var entries []PresenceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal presence: %w", err)
	}
	return entries, nil
}

// ActiveRooms lists rooms with live presence on any node. Rooms whose
// presence key expired are pruned from the set.
func (s *RedisStore) ActiveRooms(ctx context.Context) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	active := make([]string, 0, len(rooms))
	for _, room := range rooms {
		n, err := s.client.Exists(ctx, s.presenceKey(room)).Result()
		if err != nil {
			return nil, fmt.Errorf("check room presence: %w", err)
		}
		if n == 0 {
			_ = s.client.SRem(ctx, s.roomsKey(), room).Err()
			continue
		}
		active = append(active, room)
	}
	sort.Strings(active)
	return active, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
