package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr             string
	Password         string
	DB               int
	Namespace        string
	IPErrorThreshold int
	IPBanWindow      time.Duration
}

// RedisStore implements Store using Redis hashes for per-user entries and
// plain keys for counters and the pause flag.
type RedisStore struct {
	client    redis.UniversalClient
	ns        string
	threshold int
	banWindow time.Duration
}

// NewRedisStore connects to a single Redis node.
func NewRedisStore(opts RedisOptions) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreWithClient(rdb, opts)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	ns := opts.Namespace
	if ns == "" {
		ns = "actiond"
	}
	threshold := opts.IPErrorThreshold
	if threshold <= 0 {
		threshold = DefaultIPErrorThreshold
	}
	window := opts.IPBanWindow
	if window <= 0 {
		window = DefaultIPBanWindow
	}
	return &RedisStore{client: client, ns: ns, threshold: threshold, banWindow: window}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(parts ...string) string {
	k := s.ns
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func field(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (s *RedisStore) hget(ctx context.Context, hash string, userID int64) (string, error) {
	v, err := s.client.HGet(ctx, s.key(hash), field(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("session: hget %s: %w", hash, err)
	}
	return v, nil
}

func (s *RedisStore) hset(ctx context.Context, hash string, userID int64, value string) error {
	if err := s.client.HSet(ctx, s.key(hash), field(userID), value).Err(); err != nil {
		return fmt.Errorf("session: hset %s: %w", hash, err)
	}
	return nil
}

func (s *RedisStore) hdel(ctx context.Context, hash string, userID int64) error {
	if err := s.client.HDel(ctx, s.key(hash), field(userID)).Err(); err != nil {
		return fmt.Errorf("session: hdel %s: %w", hash, err)
	}
	return nil
}

func (s *RedisStore) IPErrorThreshold() int {
	return s.threshold
}

func (s *RedisStore) CheckForIPBan(ctx context.Context, ip string) (bool, error) {
	n, err := s.client.Get(ctx, s.key("ipfail", ip)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: ip ban check: %w", err)
	}
	return n >= int64(s.threshold), nil
}

// LogIPForPotentialBan increments the failure counter for ip and refreshes
// its expiry in one MULTI/EXEC.
func (s *RedisStore) LogIPForPotentialBan(ctx context.Context, ip string) (int64, error) {
	key := s.key("ipfail", ip)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.banWindow)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("session: ip failure log: %w", err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) SetChallenge(ctx context.Context, userID int64, challenge string) error {
	return s.hset(ctx, "challenges", userID, challenge)
}

func (s *RedisStore) Challenge(ctx context.Context, userID int64) (string, error) {
	return s.hget(ctx, "challenges", userID)
}

func (s *RedisStore) RemoveChallenge(ctx context.Context, userID int64) error {
	return s.hdel(ctx, "challenges", userID)
}

func (s *RedisStore) SetSessionID(ctx context.Context, userID int64, sessionID string) error {
	return s.hset(ctx, "sessions", userID, sessionID)
}

func (s *RedisStore) SessionID(ctx context.Context, userID int64) (string, error) {
	return s.hget(ctx, "sessions", userID)
}

func (s *RedisStore) RemoveSessionID(ctx context.Context, userID int64) error {
	return s.hdel(ctx, "sessions", userID)
}

func (s *RedisStore) AllSessionIDs(ctx context.Context) (map[int64]string, error) {
	raw, err := s.client.HGetAll(ctx, s.key("sessions")).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	out := make(map[int64]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (s *RedisStore) AddEmailToken(ctx context.Context, userID int64, token string) error {
	return s.hset(ctx, "email_tokens", userID, token)
}

func (s *RedisStore) EmailToken(ctx context.Context, userID int64) (string, error) {
	return s.hget(ctx, "email_tokens", userID)
}

func (s *RedisStore) RemoveEmailToken(ctx context.Context, userID int64) error {
	return s.hdel(ctx, "email_tokens", userID)
}

func (s *RedisStore) Pause(ctx context.Context) error {
	return s.client.Set(ctx, s.key("paused"), "1", 0).Err()
}

func (s *RedisStore) IsPaused(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("session: pause flag: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Resume(ctx context.Context) (bool, error) {
	n, err := s.client.Del(ctx, s.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("session: resume: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
