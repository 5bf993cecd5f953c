package anonymize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"llmshield/internal/core"
)

// RedisVault is a pluggable VaultStore backed by Redis, letting the
// anonymize subsystem scale across gateway instances the same way
// internal/session's RedisStore lets session state scale — each mapping
// is its own key with a native Redis TTL, and a per-session Redis set
// tracks which placeholders belong to that session so GetSessionMappings
// and DeleteSession don't require a key scan.
type RedisVault struct {
	client    *redis.Client
	keyPrefix string
}

// RedisVaultConfig configures the Redis connection.
type RedisVaultConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisVault connects to Redis and returns a RedisVault.
func NewRedisVault(cfg RedisVaultConfig) (*RedisVault, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to Redis vault store: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "llmshield:vault:"
	}
	return &RedisVault{client: client, keyPrefix: prefix}, nil
}

type redisMapping struct {
	SessionID     string          `json:"session_id"`
	Placeholder   string          `json:"placeholder"`
	EntityType    core.EntityType `json:"entity_type"`
	OriginalValue string          `json:"original_value"`
	Confidence    float64         `json:"confidence"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

func (v *RedisVault) mappingKey(sessionID, placeholder string) string {
	return v.keyPrefix + sessionID + ":" + placeholder
}

func (v *RedisVault) sessionIndexKey(sessionID string) string {
	return v.keyPrefix + "index:" + sessionID
}

func (v *RedisVault) sessionsKey() string {
	return v.keyPrefix + "sessions"
}

func (v *RedisVault) StoreMapping(ctx context.Context, m EntityMapping) error {
	data, err := json.Marshal(redisMapping(m))
	if err != nil {
		return err
	}
	ttl := time.Until(m.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	pipe := v.client.TxPipeline()
	pipe.Set(ctx, v.mappingKey(m.SessionID, m.Placeholder), data, ttl)
	pipe.SAdd(ctx, v.sessionIndexKey(m.SessionID), m.Placeholder)
	pipe.Expire(ctx, v.sessionIndexKey(m.SessionID), ttl)
	pipe.SAdd(ctx, v.sessionsKey(), m.SessionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (v *RedisVault) GetMapping(ctx context.Context, sessionID, placeholder string) (EntityMapping, bool, error) {
	data, err := v.client.Get(ctx, v.mappingKey(sessionID, placeholder)).Bytes()
	if err == redis.Nil {
		return EntityMapping{}, false, nil
	}
	if err != nil {
		return EntityMapping{}, false, err
	}
	var rm redisMapping
	if err := json.Unmarshal(data, &rm); err != nil {
		return EntityMapping{}, false, err
	}
	return EntityMapping(rm), true, nil
}

func (v *RedisVault) DeleteMapping(ctx context.Context, sessionID, placeholder string) error {
	pipe := v.client.TxPipeline()
	pipe.Del(ctx, v.mappingKey(sessionID, placeholder))
	pipe.SRem(ctx, v.sessionIndexKey(sessionID), placeholder)
	_, err := pipe.Exec(ctx)
	return err
}

func (v *RedisVault) GetSessionMappings(ctx context.Context, sessionID string) ([]EntityMapping, error) {
	placeholders, err := v.client.SMembers(ctx, v.sessionIndexKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var out []EntityMapping
	for _, p := range placeholders {
		m, ok, err := v.GetMapping(ctx, sessionID, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (v *RedisVault) DeleteSession(ctx context.Context, sessionID string) error {
	placeholders, err := v.client.SMembers(ctx, v.sessionIndexKey(sessionID)).Result()
	if err != nil {
		return err
	}
	pipe := v.client.TxPipeline()
	for _, p := range placeholders {
		pipe.Del(ctx, v.mappingKey(sessionID, p))
	}
	pipe.Del(ctx, v.sessionIndexKey(sessionID))
	pipe.SRem(ctx, v.sessionsKey(), sessionID)
	_, err = pipe.Exec(ctx)
	return err
}

// CleanupExpired is a no-op for RedisVault: Redis expires keys natively
// via the per-mapping TTL, so there is nothing to lazily sweep. It still
// prunes the sessions index of sessions whose mappings have all expired,
// returning how many it pruned.
func (v *RedisVault) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := v.client.SMembers(ctx, v.sessionsKey()).Result()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range ids {
		n, err := v.client.SCard(ctx, v.sessionIndexKey(id)).Result()
		if err != nil {
			continue
		}
		if n == 0 {
			v.client.SRem(ctx, v.sessionsKey(), id)
			pruned++
		}
	}
	return pruned, nil
}

func (v *RedisVault) ListSessionIDs(ctx context.Context) ([]string, error) {
	return v.client.SMembers(ctx, v.sessionsKey()).Result()
}

// Close closes the underlying Redis connection.
func (v *RedisVault) Close() error {
	return v.client.Close()
}
