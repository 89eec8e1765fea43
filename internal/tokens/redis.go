package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "tablechat:"

// RedisStore shares tokens between server processes. Records live under
// "{prefix}tok:{token}" with a native expiry; "{prefix}tokidx:{key}" is a set
// of the tokens issued to one identity.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a store using client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL and checks the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	ttl := rec.Lifetime()
	if ttl <= 0 {
		return ErrInvalidRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	idx := s.indexKey(rec.Key())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(rec.Token), data, ttl)
		pipe.SAdd(ctx, idx, rec.Token)
		// Every token has the same lifetime, so the newest one bounds the set.
		pipe.Expire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (Record, error) {
	data, err := s.client.Get(ctx, s.tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get token: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal token: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) UpdateByKey(ctx context.Context, key string, patch Patch, now time.Time) (int, error) {
	idx := s.indexKey(key)
	members, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return 0, fmt.Errorf("list tokens of %s: %w", key, err)
	}

	updated := 0
	for _, token := range members {
		rec, err := s.Get(ctx, token)
		if errors.Is(err, ErrNotFound) {
			if err := s.client.SRem(ctx, idx, token).Err(); err != nil {
				return updated, fmt.Errorf("prune index of %s: %w", key, err)
			}
			continue
		}
		if err != nil {
			return updated, err
		}
		if rec.Expired(now) {
			continue
		}
		rec.Descriptor = patch.Apply(rec.Descriptor)
		data, err := json.Marshal(rec)
		if err != nil {
			return updated, fmt.Errorf("marshal token: %w", err)
		}
		// XX so a token that expired between Get and Set is not resurrected.
		ok, err := s.client.SetArgs(ctx, s.tokenKey(token), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return updated, fmt.Errorf("update token: %w", err)
		}
		if ok == "OK" {
			updated++
		}
	}
	return updated, nil
}

// DeleteExpired removes records whose recorded expiry has passed at now.
// Redis already evicts them at the real deadline; this covers callers running
// on their own clock.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"tok:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("read token: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return removed, fmt.Errorf("unmarshal token: %w", err)
		}
		if !rec.Expired(now) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, iter.Val())
		pipe.SRem(ctx, s.indexKey(rec.Key()), rec.Token)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("delete token: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan tokens: %w", err)
	}
	return removed, nil
}

func (s *RedisStore) tokenKey(token string) string {
	return s.prefix + "tok:" + token
}

func (s *RedisStore) indexKey(key string) string {
	return s.prefix + "tokidx:" + key
}
