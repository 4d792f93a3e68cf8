package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"yqhp/dispatcher/pkg/types"
)

// RedisStore keeps cache entries in redis:
//
//	<prefix>key:<simpleKey> -> JSON entry
//	<prefix>id:<id>         -> simpleKey
//	<prefix>seq             -> id sequence
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store on an existing client. ttl 0 keeps entries forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "key:" + key }
func (s *RedisStore) idKey(id int64) string      { return s.prefix + "id:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) seqKey() string             { return s.prefix + "seq" }

func (s *RedisStore) Find(ctx context.Context, key string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	var e Entry
	if err := sonic.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Put(ctx context.Context, key, keyValue string, vars []types.CacheVariable) (*Entry, bool, error) {
	if existing, err := s.Find(ctx, key); err != nil || existing != nil {
		return existing, false, err
	}

	n := int64(len(vars)) + 1
	last, err := s.client.IncrBy(ctx, s.seqKey(), n).Result()
	if err != nil {
		return nil, false, fmt.Errorf("allocate cache ids: %w", err)
	}
	id := last - n + 1
	now := types.NowMillis()

	e := &Entry{Process: types.CacheProcess{ID: id, KeySHA256: key, KeyValue: keyValue, CreatedOn: now}}
	for i, v := range vars {
		v.ID = id + int64(i) + 1
		v.CacheProcessID = id
		v.CreatedOn = now
		e.Variables = append(e.Variables, v)
	}
	data, err := sonic.Marshal(e)
	if err != nil {
		return nil, false, fmt.Errorf("encode cache entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.entryKey(key), data, s.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store cache entry: %w", err)
	}
	if !ok {
		// lost the race against another writer
		existing, err := s.Find(ctx, key)
		return existing, false, err
	}
	if err := s.client.Set(ctx, s.idKey(id), key, s.ttl).Err(); err != nil {
		return nil, false, fmt.Errorf("index cache entry: %w", err)
	}
	return e, true, nil
}

func (s *RedisStore) Invalidate(ctx context.Context, cacheProcessID int64) error {
	key, err := s.client.Get(ctx, s.idKey(cacheProcessID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("resolve cache entry: %w", err)
	}
	if err := s.client.Del(ctx, s.entryKey(key), s.idKey(cacheProcessID)).Err(); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}
