package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "fetchbroker"

// redisStore keeps one hash per generation plus a set naming the generations.
//
//	<prefix>:generations        SET  generation names
//	<prefix>:gen:<generation>   HASH cache key -> JSON response
type redisStore struct {
	rdb    *redis.Client
	prefix string
}

// Redis returns a store backed by rdb. Keys are namespaced by prefix ("fetchbroker" when empty).
// Closing the store closes rdb.
func Redis(rdb *redis.Client, prefix string) Store {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{rdb: rdb, prefix: prefix}
}

func (s *redisStore) generationsKey() string {
	return s.prefix + ":generations"
}

func (s *redisStore) generationKey(generation string) string {
	return s.prefix + ":gen:" + generation
}

func (s *redisStore) Get(ctx context.Context, generation, key string) (wire.Response, bool, error) {
	data, err := s.rdb.HGet(ctx, s.generationKey(generation), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return wire.Response{}, false, nil
	}
	if err != nil {
		return wire.Response{}, false, translateRedis(err)
	}
	var resp wire.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return wire.Response{}, false, fmt.Errorf("corrupt cache entry %q: %w", key, err)
	}
	return resp, true, nil
}

func (s *redisStore) Put(ctx context.Context, generation, key string, resp wire.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.generationsKey(), generation)
		pipe.HSet(ctx, s.generationKey(generation), key, data)
		return nil
	})
	return translateRedis(err)
}

func (s *redisStore) Generations(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.generationsKey()).Result()
	return names, translateRedis(err)
}

func (s *redisStore) Purge(ctx context.Context, generation string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.generationKey(generation))
		pipe.SRem(ctx, s.generationsKey(), generation)
		return nil
	})
	return translateRedis(err)
}

func (s *redisStore) Close() error {
	return translateRedis(s.rdb.Close())
}

func translateRedis(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}
