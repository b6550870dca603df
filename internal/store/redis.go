package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "bountyradar:"

// RedisStore keeps each document as one JSON string key.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string, opts Options) (*RedisStore, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, prefix: defaultRedisPrefix, opts: opts.withDefaults()}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) LoadState(ctx context.Context) (State, error) {
	var st State
	found, err := s.get(ctx, "state", &st)
	if err != nil {
		return State{}, err
	}
	if !found {
		return newState(), nil
	}
	if err := checkSchema(st); err != nil {
		return State{}, err
	}
	return normalizeState(st), nil
}

func (s *RedisStore) SaveState(ctx context.Context, st State) error {
	return s.set(ctx, "state", normalizeState(st))
}

func (s *RedisStore) LoadCache(ctx context.Context) (map[string]program.Program, error) {
	var list []program.Program
	if _, err := s.get(ctx, "programs", &list); err != nil {
		return nil, err
	}
	return indexPrograms(list), nil
}

func (s *RedisStore) SaveCache(ctx context.Context, cache map[string]program.Program) error {
	return s.set(ctx, "programs", evictPrograms(cache, s.opts.cutoff()))
}

func (s *RedisStore) LoadChangeLog(ctx context.Context) ([]program.Change, error) {
	var changes []program.Change
	if _, err := s.get(ctx, "changes", &changes); err != nil {
		return nil, err
	}
	if changes == nil {
		changes = []program.Change{}
	}
	return changes, nil
}

func (s *RedisStore) AppendChangeLog(ctx context.Context, changes []program.Change) error {
	existing, err := s.LoadChangeLog(ctx)
	if err != nil {
		return err
	}
	return s.set(ctx, "changes", evictChanges(append(existing, changes...), s.opts.cutoff()))
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) get(ctx context.Context, name string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, s.key(name), err)
	}
	return true, nil
}

func (s *RedisStore) set(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(name), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}
