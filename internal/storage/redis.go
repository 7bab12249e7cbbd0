package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"alarmd/internal/entity"
	logx "alarmd/pkg/logx"
)

const defaultRedisPrefix = "alarmd:"

// redisStore keeps entities and work items as JSON values in two hashes:
//   - <prefix>entities (field: entity id)
//   - <prefix>work     (field: work id)
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info("redis connection established", logx.String("addr", opt.Addr), logx.Int("db", opt.DB))
	return NewRedis(rdb, cfg.RedisPrefix, log), nil
}

// NewRedis wraps an existing client. The store owns rdb and closes it.
func NewRedis(rdb *redis.Client, prefix string, log logx.Logger) Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) entitiesKey() string { return s.prefix + "entities" }
func (s *redisStore) workKey() string     { return s.prefix + "work" }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) GetEntity(ctx context.Context, id int64) (entity.Entity, error) {
	val, err := s.rdb.HGet(ctx, s.entitiesKey(), strconv.FormatInt(id, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return entity.Entity{}, ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("redis hget failed: %w", err)
	}
	var e entity.Entity
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return entity.Entity{}, fmt.Errorf("decode entity %d: %w", id, err)
	}
	return e, nil
}

func (s *redisStore) SaveEntity(ctx context.Context, e entity.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.entitiesKey(), strconv.FormatInt(e.ID, 10), data).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteEntity(ctx context.Context, id int64) error {
	if err := s.rdb.HDel(ctx, s.entitiesKey(), strconv.FormatInt(id, 10)).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (s *redisStore) ListEntities(ctx context.Context) ([]entity.Entity, error) {
	vals, err := s.rdb.HGetAll(ctx, s.entitiesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	out := make([]entity.Entity, 0, len(vals))
	for field, val := range vals {
		var e entity.Entity
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			s.log.Warn("entity value skipped", logx.String("field", field), logx.Err(err))
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *redisStore) PutWork(ctx context.Context, w WorkItem) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, s.workKey(), w.ID, data).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteWork(ctx context.Context, id string) error {
	if err := s.rdb.HDel(ctx, s.workKey(), id).Err(); err != nil {
		return fmt.Errorf("redis hdel failed: %w", err)
	}
	return nil
}

func (s *redisStore) ListWork(ctx context.Context) ([]WorkItem, error) {
	vals, err := s.rdb.HGetAll(ctx, s.workKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	out := make([]WorkItem, 0, len(vals))
	for field, val := range vals {
		var w WorkItem
		if err := json.Unmarshal([]byte(val), &w); err != nil {
			s.log.Warn("work value skipped", logx.String("field", field), logx.Err(err))
			continue
		}
		out = append(out, w)
	}
	sortWork(out)
	return out, nil
}
