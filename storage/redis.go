package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/promptflow/types"
)

const (
	templatePrefix = "promptflow:template:"
	templateIndex  = "promptflow:templates"
	runPrefix      = "promptflow:run:"
	runIndex       = "promptflow:runs"
	runIndexPrefix = "promptflow:runs:"

	scanBatch = 100
)

// RedisStorage stores templates and run records in Redis as JSON values.
// Run ids are indexed in lexically sorted sets (all runs and per template)
// so listings come back newest first without precision loss on large ids.
type RedisStorage struct {
	client *redis.Client
	runTTL time.Duration
}

// RedisOptions configures the Redis connection and record retention.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	RunTTL       time.Duration // 0 keeps run records forever
}

// NewRedisStorage connects to Redis and pings it.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, runTTL: opts.RunTTL}, nil
}

func runKey(id uint64) string {
	return runPrefix + strconv.FormatUint(id, 10)
}

// runMember is the index member for id: zero padded so lexical order is
// numeric order.
func runMember(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func memberID(member string) (uint64, error) {
	return strconv.ParseUint(member, 10, 64)
}

func decodeValue[T any](key string, data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return out, nil
}

func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeValue[T](key, data)
	})
}

// SaveTemplate implements Storage.
func (s *RedisStorage) SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template %s: %w", tmpl.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, templatePrefix+tmpl.ID, data, 0)
			pipe.SAdd(ctx, templateIndex, tmpl.ID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save template %s: %w", tmpl.ID, err)
		}
		return nil
	})
}

// GetTemplate implements Storage.
func (s *RedisStorage) GetTemplate(ctx context.Context, id string) (types.WorkflowTemplate, error) {
	return getFromRedis[types.WorkflowTemplate](ctx, s.client, templatePrefix+id, ErrTemplateNotFound)
}

// ListTemplates implements Storage.
func (s *RedisStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return withContext(ctx, func() ([]types.WorkflowTemplate, error) {
		ids, err := s.client.SMembers(ctx, templateIndex).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read template index: %w", err)
		}
		if len(ids) == 0 {
			return []types.WorkflowTemplate{}, nil
		}
		sort.Strings(ids)

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = templatePrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get templates: %w", err)
		}

		out := make([]types.WorkflowTemplate, 0, len(values))
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue
			}
			tmpl, err := decodeValue[types.WorkflowTemplate](keys[i], []byte(str))
			if err != nil {
				return nil, err
			}
			out = append(out, tmpl)
		}
		return out, nil
	})
}

// SaveRun implements Storage. Records expire after the configured run TTL;
// their index entries are pruned lazily by ListRuns and ClearFinished.
func (s *RedisStorage) SaveRun(ctx context.Context, run types.RunRecord) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %d: %w", run.ID, err)
		}
		member := &redis.Z{Score: 0, Member: runMember(run.ID)}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, runKey(run.ID), data, s.runTTL)
			pipe.ZAdd(ctx, runIndex, member)
			pipe.ZAdd(ctx, runIndexPrefix+run.TemplateID, member)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save run %d: %w", run.ID, err)
		}
		return nil
	})
}

// GetRun implements Storage.
func (s *RedisStorage) GetRun(ctx context.Context, id uint64) (types.RunRecord, error) {
	return getFromRedis[types.RunRecord](ctx, s.client, runKey(id), ErrRunNotFound)
}

// ListRuns implements Storage.
func (s *RedisStorage) ListRuns(ctx context.Context, templateID string, limit int) ([]types.RunRecord, error) {
	return withContext(ctx, func() ([]types.RunRecord, error) {
		index := runIndex
		if templateID != "" {
			index = runIndexPrefix + templateID
		}

		limit = runLimit(limit)
		out := make([]types.RunRecord, 0, limit)
		var offset int64
		for len(out) < limit {
			members, err := s.client.ZRevRangeByLex(ctx, index, &redis.ZRangeBy{
				Min: "-", Max: "+", Offset: offset, Count: int64(limit - len(out)),
			}).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to read run index: %w", err)
			}
			if len(members) == 0 {
				break
			}
			offset += int64(len(members))

			runs, stale, err := s.loadRuns(ctx, members)
			if err != nil {
				return nil, err
			}
			out = append(out, runs...)
			if len(stale) > 0 {
				// Expired records leave index entries behind.
				if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
					return nil, fmt.Errorf("failed to prune run index: %w", err)
				}
				offset -= int64(len(stale))
			}
		}
		return out, nil
	})
}

// loadRuns fetches the records of index members. Members whose record is
// gone are returned as stale.
func (s *RedisStorage) loadRuns(ctx context.Context, members []string) ([]types.RunRecord, []interface{}, error) {
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := memberID(m)
		if err != nil {
			return nil, nil, fmt.Errorf("corrupt run index member %q: %w", m, err)
		}
		keys = append(keys, runKey(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get runs: %w", err)
	}

	var runs []types.RunRecord
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		run, err := decodeValue[types.RunRecord](keys[i], []byte(str))
		if err != nil {
			return nil, nil, err
		}
		runs = append(runs, run)
	}
	return runs, stale, nil
}

// ClearFinished implements Storage. It walks the run index in batches and
// deletes completed and failed records together with their index entries.
func (s *RedisStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		var offset int64
		for {
			members, err := s.client.ZRangeByLex(ctx, runIndex, &redis.ZRangeBy{
				Min: "-", Max: "+", Offset: offset, Count: scanBatch,
			}).Result()
			if err != nil {
				return fmt.Errorf("failed to read run index: %w", err)
			}
			if len(members) == 0 {
				return nil
			}

			runs, stale, err := s.loadRuns(ctx, members)
			if err != nil {
				return err
			}

			pipe := s.client.TxPipeline()
			removed := len(stale)
			if len(stale) > 0 {
				pipe.ZRem(ctx, runIndex, stale...)
			}
			for _, run := range runs {
				if !finished(run) {
					continue
				}
				member := runMember(run.ID)
				pipe.Del(ctx, runKey(run.ID))
				pipe.ZRem(ctx, runIndex, member)
				pipe.ZRem(ctx, runIndexPrefix+run.TemplateID, member)
				removed++
			}
			if removed > 0 {
				if _, err := pipe.Exec(ctx); err != nil {
					return fmt.Errorf("failed to delete finished runs: %w", err)
				}
			}
			offset += int64(len(members) - removed)
		}
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
