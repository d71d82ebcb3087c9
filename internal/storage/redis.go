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

	logx "pollhub/pkg/logx"
)

const (
	defaultRedisPrefix = "pollhub"
	// redisPerTask caps each task's sorted set independently of retention.
	redisPerTask = 1024
	redisPing    = 5 * time.Second
)

// redisStore keeps one sorted set per task, scored by completion time in
// milliseconds, plus a set of task names:
//
//	<prefix>:outcomes:<task>  ZSET  score=at_ms member=outcome JSON
//	<prefix>:tasks            SET   task names with a journal
type redisStore struct {
	rdb    *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Redis.Prefix), ":")
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPing)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Debug("outcome journal opened", logx.String("addr", addr), logx.String("prefix", prefix))
	return &redisStore{rdb: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) tasksKey() string               { return s.prefix + ":tasks" }
func (s *redisStore) outcomesKey(task string) string { return s.prefix + ":outcomes:" + task }

func (s *redisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *redisStore) AppendOutcome(ctx context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	key := s.outcomesKey(o.Task)
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(o.At.UnixMilli()), Member: string(b)})
	pipe.ZRemRangeByRank(ctx, key, 0, -redisPerTask-1)
	pipe.SAdd(ctx, s.tasksKey(), o.Task)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentOutcomes(ctx context.Context, task string, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = recentPerTask
	}
	tasks := []string{task}
	if task == "" {
		all, err := s.rdb.SMembers(ctx, s.tasksKey()).Result()
		if err != nil {
			return nil, err
		}
		tasks = all
	}

	var out []Outcome
	for _, t := range tasks {
		members, err := s.rdb.ZRevRange(ctx, s.outcomesKey(t), 0, int64(limit-1)).Result()
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			var o Outcome
			if err := json.Unmarshal([]byte(m), &o); err != nil {
				s.log.Debug("skipping corrupt journal entry", logx.String("task", t), logx.Err(err))
				continue
			}
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *redisStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tasks, err := s.rdb.SMembers(ctx, s.tasksKey()).Result()
	if err != nil {
		return 0, err
	}
	// exclusive upper bound: keep outcomes at exactly cutoff
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	dropped := 0
	for _, t := range tasks {
		key := s.outcomesKey(t)
		n, err := s.rdb.ZRemRangeByScore(ctx, key, "-inf", max).Result()
		if err != nil {
			return dropped, err
		}
		dropped += int(n)
		left, err := s.rdb.ZCard(ctx, key).Result()
		if err != nil {
			return dropped, err
		}
		if left == 0 {
			if err := s.rdb.SRem(ctx, s.tasksKey(), t).Err(); err != nil {
				return dropped, err
			}
		}
	}
	return dropped, nil
}
