package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Driver backed by a single redis.Client, namespaced by a key
// prefix so one Redis database can host many actors/workflow instances
// (§4.2 "logically isolated namespace", grounded on the teacher's
// features/stream/pulse client: wrap a *redis.Client behind Options and a
// narrow typed interface rather than exposing the raw client).
//
// Ordering is the one property a plain Redis string keyspace cannot give us
// for free (KEYS/SCAN make no ordering guarantee), so keys are also indexed
// in a sorted set with score 0: members with equal scores are ordered
// lexicographically by Redis, which lets ZRANGEBYLEX/ZREVRANGEBYLEX serve
// List/ListRange in the byte order the core's replay determinism requires.
type Redis struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures a Redis driver instance.
type RedisOptions struct {
	// Client is the shared Redis connection. Required.
	Client *redis.Client
	// Namespace prefixes every key and index member, isolating this
	// Driver's data from any other actor/workflow sharing the database.
	Namespace string
}

// NewRedis constructs a namespaced Driver over an existing Redis connection.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, errors.New("kv: redis client is required")
	}
	return &Redis{client: opts.Client, prefix: opts.Namespace}, nil
}

func (r *Redis) valueKey(key []byte) string { return r.prefix + "\x00v\x00" + string(key) }
func (r *Redis) indexKey() string           { return r.prefix + "\x00idx" }
func (r *Redis) alarmKey() string           { return r.prefix + "\x00alarms" }

func (r *Redis) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: redis get: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.valueKey(key), value, 0)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: 0, Member: string(key)})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kv: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.valueKey(key))
	pipe.ZRem(ctx, r.indexKey(), string(key))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kv: redis delete: %w", err)
	}
	return nil
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix []byte) error {
	entries, err := r.List(ctx, prefix)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, e := range entries {
		pipe.Del(ctx, r.valueKey(e.Key))
		pipe.ZRem(ctx, r.indexKey(), string(e.Key))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kv: redis delete prefix: %w", err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, prefix []byte) ([]Entry, error) {
	// [prefix, prefixUpperBound) expressed as a ZRANGEBYLEX range; an empty
	// upper bound means "no prefix filter, scan everything".
	upper := prefixUpperBound(prefix)
	members, err := r.zrangeByLex(ctx, string(prefix), upper, false, 0)
	if err != nil {
		return nil, err
	}
	return r.fetchValues(ctx, members)
}

func (r *Redis) ListRange(ctx context.Context, start, end []byte, opts ListRangeOptions) ([]Entry, error) {
	var endStr string
	if end != nil {
		endStr = string(end)
	}
	members, err := r.zrangeByLex(ctx, string(start), endStr, opts.Reverse, opts.Limit)
	if err != nil {
		return nil, err
	}
	return r.fetchValues(ctx, members)
}

func (r *Redis) zrangeByLex(ctx context.Context, start, end string, reverse bool, limit int) ([]string, error) {
	min := "[" + start
	max := "+"
	if end != "" {
		max = "(" + end
	}
	if reverse {
		rb := &redis.ZRangeBy{Min: min, Max: max}
		if limit > 0 {
			rb.Count = int64(limit)
		}
		return r.client.ZRevRangeByLex(ctx, r.indexKey(), rb).Result()
	}
	rb := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		rb.Count = int64(limit)
	}
	return r.client.ZRangeByLex(ctx, r.indexKey(), rb).Result()
}

func (r *Redis) fetchValues(ctx context.Context, members []string) ([]Entry, error) {
	if len(members) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.Get(ctx, r.valueKey([]byte(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("kv: redis mget: %w", err)
	}
	out := make([]Entry, 0, len(members))
	for i, cmd := range cmds {
		v, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue // index and value raced with a concurrent delete
		}
		if err != nil {
			return nil, fmt.Errorf("kv: redis mget: %w", err)
		}
		out = append(out, Entry{Key: []byte(members[i]), Value: v})
	}
	return out, nil
}

func (r *Redis) Batch(ctx context.Context, writes []Write) error {
	pipe := r.client.TxPipeline()
	for _, w := range writes {
		if w.Value == nil {
			pipe.Del(ctx, r.valueKey(w.Key))
			pipe.ZRem(ctx, r.indexKey(), string(w.Key))
			continue
		}
		pipe.Set(ctx, r.valueKey(w.Key), w.Value, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: 0, Member: string(w.Key)})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kv: redis batch: %w", err)
	}
	return nil
}

func (r *Redis) SetAlarm(ctx context.Context, id string, wakeAtMs int64) error {
	err := r.client.ZAdd(ctx, r.alarmKey(), redis.Z{Score: float64(wakeAtMs), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("kv: redis set alarm: %w", err)
	}
	return nil
}

func (r *Redis) ClearAlarm(ctx context.Context, id string) error {
	err := r.client.ZRem(ctx, r.alarmKey(), id).Err()
	if err != nil {
		return fmt.Errorf("kv: redis clear alarm: %w", err)
	}
	return nil
}

func (r *Redis) NextAlarm(ctx context.Context) (int64, bool, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, r.alarmKey(), &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: 1}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("kv: redis next alarm: %w", err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return int64(res[0].Score), true, nil
}

// prefixUpperBound returns the smallest byte string greater than every
// string carrying prefix, i.e. prefix with its last byte incremented (and
// any trailing 0xff bytes stripped first). An empty result means "no upper
// bound" (prefix was empty or all 0xff).
func prefixUpperBound(prefix []byte) string {
	b := append([]byte(nil), prefix...)
	for len(b) > 0 {
		if b[len(b)-1] == 0xff {
			b = b[:len(b)-1]
			continue
		}
		b[len(b)-1]++
		return string(b)
	}
	return ""
}
