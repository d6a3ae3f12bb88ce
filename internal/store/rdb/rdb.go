// Package rdb keeps quota counters in Redis. Each consume is one Lua script
// so the check and the increment cannot interleave across instances.
package rdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tollgate.dev/internal/plan"
	"tollgate.dev/internal/quota"
)

const (
	defaultPrefix = "tollgate"
	indexSuffix   = "counters"
)

// KEYS[1] counter hash, KEYS[2] index set.
// ARGV: plan, amount, period (unix ms), principal, ceiling ("" = unlimited).
// Returns {applied, used, period, plan} describing the stored state.
var addScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'used', 'period', 'plan')
local used = tonumber(cur[1])
local period = tonumber(cur[2])
local planID = cur[3]
local req = tonumber(ARGV[3])
local amount = tonumber(ARGV[2])
if period == nil then
  used = 0
  period = req
  planID = ARGV[1]
  redis.call('HSET', KEYS[1], 'used', 0, 'period', req, 'plan', planID)
  redis.call('SADD', KEYS[2], ARGV[4])
end
if period > req then
  return {0, used, period, planID}
end
local base = used
if period < req then
  base = 0
end
if ARGV[5] ~= '' and base + amount > tonumber(ARGV[5]) then
  return {0, used, period, planID}
end
redis.call('HSET', KEYS[1], 'used', base + amount, 'period', req, 'plan', ARGV[1])
return {1, base + amount, req, ARGV[1]}
`)

// KEYS[1] counter hash. ARGV[1] period (unix ms).
// Returns {} for missing counters, otherwise {used, period, plan}.
var rolloverScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'used', 'period', 'plan')
if cur[2] == false then
  return {}
end
local period = tonumber(cur[2])
local req = tonumber(ARGV[1])
if period < req then
  redis.call('HSET', KEYS[1], 'used', 0, 'period', req)
  return {0, req, cur[3]}
end
return {tonumber(cur[1]), period, cur[3]}
`)

// Store implements quota.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

var _ quota.Store = (*Store)(nil)

// Options configures Dial.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Dial connects and verifies the server answers within five seconds.
func Dial(opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error { return s.client.Close() }

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Get(ctx context.Context, principalID string) (quota.Counter, error) {
	vals, err := s.client.HMGet(ctx, s.counterKey(principalID), "used", "period", "plan").Result()
	if err != nil {
		return quota.Counter{}, err
	}
	return counterFromHash(principalID, vals)
}

func (s *Store) Add(ctx context.Context, req quota.AddRequest) (quota.Counter, bool, error) {
	res, err := addScript.Run(ctx, s.client,
		[]string{s.counterKey(req.PrincipalID), s.indexKey()},
		string(req.PlanID), req.Amount, req.Period.UTC().UnixMilli(), req.PrincipalID, ceilingArg(req.Ceiling),
	).Slice()
	if err != nil {
		return quota.Counter{}, false, err
	}
	if len(res) != 4 {
		return quota.Counter{}, false, fmt.Errorf("rdb: unexpected add reply %v", res)
	}
	applied, err := toInt(res[0])
	if err != nil {
		return quota.Counter{}, false, err
	}
	c, err := counterFromReply(req.PrincipalID, res[1:])
	if err != nil {
		return quota.Counter{}, false, err
	}
	return c, applied == 1, nil
}

func (s *Store) Rollover(ctx context.Context, principalID string, period time.Time) (quota.Counter, error) {
	res, err := rolloverScript.Run(ctx, s.client,
		[]string{s.counterKey(principalID)}, period.UTC().UnixMilli()).Slice()
	if err != nil {
		return quota.Counter{}, err
	}
	if len(res) == 0 {
		return quota.Counter{}, quota.ErrCounterNotFound
	}
	return counterFromReply(principalID, res)
}

func (s *Store) List(ctx context.Context) ([]quota.Counter, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.counterKey(id), "used", "period", "plan")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]quota.Counter, 0, len(ids))
	for i, id := range ids {
		c, err := counterFromHash(id, cmds[i].Val())
		if errors.Is(err, quota.ErrCounterNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out, nil
}

func (s *Store) counterKey(principalID string) string {
	return s.prefix + ":counter:" + principalID
}

func (s *Store) indexKey() string { return s.prefix + ":" + indexSuffix }

func ceilingArg(l plan.Limit) string {
	n, finite := l.Value()
	if !finite {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

// counterFromHash decodes an HMGET reply of used, period, plan.
func counterFromHash(principalID string, vals []any) (quota.Counter, error) {
	if len(vals) != 3 || vals[1] == nil {
		return quota.Counter{}, quota.ErrCounterNotFound
	}
	return counterFromReply(principalID, vals)
}

// counterFromReply decodes {used, period, plan} from either a script or a hash reply.
func counterFromReply(principalID string, vals []any) (quota.Counter, error) {
	if len(vals) != 3 {
		return quota.Counter{}, fmt.Errorf("rdb: unexpected counter reply %v", vals)
	}
	used, err := toInt(vals[0])
	if err != nil {
		return quota.Counter{}, fmt.Errorf("rdb: used: %w", err)
	}
	ms, err := toInt(vals[1])
	if err != nil {
		return quota.Counter{}, fmt.Errorf("rdb: period: %w", err)
	}
	planID, _ := vals[2].(string)
	return quota.Counter{
		PrincipalID: principalID,
		PlanID:      plan.ID(planID),
		Used:        used,
		PeriodStart: time.UnixMilli(ms).UTC(),
	}, nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
