package db

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"aishell/internal/fault"
)

// redisRaw runs commands against one dedicated Redis connection.
type redisRaw struct {
	client *redis.Client
}

func redisFactory(cs ConnString) (Factory, error) {
	opts, err := redis.ParseURL(cs.Raw())
	if err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, err, "parsing redis connection string")
	}
	// The aishell pool owns pooling; go-redis keeps a single conn.
	opts.PoolSize = 1
	opts.MinIdleConns = 0

	return func(ctx context.Context) (Raw, error) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fault.Wrap(fault.KindUnavailable, err, "dialling redis")
		}
		return &redisRaw{client: client}, nil
	}, nil
}

// Execute treats stmt as a space-separated Redis command. Params append as
// trailing arguments, which keeps user values out of the command text.
func (r *redisRaw) Execute(ctx context.Context, stmt string, params []any) (*Result, error) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return nil, fault.New(fault.KindInvalidInput, "empty redis command")
	}
	args := make([]any, 0, len(fields)+len(params))
	for _, f := range fields {
		args = append(args, f)
	}
	args = append(args, params...)

	start := time.Now()
	val, err := r.client.Do(ctx, args...).Result()
	if err != nil {
		if err == redis.Nil {
			return &Result{Columns: []string{"reply"}, Duration: time.Since(start)}, nil
		}
		return nil, wrapDriverErr(err)
	}

	res := &Result{Columns: []string{"reply"}, Duration: time.Since(start)}
	switch v := val.(type) {
	case []any:
		for _, item := range v {
			res.Rows = append(res.Rows, []any{item})
		}
	default:
		res.Rows = append(res.Rows, []any{v})
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

func (r *redisRaw) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fault.Wrap(fault.KindUnavailable, err, "redis ping")
	}
	return nil
}

func (r *redisRaw) Close() error { return r.client.Close() }
