// Package redis stores ledger/kvstore records in a plain Redis next to other
// byte caches. Unlike ledger/redisstore it knows nothing about accounts;
// what it adds over single GET/SET is provider.Batch, so a kvstore
// transfer lands in one MULTI/EXEC and cannot be torn.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/capital/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	maxValue    int
}

var (
	_ pr.Provider = (*Redis)(nil)
	_ pr.Batch    = (*Redis)(nil)
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // true only if this provider owns the client
	MaxValue    int  // refuse larger values with ok=false / ErrRejected; 0 => no limit
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient, maxValue: cfg.MaxValue}, nil
}

func (p *Redis) fits(b []byte) bool { return p.maxValue <= 0 || len(b) <= p.maxValue }

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if !p.fits(value) {
		return false, nil
	}
	if err := p.rdb.Set(ctx, key, value, max(ttl, 0)).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// GetMany reads every key with one MGET.
func (p *Redis) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		switch v := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(v)
		default:
			return nil, fmt.Errorf("redis provider: %q holds %T", keys[i], v)
		}
	}
	return out, nil
}

// SetMany writes every item inside one MULTI/EXEC. An oversized item
// rejects the whole batch before anything is sent.
func (p *Redis) SetMany(ctx context.Context, items []pr.Item) error {
	for _, it := range items {
		if !p.fits(it.Value) {
			return fmt.Errorf("%w: %s is %d bytes", pr.ErrRejected, it.Key, len(it.Value))
		}
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, it := range items {
			pipe.Set(ctx, it.Key, it.Value, 0)
		}
		return nil
	})
	return err
}

// Close closes the client only when this provider owns it. Repeated calls
// are no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
