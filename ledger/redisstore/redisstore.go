// Package redisstore keeps a ledger in Redis.
//
// Layout, under a configurable prefix:
//
//	<p>:accounts            set of every account id
//	<p>:bal:<id>            balance (integer string)
//	<p>:labels:<id>         hash of labels
//	<p>:idx:<name>          set of ids carrying label name
//	<p>:idx:<name>=<value>  set of ids with that exact label
//
// Selector lookups are a SINTER over index sets. Writes use WATCH/MULTI and
// retry on conflict.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/capital/ledger"
)

var (
	ErrNilClient = errors.New("redisstore: nil client")
	ErrConflict  = errors.New("redisstore: too many concurrent writers")
)

const (
	defaultPrefix     = "capital"
	defaultMaxRetries = 16
)

type Config struct {
	Client     goredis.UniversalClient
	Prefix     string // "" => "capital"
	MaxRetries int    // optimistic write retries; 0 => 16
}

type Store struct {
	rdb     goredis.UniversalClient
	prefix  string
	retries int
}

var _ ledger.Ledger = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	s := &Store{rdb: cfg.Client, prefix: cfg.Prefix, retries: cfg.MaxRetries}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.retries <= 0 {
		s.retries = defaultMaxRetries
	}
	return s, nil
}

func (s *Store) accountsKey() string { return s.prefix + ":accounts" }
func (s *Store) balKey(id ledger.AccountID) string { return s.prefix + ":bal:" + id.String() }
func (s *Store) labelsKey(id ledger.AccountID) string { return s.prefix + ":labels:" + id.String() }
func (s *Store) anyKey(name string) string { return s.prefix + ":idx:" + name }
func (s *Store) isKey(name, value string) string { return s.prefix + ":idx:" + name + "=" + value }

func (s *Store) indexKeys(l ledger.Labels) []string {
	keys := make([]string, 0, 2*len(l))
	for k, v := range l {
		keys = append(keys, s.anyKey(k), s.isKey(k, v))
	}
	return keys
}

func labelArgs(l ledger.Labels) []any {
	args := make([]any, 0, 2*len(l))
	for k, v := range l {
		args = append(args, k, v)
	}
	return args
}

// watch runs fn under WATCH keys, retrying when another writer got in first.
func (s *Store) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < s.retries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

func (s *Store) CreateAccount(ctx context.Context, id ledger.AccountID, balance int64, labels ledger.Labels) error {
	bk, lk := s.balKey(id), s.labelsKey(id)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, bk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, id)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, bk, balance, 0)
			if len(labels) > 0 {
				p.HSet(ctx, lk, labelArgs(labels)...)
			}
			for _, k := range s.indexKeys(labels) {
				p.SAdd(ctx, k, id.String())
			}
			p.SAdd(ctx, s.accountsKey(), id.String())
			return nil
		})
		return err
	}, bk)
}

func (s *Store) SetLabels(ctx context.Context, id ledger.AccountID, labels ledger.Labels) error {
	bk, lk := s.balKey(id), s.labelsKey(id)
	return s.watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, bk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
		}
		old, err := tx.HGetAll(ctx, lk).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, k := range s.indexKeys(old) {
				p.SRem(ctx, k, id.String())
			}
			p.Del(ctx, lk)
			if len(labels) > 0 {
				p.HSet(ctx, lk, labelArgs(labels)...)
			}
			for _, k := range s.indexKeys(labels) {
				p.SAdd(ctx, k, id.String())
			}
			return nil
		})
		return err
	}, bk, lk)
}

func (s *Store) Transfer(ctx context.Context, t ledger.Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	keys := make([]string, len(t.Postings))
	for i, p := range t.Postings {
		keys[i] = s.balKey(p.Account)
	}
	return s.watch(ctx, func(tx *goredis.Tx) error {
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, p := range t.Postings {
			bal, ok, err := parseBalance(vals[i])
			if err != nil {
				return fmt.Errorf("redisstore: balance of %s: %w", p.Account, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, p.Account)
			}
			if err := ledger.CheckFunds(bal, p); err != nil {
				return fmt.Errorf("%w: %s", err, p.Account)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, p := range t.Postings {
				pipe.IncrBy(ctx, keys[i], p.Delta)
			}
			return nil
		})
		return err
	}, keys...)
}

func (s *Store) FetchAccountBalance(ctx context.Context, id ledger.AccountID) (int64, error) {
	v, err := s.rdb.Get(ctx, s.balKey(id)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return v, err
}

func (s *Store) FetchAccountBalances(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]int64, error) {
	out := make(map[ledger.AccountID]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.balKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		bal, ok, err := parseBalance(vals[i])
		if err != nil {
			return nil, fmt.Errorf("redisstore: balance of %s: %w", id, err)
		}
		if ok {
			out[id] = bal
		}
	}
	return out, nil
}

func (s *Store) FetchAccountLabels(ctx context.Context, id ledger.AccountID) (ledger.Labels, error) {
	m, err := s.FetchAccountLabelsMulti(ctx, []ledger.AccountID{id})
	if err != nil {
		return nil, err
	}
	l, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return l, nil
}

func (s *Store) FetchAccountLabelsMulti(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]ledger.Labels, error) {
	out := make(map[ledger.AccountID]ledger.Labels, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	exists := make([]*goredis.IntCmd, len(ids))
	labels := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = p.Exists(ctx, s.balKey(id))
			labels[i] = p.HGetAll(ctx, s.labelsKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if exists[i].Val() == 0 {
			continue
		}
		l := labels[i].Val()
		if len(l) == 0 {
			out[id] = nil
			continue
		}
		out[id] = ledger.Labels(l)
	}
	return out, nil
}

func (s *Store) FindAccounts(ctx context.Context, sel ledger.Selector) ([]ledger.AccountID, error) {
	var (
		members []string
		err     error
	)
	if len(sel) == 0 {
		members, err = s.rdb.SMembers(ctx, s.accountsKey()).Result()
	} else {
		keys := make([]string, len(sel))
		for i, m := range sel {
			if m.Any {
				keys[i] = s.anyKey(m.Name)
			} else {
				keys[i] = s.isKey(m.Name, m.Value)
			}
		}
		members, err = s.rdb.SInter(ctx, keys...).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]ledger.AccountID, 0, len(members))
	for _, m := range members {
		id, err := ledger.ParseAccountID(m)
		if err != nil {
			return nil, fmt.Errorf("redisstore: index holds %q: %w", m, err)
		}
		out = append(out, id)
	}
	ledger.SortIDs(out)
	return out, nil
}

func parseBalance(v any) (int64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil, err
	default:
		return 0, false, fmt.Errorf("unexpected reply %T", v)
	}
}
