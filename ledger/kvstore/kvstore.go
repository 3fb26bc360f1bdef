// Package kvstore keeps a ledger in any provider.Provider byte store
// (bigcache, ristretto, a plain Redis). Each account is one record encoded
// with a codec.Codec and framed by internal/wire; an index record lists
// every account with the generation of its last write.
//
// A Store serializes its own writes and must be the only writer of its
// namespace. Providers implementing provider.Batch get every multi-record
// write (records plus index) applied atomically and multi-record reads in
// one round trip; other providers are written key by key.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/unkn0wn-root/capital/codec"
	"github.com/unkn0wn-root/capital/internal/wire"
	"github.com/unkn0wn-root/capital/ledger"
	"github.com/unkn0wn-root/capital/provider"
)

var (
	ErrNilProvider = errors.New("kvstore: nil provider")
	// ErrLost means the index lists an account whose record the provider
	// no longer has (evicted or expired).
	ErrLost = errors.New("kvstore: account record lost")
	// ErrStale means a record's generation disagrees with the index.
	ErrStale = errors.New("kvstore: account record out of step with index")
)

// Record is the stored form of one account.
type Record struct {
	Balance int64         `json:"balance" cbor:"balance" msgpack:"balance"`
	Labels  ledger.Labels `json:"labels,omitempty" cbor:"labels,omitempty" msgpack:"labels,omitempty"`
}

type Config struct {
	// Required
	Provider provider.Provider

	Namespace string              // key prefix; "" => "capital"
	Format    string              // codec name; "" => json. Ignored when Codec is set.
	Codec     codec.Codec[Record] // custom record codec
	MaxRecord int                 // decode limit in bytes; 0 => 64KiB, <0 => off
}

type Store struct {
	p     provider.Provider
	codec codec.Codec[Record]
	ns    string

	mu  sync.RWMutex
	gen uint64
}

var _ ledger.Ledger = (*Store)(nil)

// New builds a Store and resumes from an index already in the provider.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Provider == nil {
		return nil, ErrNilProvider
	}
	c := cfg.Codec
	if c == nil {
		var err error
		if c, err = codec.ByName[Record](cfg.Format); err != nil {
			return nil, fmt.Errorf("kvstore: %w", err)
		}
	}
	limit := cfg.MaxRecord
	if limit == 0 {
		limit = 64 << 10
	}
	s := &Store{
		p:     cfg.Provider,
		codec: codec.Limit[Record]{Inner: c, MaxDecode: limit},
		ns:    cfg.Namespace,
	}
	if s.ns == "" {
		s.ns = "capital"
	}

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range idx {
		s.gen = max(s.gen, e.Gen)
	}
	return s, nil
}

func (s *Store) indexKey() string { return s.ns + ":index" }
func (s *Store) recordKey(id ledger.AccountID) string { return s.ns + ":acct:" + id.String() }

func (s *Store) loadIndex(ctx context.Context) ([]wire.IndexEntry, error) {
	b, ok, err := s.p.Get(ctx, s.indexKey())
	if err != nil || !ok {
		return nil, err
	}
	idx, err := wire.DecodeIndex(b)
	if err != nil {
		return nil, fmt.Errorf("kvstore: index: %w", err)
	}
	return idx, nil
}

// commit writes records and then the index that vouches for them.
func (s *Store) commit(ctx context.Context, records []provider.Item, idx []wire.IndexEntry) error {
	b, err := wire.EncodeIndex(idx)
	if err != nil {
		return err
	}
	items := append(records, provider.Item{Key: s.indexKey(), Value: b})
	if bp, ok := s.p.(provider.Batch); ok {
		return bp.SetMany(ctx, items)
	}
	for _, it := range items {
		if err := s.put(ctx, it.Key, it.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, b []byte) error {
	ok, err := s.p.Set(ctx, key, b, int64(len(b)), 0)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrRejected, key)
	}
	return nil
}

// read returns the record for id, or ok=false if the provider has none.
func (s *Store) read(ctx context.Context, id ledger.AccountID) (rec Record, gen uint64, ok bool, err error) {
	b, ok, err := s.p.Get(ctx, s.recordKey(id))
	if err != nil || !ok {
		return Record{}, 0, false, err
	}
	return s.decode(id, b)
}

type stored struct {
	rec Record
	gen uint64
}

// readMany returns the records found for ids, in one round trip when the
// provider supports it.
func (s *Store) readMany(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]stored, error) {
	out := make(map[ledger.AccountID]stored, len(ids))
	bp, ok := s.p.(provider.Batch)
	if !ok {
		for _, id := range ids {
			rec, gen, ok, err := s.read(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out[id] = stored{rec, gen}
			}
		}
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := bp.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		b, ok := vals[keys[i]]
		if !ok {
			continue
		}
		rec, gen, _, err := s.decode(id, b)
		if err != nil {
			return nil, err
		}
		out[id] = stored{rec, gen}
	}
	return out, nil
}

func (s *Store) decode(id ledger.AccountID, b []byte) (rec Record, gen uint64, ok bool, err error) {
	gen, payload, err := wire.DecodeAccount(b)
	if err != nil {
		return Record{}, 0, false, fmt.Errorf("kvstore: account %s: %w", id, err)
	}
	rec, err = s.codec.Decode(payload)
	if err != nil {
		return Record{}, 0, false, fmt.Errorf("kvstore: account %s: %w", id, err)
	}
	return rec, gen, true, nil
}

func (s *Store) encode(id ledger.AccountID, gen uint64, rec Record) (provider.Item, error) {
	payload, err := s.codec.Encode(rec)
	if err != nil {
		return provider.Item{}, fmt.Errorf("kvstore: account %s: %w", id, err)
	}
	return provider.Item{Key: s.recordKey(id), Value: wire.EncodeAccount(gen, payload)}, nil
}

func setGen(idx []wire.IndexEntry, id string, gen uint64) []wire.IndexEntry {
	for i := range idx {
		if idx[i].ID == id {
			idx[i].Gen = gen
			return idx
		}
	}
	return append(idx, wire.IndexEntry{ID: id, Gen: gen})
}

func (s *Store) CreateAccount(ctx context.Context, id ledger.AccountID, balance int64, labels ledger.Labels) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	key := id.String()
	if slices.ContainsFunc(idx, func(e wire.IndexEntry) bool { return e.ID == key }) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, id)
	}
	s.gen++
	it, err := s.encode(id, s.gen, Record{Balance: balance, Labels: labels.Clone()})
	if err != nil {
		return err
	}
	return s.commit(ctx, []provider.Item{it}, setGen(idx, key, s.gen))
}

func (s *Store) SetLabels(ctx context.Context, id ledger.AccountID, labels ledger.Labels) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _, ok, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	rec.Labels = labels.Clone()
	s.gen++
	it, err := s.encode(id, s.gen, rec)
	if err != nil {
		return err
	}
	return s.commit(ctx, []provider.Item{it}, setGen(idx, id.String(), s.gen))
}

// Transfer checks every posting before writing any record. Without
// provider.Batch records are written one by one; a provider failure midway
// leaves the ledger torn and FindAccounts reports ErrStale for the accounts
// involved.
func (s *Store) Transfer(ctx context.Context, t ledger.Transfer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]Record, len(t.Postings))
	for i, p := range t.Postings {
		rec, _, ok, err := s.read(ctx, p.Account)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, p.Account)
		}
		if err := ledger.CheckFunds(rec.Balance, p); err != nil {
			return fmt.Errorf("%w: %s", err, p.Account)
		}
		rec.Balance += p.Delta
		recs[i] = rec
	}

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	s.gen++
	items := make([]provider.Item, 0, len(t.Postings)+1)
	for i, p := range t.Postings {
		it, err := s.encode(p.Account, s.gen, recs[i])
		if err != nil {
			return err
		}
		items = append(items, it)
		idx = setGen(idx, p.Account.String(), s.gen)
	}
	return s.commit(ctx, items, idx)
}

func (s *Store) FetchAccountBalance(ctx context.Context, id ledger.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, _, ok, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return rec.Balance, nil
}

func (s *Store) FetchAccountBalances(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, err := s.readMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[ledger.AccountID]int64, len(found))
	for id, st := range found {
		out[id] = st.rec.Balance
	}
	return out, nil
}

func (s *Store) FetchAccountLabels(ctx context.Context, id ledger.AccountID) (ledger.Labels, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, _, ok, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return rec.Labels, nil
}

func (s *Store) FetchAccountLabelsMulti(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]ledger.Labels, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, err := s.readMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[ledger.AccountID]ledger.Labels, len(found))
	for id, st := range found {
		out[id] = st.rec.Labels
	}
	return out, nil
}

// FindAccounts scans every indexed account.
func (s *Store) FindAccounts(ctx context.Context, sel ledger.Selector) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]ledger.AccountID, len(idx))
	for i, e := range idx {
		id, err := ledger.ParseAccountID(e.ID)
		if err != nil {
			return nil, fmt.Errorf("kvstore: index holds %q: %w", e.ID, wire.ErrCorrupt)
		}
		ids[i] = id
	}
	found, err := s.readMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []ledger.AccountID
	for i, id := range ids {
		st, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrLost, id)
		}
		if st.gen != idx[i].Gen {
			return nil, fmt.Errorf("%w: %s", ErrStale, id)
		}
		if sel.Matches(st.rec.Labels) {
			out = append(out, id)
		}
	}
	ledger.SortIDs(out)
	return out, nil
}
