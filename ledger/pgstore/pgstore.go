// Package pgstore keeps a ledger in PostgreSQL through a pgx pool.
//
// Accounts live in one table with labels in a jsonb column (GIN indexed);
// transfers lock their accounts with SELECT ... FOR UPDATE and are journaled
// in a second table.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unkn0wn-root/capital/ledger"
)

var (
	ErrNilPool      = errors.New("pgstore: nil pool")
	ErrInvalidTable = errors.New("pgstore: invalid table name")
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,50}$`)

type Config struct {
	Pool  *pgxpool.Pool
	Table string // accounts table; "" => "capital_accounts". Transfers go to <Table>_transfers.
}

type Store struct {
	pool      *pgxpool.Pool
	accounts  string
	transfers string
}

var _ ledger.Ledger = (*Store)(nil)

// Open parses dsn and connects a pool.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, ErrNilPool
	}
	table := cfg.Table
	if table == "" {
		table = "capital_accounts"
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return &Store{pool: cfg.Pool, accounts: table, transfers: table + "_transfers"}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id      uuid PRIMARY KEY,
	balance bigint NOT NULL,
	labels  jsonb NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS %[1]s_labels_idx ON %[1]s USING gin (labels);
CREATE TABLE IF NOT EXISTS %[2]s (
	id       bigserial PRIMARY KEY,
	postings jsonb NOT NULL,
	labels   jsonb NOT NULL DEFAULT '{}'::jsonb,
	at       timestamptz NOT NULL DEFAULT now()
);`, s.accounts, s.transfers))
	return err
}

func labelsJSON(l ledger.Labels) ([]byte, error) {
	if l == nil {
		l = ledger.Labels{}
	}
	return json.Marshal(l)
}

func decodeLabels(b []byte) (ledger.Labels, error) {
	var l ledger.Labels
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	if len(l) == 0 {
		return nil, nil
	}
	return l, nil
}

func idStrings(ids []ledger.AccountID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *Store) CreateAccount(ctx context.Context, id ledger.AccountID, balance int64, labels ledger.Labels) error {
	lj, err := labelsJSON(labels)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, balance, labels) VALUES ($1::uuid, $2, $3::jsonb) ON CONFLICT (id) DO NOTHING`, s.accounts),
		id.String(), balance, string(lj))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, id)
	}
	return nil
}

func (s *Store) SetLabels(ctx context.Context, id ledger.AccountID, labels ledger.Labels) error {
	lj, err := labelsJSON(labels)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET labels = $2::jsonb WHERE id = $1::uuid`, s.accounts),
		id.String(), string(lj))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return nil
}

func (s *Store) Transfer(ctx context.Context, t ledger.Transfer) (err error) {
	if err := t.Validate(); err != nil {
		return err
	}
	ids := make([]ledger.AccountID, len(t.Postings))
	for i, p := range t.Postings {
		ids[i] = p.Account
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// lock in id order so concurrent transfers cannot deadlock
	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT id::text, balance FROM %s WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, s.accounts),
		idStrings(ids))
	if err != nil {
		return err
	}
	balances, err := scanBalances(rows)
	if err != nil {
		return err
	}
	for _, p := range t.Postings {
		bal, ok := balances[p.Account]
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, p.Account)
		}
		if err := ledger.CheckFunds(bal, p); err != nil {
			return fmt.Errorf("%w: %s", err, p.Account)
		}
	}

	batch := &pgx.Batch{}
	for _, p := range t.Postings {
		batch.Queue(fmt.Sprintf(`UPDATE %s SET balance = balance + $2 WHERE id = $1::uuid`, s.accounts), p.Account.String(), p.Delta)
	}
	pj, err := json.Marshal(t.Postings)
	if err != nil {
		return err
	}
	lj, err := labelsJSON(t.Labels)
	if err != nil {
		return err
	}
	batch.Queue(fmt.Sprintf(`INSERT INTO %s (postings, labels) VALUES ($1::jsonb, $2::jsonb)`, s.transfers), string(pj), string(lj))
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanBalances(rows pgx.Rows) (map[ledger.AccountID]int64, error) {
	defer rows.Close()
	out := make(map[ledger.AccountID]int64)
	for rows.Next() {
		var (
			raw string
			bal int64
		)
		if err := rows.Scan(&raw, &bal); err != nil {
			return nil, err
		}
		id, err := ledger.ParseAccountID(raw)
		if err != nil {
			return nil, err
		}
		out[id] = bal
	}
	return out, rows.Err()
}

func (s *Store) FetchAccountBalance(ctx context.Context, id ledger.AccountID) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1::uuid`, s.accounts), id.String()).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return bal, err
}

func (s *Store) FetchAccountBalances(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]int64, error) {
	if len(ids) == 0 {
		return map[ledger.AccountID]int64{}, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id::text, balance FROM %s WHERE id = ANY($1::uuid[])`, s.accounts),
		idStrings(ids))
	if err != nil {
		return nil, err
	}
	return scanBalances(rows)
}

func (s *Store) FetchAccountLabels(ctx context.Context, id ledger.AccountID) (ledger.Labels, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT labels::text FROM %s WHERE id = $1::uuid`, s.accounts), id.String()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeLabels(raw)
}

func (s *Store) FetchAccountLabelsMulti(ctx context.Context, ids []ledger.AccountID) (map[ledger.AccountID]ledger.Labels, error) {
	out := make(map[ledger.AccountID]ledger.Labels, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id::text, labels::text FROM %s WHERE id = ANY($1::uuid[])`, s.accounts),
		idStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rawID string
		var rawLabels []byte
		if err := rows.Scan(&rawID, &rawLabels); err != nil {
			return nil, err
		}
		id, err := ledger.ParseAccountID(rawID)
		if err != nil {
			return nil, err
		}
		if out[id], err = decodeLabels(rawLabels); err != nil {
			return nil, err
		}
	}
	return out, rows.Err()
}

// FindAccounts turns each clause into a jsonb predicate: containment for an
// exact match, key existence for Any.
func (s *Store) FindAccounts(ctx context.Context, sel ledger.Selector) ([]ledger.AccountID, error) {
	where := make([]string, 0, len(sel))
	args := make([]any, 0, 2*len(sel))
	for _, m := range sel {
		if m.Any {
			args = append(args, m.Name)
			where = append(where, fmt.Sprintf("labels ? $%d", len(args)))
			continue
		}
		args = append(args, m.Name, m.Value)
		where = append(where, fmt.Sprintf("labels @> jsonb_build_object($%d::text, $%d::text)", len(args)-1, len(args)))
	}
	q := fmt.Sprintf(`SELECT id::text FROM %s`, s.accounts)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.AccountID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := ledger.ParseAccountID(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ledger.SortIDs(out)
	return out, nil
}
