package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
)

// ==================== Accounts ====================

const accountColumns = `id, code, name, normal_side, currency, metadata, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	meta, err := encodeMeta(a.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.q(ctx).Exec(ctx, `
INSERT INTO lending_accounts (`+accountColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (code) DO NOTHING`,
		a.ID.String(), a.Code, a.Name, string(a.NormalSide), a.Currency, meta, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("lending/postgres: create account %s: %w", a.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, a.Code)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*ledger.Account, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM lending_accounts WHERE id = $1`, accountID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return a, nil
}

func (s *Store) GetAccountByCode(ctx context.Context, code string) (*ledger.Account, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx,
		`SELECT `+accountColumns+` FROM lending_accounts WHERE code = $1`, code))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, code)
		}
		return nil, err
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		a    ledger.Account
		raw  string
		side string
		meta []byte
	)
	if err := row.Scan(&raw, &a.Code, &a.Name, &side, &a.Currency, &meta, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	accountID, err := id.Parse(raw)
	if err != nil {
		return nil, err
	}
	a.ID = accountID
	a.NormalSide = ledger.Side(side)
	if a.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	return &a, nil
}

// ==================== Velocity limits ====================

func (s *Store) CreateVelocityLimit(ctx context.Context, l *ledger.VelocityLimit) error {
	_, err := s.q(ctx).Exec(ctx, `
INSERT INTO lending_velocity_limits (id, name, account_id, currency, layer, min_amount, max_amount, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID.String(), l.Name, l.AccountID.String(), l.Currency, string(l.Layer), l.Min, l.Max, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("lending/postgres: create limit %s: %w", l.Name, err)
	}
	return nil
}

func (s *Store) ListVelocityLimits(ctx context.Context, accountIDs []id.AccountID) ([]*ledger.VelocityLimit, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(accountIDs))
	for i, a := range accountIDs {
		ids[i] = a.String()
	}
	rows, err := s.q(ctx).Query(ctx, `
SELECT id, name, account_id, currency, layer, min_amount, max_amount, created_at
FROM lending_velocity_limits
WHERE account_id = ANY($1)
ORDER BY created_at, id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ledger.VelocityLimit
	for rows.Next() {
		var (
			l              ledger.VelocityLimit
			rawID, rawAcct string
			layer          string
		)
		if err := rows.Scan(&rawID, &l.Name, &rawAcct, &l.Currency, &layer, &l.Min, &l.Max, &l.CreatedAt); err != nil {
			return nil, err
		}
		if l.ID, err = id.Parse(rawID); err != nil {
			return nil, err
		}
		if l.AccountID, err = id.Parse(rawAcct); err != nil {
			return nil, err
		}
		l.Layer = ledger.Layer(layer)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ==================== Transactions ====================

const transactionColumns = `id, template_code, idempotency_key, description, effective_date, posted_at, metadata`

func (s *Store) GetTransaction(ctx context.Context, txID id.TransactionID) (*ledger.Transaction, error) {
	tx, err := s.loadTransaction(ctx, `WHERE id = $1`, txID.String())
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, txID)
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	tx, err := s.loadTransaction(ctx, `WHERE idempotency_key = $1 AND idempotency_key <> ''`, key)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: key %q", ledger.ErrTransactionNotFound, key)
		}
		return nil, err
	}
	return tx, nil
}

func (s *Store) loadTransaction(ctx context.Context, where string, arg string) (*ledger.Transaction, error) {
	var (
		tx   ledger.Transaction
		raw  string
		meta []byte
	)
	err := s.q(ctx).QueryRow(ctx, `SELECT `+transactionColumns+` FROM lending_transactions `+where, arg).
		Scan(&raw, &tx.TemplateCode, &tx.IdempotencyKey, &tx.Description, &tx.EffectiveDate, &tx.PostedAt, &meta)
	if err != nil {
		return nil, err
	}
	if tx.ID, err = id.Parse(raw); err != nil {
		return nil, err
	}
	if tx.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}

	rows, err := s.q(ctx).Query(ctx, `
SELECT id, account_id, side, layer, amount, currency, sequence
FROM lending_entries
WHERE transaction_id = $1
ORDER BY sequence`, raw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		e.TransactionID = tx.ID
		tx.Entries = append(tx.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// InsertTransaction writes the transaction and its entries. A key taken by
// a concurrent transaction is a lost race: the error matches both
// ledger.ErrDuplicateTransaction and event.ErrConcurrentModification so the
// operation is retried and finds the committed posting.
func (s *Store) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	meta, err := encodeMeta(tx.Metadata)
	if err != nil {
		return err
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		tag, err := q.Exec(ctx, `
INSERT INTO lending_transactions (`+transactionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (idempotency_key) WHERE idempotency_key <> '' DO NOTHING`,
			tx.ID.String(), tx.TemplateCode, tx.IdempotencyKey, tx.Description, tx.EffectiveDate, tx.PostedAt, meta)
		if err != nil {
			return fmt.Errorf("lending/postgres: insert transaction %s: %w", tx.TemplateCode, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q: %w", ledger.ErrDuplicateTransaction, tx.IdempotencyKey, event.ErrConcurrentModification)
		}

		batch := &pgx.Batch{}
		for _, e := range tx.Entries {
			batch.Queue(`
INSERT INTO lending_entries (id, transaction_id, account_id, side, layer, amount, currency, sequence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				e.ID.String(), tx.ID.String(), e.AccountID.String(), string(e.Side), string(e.Layer),
				e.Amount.Amount, e.Amount.Currency, e.Sequence)
		}
		return sendBatch(ctx, q, batch)
	})
}

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, q ledger.EntryQuery) ([]ledger.Entry, error) {
	query := `
SELECT id, account_id, side, layer, amount, currency, sequence, transaction_id
FROM lending_entries
WHERE account_id = $1`
	args := []any{accountID.String()}
	if q.Layer != "" {
		args = append(args, string(q.Layer))
		query += fmt.Sprintf(` AND layer = $%d`, len(args))
	}
	query += ` ORDER BY position`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			e     ledger.Entry
			rawID string
			acct  string
			side  string
			layer string
			rawTx string
		)
		if err := rows.Scan(&rawID, &acct, &side, &layer, &e.Amount.Amount, &e.Amount.Currency, &e.Sequence, &rawTx); err != nil {
			return nil, err
		}
		if e.ID, err = id.Parse(rawID); err != nil {
			return nil, err
		}
		if e.TransactionID, err = id.Parse(rawTx); err != nil {
			return nil, err
		}
		e.AccountID = accountID
		e.Side = ledger.Side(side)
		e.Layer = ledger.Layer(layer)
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(rows pgx.Rows) (ledger.Entry, error) {
	var (
		e     ledger.Entry
		rawID string
		acct  string
		side  string
		layer string
	)
	if err := rows.Scan(&rawID, &acct, &side, &layer, &e.Amount.Amount, &e.Amount.Currency, &e.Sequence); err != nil {
		return e, err
	}
	var err error
	if e.ID, err = id.Parse(rawID); err != nil {
		return e, err
	}
	if e.AccountID, err = id.Parse(acct); err != nil {
		return e, err
	}
	e.Side = ledger.Side(side)
	e.Layer = ledger.Layer(layer)
	return e, nil
}

// ==================== Balances ====================

// LockBalances selects the balance rows FOR UPDATE in key order. Keys
// without a row come back zeroed; SaveBalances inserts them and detects a
// concurrent insert.
func (s *Store) LockBalances(ctx context.Context, keys []ledger.BalanceKey) (map[ledger.BalanceKey]ledger.Balance, error) {
	out := make(map[ledger.BalanceKey]ledger.Balance, len(keys))
	q := s.q(ctx)
	for _, k := range keys {
		b, err := scanBalance(q.QueryRow(ctx, `
SELECT debit_total, credit_total, version, updated_at
FROM lending_balances
WHERE account_id = $1 AND currency = $2 AND layer = $3
FOR UPDATE`, k.AccountID.String(), k.Currency, string(k.Layer)), k)
		if err != nil && !isNoRows(err) {
			return nil, err
		}
		out[k] = b
	}
	return out, nil
}

func (s *Store) SaveBalances(ctx context.Context, balances []ledger.Balance) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		for _, b := range balances {
			var (
				tag pgconn.CommandTag
				err error
			)
			if b.Version == 1 {
				tag, err = q.Exec(ctx, `
INSERT INTO lending_balances (account_id, currency, layer, debit_total, credit_total, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (account_id, currency, layer) DO NOTHING`,
					b.Key.AccountID.String(), b.Key.Currency, string(b.Key.Layer), b.DebitTotal, b.CreditTotal, b.Version, b.UpdatedAt)
			} else {
				tag, err = q.Exec(ctx, `
UPDATE lending_balances
SET debit_total = $4, credit_total = $5, version = $6, updated_at = $7
WHERE account_id = $1 AND currency = $2 AND layer = $3 AND version = $6 - 1`,
					b.Key.AccountID.String(), b.Key.Currency, string(b.Key.Layer), b.DebitTotal, b.CreditTotal, b.Version, b.UpdatedAt)
			}
			if err != nil {
				return fmt.Errorf("lending/postgres: save balance %s: %w", b.Key.AccountID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("balance %s/%s/%s saving version %d: %w",
					b.Key.AccountID, b.Key.Currency, b.Key.Layer, b.Version, event.ErrConcurrentModification)
			}
		}
		return nil
	})
}

func (s *Store) GetBalance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	b, err := scanBalance(s.q(ctx).QueryRow(ctx, `
SELECT debit_total, credit_total, version, updated_at
FROM lending_balances
WHERE account_id = $1 AND currency = $2 AND layer = $3`, key.AccountID.String(), key.Currency, string(key.Layer)), key)
	if err != nil && !isNoRows(err) {
		return ledger.Balance{Key: key}, err
	}
	return b, nil
}

func scanBalance(row pgx.Row, key ledger.BalanceKey) (ledger.Balance, error) {
	b := ledger.Balance{Key: key}
	var updated time.Time
	if err := row.Scan(&b.DebitTotal, &b.CreditTotal, &b.Version, &updated); err != nil {
		return ledger.Balance{Key: key}, err
	}
	b.UpdatedAt = updated
	return b, nil
}

// ==================== Helpers ====================

func encodeMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMeta(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// sendBatch runs a batch on the pool or the open transaction.
func sendBatch(ctx context.Context, q querier, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	sender, ok := q.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		return fmt.Errorf("lending/postgres: %T cannot send batches", q)
	}
	return sender.SendBatch(ctx, batch).Close()
}
