package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/sikafo/trustpay/internal/idgen"
	"github.com/sikafo/trustpay/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Both movements follow the same shape: lock the wallet row, verify the
// currency, insert the entry with ON CONFLICT DO NOTHING on the per-owner
// idempotency key, and only update the balance when the insert applied.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, wallet_id, owner_id, direction, amount, currency, kind,
	       COALESCE(ref_type, ''), COALESCE(ref_id, ''), idempotency_key, metadata, created_at`

// lockWallet upserts the wallet row (lazy creation) and locks it.
func lockWallet(ctx context.Context, tx *sql.Tx, ownerID, currency string) (*Wallet, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance, currency, created_at, updated_at)
		VALUES ($1, $2, 0, $3, NOW(), NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, idgen.WithPrefix("wal_"), ownerID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	w := &Wallet{OwnerID: ownerID}
	err = tx.QueryRowContext(ctx, `
		SELECT id, balance, currency, created_at, updated_at
		FROM wallets WHERE owner_id = $1
		FOR UPDATE
	`, ownerID).Scan(&w.ID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	if w.Currency != currency {
		return nil, ErrCurrencyMismatch
	}
	return w, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, w *Wallet, dir Direction, p MovementParams) (*Entry, bool, error) {
	metaJSON, _ := json.Marshal(p.Metadata)
	if p.Metadata == nil {
		metaJSON = []byte("{}")
	}

	e := &Entry{
		ID:             idgen.WithPrefix("le_"),
		WalletID:       w.ID,
		OwnerID:        p.OwnerID,
		Direction:      dir,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Kind:           p.Kind,
		RefType:        p.RefType,
		RefID:          p.RefID,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallet_entries (
			id, wallet_id, owner_id, direction, amount, currency, kind,
			ref_type, ref_id, idempotency_key, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(14,2), $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, NOW())
		ON CONFLICT (owner_id, idempotency_key) DO NOTHING
		RETURNING created_at
	`, e.ID, e.WalletID, e.OwnerID, string(dir), e.Amount, e.Currency, string(e.Kind),
		e.RefType, e.RefID, e.IdempotencyKey, metaJSON).Scan(&e.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Idempotency key already used: replay. Return the stored entry.
		existing, ferr := findEntryTx(ctx, tx, p.OwnerID, p.IdempotencyKey)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return e, true, nil
}

// Credit adds funds to the owner's wallet.
func (p *PostgresStore) Credit(ctx context.Context, mp MovementParams) (*Entry, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := lockWallet(ctx, tx, mp.OwnerID, mp.Currency)
	if err != nil {
		return nil, false, err
	}

	entry, applied, err := insertEntry(ctx, tx, w, DirectionCredit, mp)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		// Nothing changed; commit releases the wallet lock.
		return entry, false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + $2::NUMERIC(14,2), updated_at = NOW()
		WHERE id = $1
	`, w.ID, mp.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}

	return entry, true, tx.Commit()
}

// Debit removes funds from the owner's wallet. Replays short-circuit
// before any insert is attempted; overdrafts roll back entirely.
func (p *PostgresStore) Debit(ctx context.Context, mp MovementParams) (*Entry, bool, error) {
	// Short-circuit replays without taking the wallet lock.
	if existing, err := p.FindEntry(ctx, mp.OwnerID, mp.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := lockWallet(ctx, tx, mp.OwnerID, mp.Currency)
	if err != nil {
		return nil, false, err
	}

	entry, applied, err := insertEntry(ctx, tx, w, DirectionDebit, mp)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return entry, false, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2::NUMERIC(14,2), updated_at = NOW()
		WHERE id = $1 AND balance >= $2::NUMERIC(14,2)
	`, w.ID, mp.Amount)
	if err != nil {
		if isCheckViolation(err) {
			return nil, false, ErrInsufficientFunds
		}
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Balance guard failed: roll back the entry insert too.
		return nil, false, ErrInsufficientFunds
	}

	return entry, true, tx.Commit()
}

// isCheckViolation reports whether err is the wallets balance CHECK firing.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

// GetWallet retrieves an owner's wallet.
func (p *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	w := &Wallet{OwnerID: ownerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, balance, currency, created_at, updated_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.ID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func findEntryTx(ctx context.Context, tx *sql.Tx, ownerID, key string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM wallet_entries
		WHERE owner_id = $1 AND idempotency_key = $2
	`, ownerID, key)
	return scanEntry(row)
}

// FindEntry looks up an entry by its per-owner idempotency key.
func (p *PostgresStore) FindEntry(ctx context.Context, ownerID, key string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM wallet_entries
		WHERE owner_id = $1 AND idempotency_key = $2
	`, ownerID, key)
	return scanEntry(row)
}

// History retrieves one page of the owner's entries, newest first. The
// (created_at, id) tuple keys the keyset pagination.
func (p *PostgresStore) History(ctx context.Context, ownerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM wallet_entries
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{ownerID, limit}
	if cursor != nil {
		query = `
		SELECT ` + entryColumns + ` FROM wallet_entries
		WHERE owner_id = $1 AND (created_at, id) < ($3, $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumEntries returns credits minus debits for one owner.
func (p *PostgresStore) SumEntries(ctx context.Context, ownerID string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)::TEXT
		FROM wallet_entries WHERE owner_id = $1
	`, ownerID).Scan(&sum)
	return sum, err
}

// ListWallets returns wallets ordered by most recently touched.
func (p *PostgresStore) ListWallets(ctx context.Context, limit int) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, balance, currency, created_at, updated_at
		FROM wallets ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var wallets []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// CreatePayout records the payout and debits the wallet in one transaction.
func (p *PostgresStore) CreatePayout(ctx context.Context, po *Payout) (*Payout, bool, error) {
	if existing, err := p.FindPayoutByKey(ctx, po.OwnerID, po.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrPayoutNotFound) {
		return nil, false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := lockWallet(ctx, tx, po.OwnerID, po.Currency)
	if err != nil {
		return nil, false, err
	}

	// The ledger debit shares the payout's idempotency key, so a crashed
	// and retried request can never debit twice.
	_, applied, err := insertEntry(ctx, tx, w, DirectionDebit, MovementParams{
		OwnerID:        po.OwnerID,
		Amount:         po.Amount,
		Currency:       po.Currency,
		Kind:           KindWithdrawRequest,
		IdempotencyKey: po.IdempotencyKey,
		RefType:        "payout",
		RefID:          po.ID,
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		// Entry exists but payout row lookup above missed: fall back to it.
		existing, ferr := p.FindPayoutByKey(ctx, po.OwnerID, po.IdempotencyKey)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2::NUMERIC(14,2), updated_at = NOW()
		WHERE id = $1 AND balance >= $2::NUMERIC(14,2)
	`, w.ID, po.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, false, ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (id, owner_id, amount, currency, destination, status, idempotency_key, created_at)
		VALUES ($1, $2, $3::NUMERIC(14,2), $4, $5, $6, $7, NOW())
	`, po.ID, po.OwnerID, po.Amount, po.Currency, po.Destination, string(po.Status), po.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payout: %w", err)
	}

	return po, true, tx.Commit()
}

// FindPayoutByKey looks up a payout by its per-owner idempotency key.
func (p *PostgresStore) FindPayoutByKey(ctx context.Context, ownerID, key string) (*Payout, error) {
	po := &Payout{OwnerID: ownerID, IdempotencyKey: key}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, amount, currency, destination, status, created_at
		FROM payouts WHERE owner_id = $1 AND idempotency_key = $2
	`, ownerID, key).Scan(&po.ID, &po.Amount, &po.Currency, &po.Destination, &status, &po.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	po.Status = PayoutStatus(status)
	return po, nil
}

// ListPayouts returns the owner's most recent payout requests.
func (p *PostgresStore) ListPayouts(ctx context.Context, ownerID string, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, amount, currency, destination, status, idempotency_key, created_at
		FROM payouts WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var payouts []*Payout
	for rows.Next() {
		po := &Payout{OwnerID: ownerID}
		var status string
		if err := rows.Scan(&po.ID, &po.Amount, &po.Currency, &po.Destination, &status, &po.IdempotencyKey, &po.CreatedAt); err != nil {
			return nil, err
		}
		po.Status = PayoutStatus(status)
		payouts = append(payouts, po)
	}
	return payouts, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var direction, kind string
	var metaJSON []byte

	err := s.Scan(&e.ID, &e.WalletID, &e.OwnerID, &direction, &e.Amount, &e.Currency, &kind,
		&e.RefType, &e.RefID, &e.IdempotencyKey, &metaJSON, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Direction = Direction(direction)
	e.Kind = Kind(kind)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &e.Metadata)
	}
	return e, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
