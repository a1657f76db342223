package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Status changes lock the
// row with SELECT ... FOR UPDATE before validating the transition, so two
// concurrent mutations of the same escrow serialize at the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, type, COALESCE(leg_kind, ''), buyer_id, COALESCE(counterparty_id, ''),
	       amount, currency, status, COALESCE(platform_fee, ''),
	       COALESCE(provider, ''), COALESCE(provider_ref, ''), COALESCE(payment_group_id, ''),
	       COALESCE(authorization_url, ''), reference_type, reference_id,
	       COALESCE(cancelled_by, ''), auto_released, COALESCE(prior_status, ''),
	       created_at, updated_at, held_at, released_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var heldAt, releasedAt sql.NullTime
	err := s.Scan(
		&tx.ID, &tx.Type, &tx.LegKind, &tx.BuyerID, &tx.CounterpartyID,
		&tx.Amount, &tx.Currency, &tx.Status, &tx.PlatformFee,
		&tx.Provider, &tx.ProviderRef, &tx.PaymentGroupID,
		&tx.AuthorizationURL, &tx.ReferenceType, &tx.ReferenceID,
		&tx.CancelledBy, &tx.AutoReleased, &tx.PriorStatus,
		&tx.CreatedAt, &tx.UpdatedAt, &heldAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}
	if heldAt.Valid {
		t := heldAt.Time
		tx.HeldAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		tx.ReleasedAt = &t
	}
	return tx, nil
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, type, leg_kind, buyer_id, counterparty_id, amount, currency, status,
			provider, provider_ref, payment_group_id, authorization_url,
			reference_type, reference_id, auto_released, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8,
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			$13, $14, FALSE, $15, $15)
	`, tx.ID, tx.Type, string(tx.LegKind), tx.BuyerID, tx.CounterpartyID,
		tx.Amount, tx.Currency, tx.Status,
		tx.Provider, tx.ProviderRef, tx.PaymentGroupID, tx.AuthorizationURL,
		tx.ReferenceType, tx.ReferenceID, now)
	if err != nil {
		return fmt.Errorf("failed to insert escrow transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) ListByReference(ctx context.Context, refType, refID string) ([]*Transaction, error) {
	return p.queryMany(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at ASC
	`, refType, refID)
}

func (p *PostgresStore) FindOpenByReference(ctx context.Context, refType, refID string) ([]*Transaction, error) {
	return p.queryMany(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE reference_type = $1 AND reference_id = $2 AND status = $3
		ORDER BY created_at ASC
	`, refType, refID, StatusPendingPayment)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, to Status, mutate func(*Transaction)) (*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	row := dbTx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := CanTransition(tx.ID, tx.Status, to); err != nil {
		return nil, err
	}
	// mutate sees the row before the status flips so it can capture the
	// prior state.
	if mutate != nil {
		mutate(tx)
	}
	now := time.Now().UTC()
	tx.Status = to
	tx.UpdatedAt = now
	if to == StatusHeld && tx.HeldAt == nil {
		tx.HeldAt = &now
	}

	_, err = dbTx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $2, platform_fee = NULLIF($3, ''), cancelled_by = NULLIF($4, ''),
			auto_released = $5, prior_status = NULLIF($6, ''),
			held_at = $7, released_at = $8, updated_at = $9
		WHERE id = $1
	`, tx.ID, tx.Status, tx.PlatformFee, tx.CancelledBy,
		tx.AutoReleased, string(tx.PriorStatus),
		tx.HeldAt, tx.ReleasedAt, tx.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow transaction: %w", err)
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) ConfirmByProviderRef(ctx context.Context, providerName, reference string) ([]*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	rows, err := dbTx.QueryContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE provider = $1 AND provider_ref = $2 AND status IN ($3, $4)
		ORDER BY created_at ASC
		FOR UPDATE
	`, providerName, reference, StatusPendingPayment, StatusFailed)
	if err != nil {
		return nil, err
	}
	var moved []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		moved = append(moved, tx)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, tx := range moved {
		if err := CanTransition(tx.ID, tx.Status, StatusHeld); err != nil {
			return nil, err
		}
		tx.Status = StatusHeld
		tx.UpdatedAt = now
		if tx.HeldAt == nil {
			tx.HeldAt = &now
		}
		if _, err := dbTx.ExecContext(ctx, `
			UPDATE escrow_transactions
			SET status = $2, held_at = COALESCE(held_at, $3), updated_at = $3
			WHERE id = $1
		`, tx.ID, StatusHeld, now); err != nil {
			return nil, fmt.Errorf("failed to confirm escrow %s: %w", tx.ID, err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit confirmation: %w", err)
	}
	return moved, nil
}

func (p *PostgresStore) UpdateProviderSession(ctx context.Context, id, providerName, providerRef, authURL string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET provider = $2, provider_ref = $3, authorization_url = $4, updated_at = NOW()
		WHERE id = $1
	`, id, providerName, providerRef, authURL)
	if err != nil {
		return fmt.Errorf("failed to record provider session: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListAged(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]*Transaction, error) {
	return p.queryMany(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, status, updatedBefore, limit)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Transaction, error) {
	return p.queryMany(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, buyerID, limit)
}

func (p *PostgresStore) queryMany(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
