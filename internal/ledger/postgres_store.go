package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
// The schema is managed by goose migrations (see migrations/).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `
	id, user_id, type, amount, currency, status,
	processor_name, processor_tx_id, source_id, destination_id,
	metadata, status_history, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	history, err := json.Marshal(tx.StatusHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal status history: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, type, amount, currency, status,
			processor_name, processor_tx_id, source_id, destination_id,
			metadata, status_history, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NULLIF($7,''), NULLIF($8,''), NULLIF($9,''), NULLIF($10,''), $11, $12, $13, $14)
	`, tx.ID, tx.UserID, tx.Type, tx.Amount, tx.Currency, tx.Status,
		tx.ProcessorName, tx.ProcessorTxID, tx.SourceID, tx.DestinationID,
		metadata, history, tx.CreatedAt, tx.UpdatedAt)

	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByProcessorTxID(ctx context.Context, processorName, processorTxID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE processor_name = $1 AND processor_tx_id = $2
	`, processorName, processorTxID)
	return scanTransaction(row)
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	history, err := json.Marshal(tx.StatusHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal status history: %w", err)
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status         = $2,
			metadata       = $3,
			status_history = $4,
			updated_at     = $5
		WHERE id = $1
	`, tx.ID, tx.Status, metadata, history, tx.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByDateRange(ctx context.Context, start, end time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, start, end, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var processorName, processorTxID, sourceID, destinationID sql.NullString
	var metadata, history []byte

	err := row.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &tx.Currency, &tx.Status,
		&processorName, &processorTxID, &sourceID, &destinationID,
		&metadata, &history, &tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.ProcessorName = processorName.String
	tx.ProcessorTxID = processorTxID.String
	tx.SourceID = sourceID.String
	tx.DestinationID = destinationID.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &tx.StatusHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status history: %w", err)
		}
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
