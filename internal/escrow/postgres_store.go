package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Schema is managed by
// goose migrations (see migrations/).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, listing_id, buyer_id, seller_id, admin_id, amount, currency, status,
	escrow_address, transaction_signature, is_multi_sig, multi_sig,
	is_time_locked, unlock_time, release_time,
	auto_resolve_after_days, dispute_resolution_mode, dispute_reason,
	dispute_opened_at, resolution, resolved_at,
	funded_at, funding_failure, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	multiSig, err := marshalMultiSig(e.MultiSig)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, listing_id, buyer_id, seller_id, admin_id, amount, currency, status,
			escrow_address, transaction_signature, is_multi_sig, multi_sig,
			is_time_locked, unlock_time, release_time,
			auto_resolve_after_days, dispute_resolution_mode, dispute_reason,
			dispute_opened_at, resolution, resolved_at,
			funded_at, funding_failure, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5,''), $6::NUMERIC(20,6), $7, $8,
			$9, NULLIF($10,''), $11, $12,
			$13, $14, $15,
			$16, NULLIF($17,''), NULLIF($18,''),
			$19, NULLIF($20,''), $21,
			$22, NULLIF($23,''), $24, $25, $26
		)
	`,
		e.ID, e.ListingID, e.BuyerID, e.SellerID, e.AdminID, e.Amount, e.Currency, e.Status,
		e.EscrowAddress, e.TransactionSignature, e.IsMultiSig, multiSig,
		e.IsTimeLocked, e.UnlockTime, e.ReleaseTime,
		e.AutoResolveAfterDays, string(e.DisputeResolutionMode), e.DisputeReason,
		e.DisputeOpenedAt, e.Resolution, e.ResolvedAt,
		e.FundedAt, e.FundingFailure, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows WHERE id = $1
	`, id)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	multiSig, err := marshalMultiSig(e.MultiSig)
	if err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status                  = $2,
			transaction_signature   = NULLIF($3,''),
			multi_sig               = $4,
			unlock_time             = $5,
			release_time            = $6,
			auto_resolve_after_days = $7,
			dispute_resolution_mode = NULLIF($8,''),
			dispute_reason          = NULLIF($9,''),
			dispute_opened_at       = $10,
			resolution              = NULLIF($11,''),
			resolved_at             = $12,
			funded_at               = $13,
			funding_failure         = NULLIF($14,''),
			updated_at              = $15
		WHERE id = $1
	`,
		e.ID, e.Status, e.TransactionSignature, multiSig,
		e.UnlockTime, e.ReleaseTime,
		e.AutoResolveAfterDays, string(e.DisputeResolutionMode), e.DisputeReason,
		e.DisputeOpenedAt, e.Resolution, e.ResolvedAt,
		e.FundedAt, e.FundingFailure, e.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return scanEscrows(rows)
}

func (p *PostgresStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM escrows GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func marshalMultiSig(ms *MultiSigState) ([]byte, error) {
	if ms == nil {
		return nil, nil
	}
	b, err := json.Marshal(ms)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal multi-sig state: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var adminID, txSig, mode, disputeReason, resolution, fundingFailure sql.NullString
	var multiSig []byte
	var unlockTime, releaseTime, disputeOpenedAt, resolvedAt, fundedAt, expiresAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.ListingID, &e.BuyerID, &e.SellerID, &adminID, &e.Amount, &e.Currency, &e.Status,
		&e.EscrowAddress, &txSig, &e.IsMultiSig, &multiSig,
		&e.IsTimeLocked, &unlockTime, &releaseTime,
		&e.AutoResolveAfterDays, &mode, &disputeReason,
		&disputeOpenedAt, &resolution, &resolvedAt,
		&fundedAt, &fundingFailure, &expiresAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.AdminID = adminID.String
	e.TransactionSignature = txSig.String
	e.DisputeResolutionMode = ResolutionMode(mode.String)
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	e.FundingFailure = fundingFailure.String

	if len(multiSig) > 0 {
		e.MultiSig = &MultiSigState{}
		if err := json.Unmarshal(multiSig, e.MultiSig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal multi-sig state: %w", err)
		}
	}

	e.UnlockTime = nullableTime(unlockTime)
	e.ReleaseTime = nullableTime(releaseTime)
	e.DisputeOpenedAt = nullableTime(disputeOpenedAt)
	e.ResolvedAt = nullableTime(resolvedAt)
	e.FundedAt = nullableTime(fundedAt)
	e.ExpiresAt = nullableTime(expiresAt)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	defer rows.Close()
	var escrows []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
