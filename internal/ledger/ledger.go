// Package ledger tracks money-movement transactions.
//
// Every transfer the platform initiates or learns about (escrow funding,
// releases, refunds, bridge swaps, processor deposits) is recorded as a
// Transaction. The ledger is the source of truth the webhook pipeline
// writes to and the escrow reconciler reads from. Status never moves
// backward out of a terminal state, and every applied or refused transition
// appends to the status history, so the record doubles as an audit trail.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/money"
	"github.com/tradewind-labs/escrowd/internal/payment"
	"github.com/tradewind-labs/escrowd/internal/syncutil"
)

// Status is the canonical, processor-independent transaction status.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusRefunded    Status = "refunded"
	StatusNeedsReview Status = "needs_review" // unmapped processor status, kept for audit
)

// IsTerminal reports whether s accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded, StatusNeedsReview:
		return true
	}
	return false
}

// Type classifies what kind of money movement a transaction records.
type Type string

const (
	TypeDeposit    Type = "deposit"
	TypeWithdrawal Type = "withdrawal"
	TypeRefund     Type = "refund"
	TypeFee        Type = "fee"
	TypeSwap       Type = "swap"
	TypeYield      Type = "yield"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeDeposit, TypeWithdrawal, TypeRefund, TypeFee, TypeSwap, TypeYield:
		return true
	}
	return false
}

// StatusChange is one entry in a transaction's append-only status history.
type StatusChange struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Transaction is a single money-movement record.
type Transaction struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	Type          Type           `json:"type"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Status        Status         `json:"status"`
	ProcessorName string         `json:"processorName,omitempty"`
	ProcessorTxID string         `json:"processorTransactionId,omitempty"`
	SourceID      string         `json:"sourceId,omitempty"`
	DestinationID string         `json:"destinationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	StatusHistory []StatusChange `json:"statusHistory"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByProcessorTxID(ctx context.Context, processorName, processorTxID string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListByDateRange(ctx context.Context, start, end time.Time, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// Store sentinel errors. The service wraps these into typed payment errors.
var (
	ErrNotFound  = fmt.Errorf("transaction not found")
	ErrDuplicate = fmt.Errorf("duplicate processor transaction id")
)

// CreateParams contains the parameters for recording a new transaction.
type CreateParams struct {
	UserID        string
	Type          Type
	Amount        string
	Currency      string
	ProcessorName string
	ProcessorTxID string
	SourceID      string
	DestinationID string
	Metadata      map[string]any
}

// Service implements ledger business logic. All mutations of a given
// transaction id serialize on a per-id lock so the status history is a
// valid ordering of actual arrivals.
type Service struct {
	store  Store
	locks  syncutil.ShardedMutex
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateTransaction records a new transaction in status pending.
func (s *Service) CreateTransaction(ctx context.Context, params CreateParams) (*Transaction, error) {
	if !money.IsPositive(params.Amount) {
		return nil, payment.Newf(payment.CodeInvalidAmount, "amount must be a positive decimal, got %q", params.Amount)
	}
	if params.Currency == "" {
		return nil, payment.New(payment.CodeInvalidCurrency, "currency is required")
	}
	if !params.Type.Valid() {
		return nil, payment.Newf(payment.CodeProcessingError, "unknown transaction type %q", params.Type)
	}

	// processorTransactionId must be unique per processor when present.
	if params.ProcessorTxID != "" {
		existing, err := s.store.GetByProcessorTxID(ctx, params.ProcessorName, params.ProcessorTxID)
		if err == nil && existing != nil {
			return nil, payment.Newf(payment.CodeDuplicateTransaction,
				"transaction for %s/%s already exists", params.ProcessorName, params.ProcessorTxID).
				WithDetail("transactionId", existing.ID)
		}
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:            generateTransactionID(),
		UserID:        params.UserID,
		Type:          params.Type,
		Amount:        params.Amount,
		Currency:      params.Currency,
		Status:        StatusPending,
		ProcessorName: params.ProcessorName,
		ProcessorTxID: params.ProcessorTxID,
		SourceID:      params.SourceID,
		DestinationID: params.DestinationID,
		Metadata:      params.Metadata,
		StatusHistory: []StatusChange{{Status: StatusPending, Timestamp: now, Reason: "created"}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, tx); err != nil {
		if err == ErrDuplicate {
			return nil, payment.Wrap(payment.CodeDuplicateTransaction, "duplicate processor transaction id", err)
		}
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to create transaction", err)
	}

	metrics.TransactionsTotal.WithLabelValues(string(tx.Type)).Inc()
	return tx, nil
}

// UpdateTransactionStatus is the single mutation entry point for
// transaction status. It append-merges metadata, appends to the status
// history, and enforces the terminal-state guard: a transaction that has
// reached a terminal status never regresses to a different one, with one
// exception: a completed payment may still move to refunded, since
// processors send refund webhooks long after settlement. Any other
// attempt is recorded in the history but the status stays put.
//
// The call is idempotent: re-applying the current status is a harmless
// repeat that adds at most one benign history entry.
func (s *Service) UpdateTransactionStatus(ctx context.Context, id string, status Status, reason string, metadata map[string]any) (*Transaction, error) {
	if !status.Valid() {
		return nil, payment.Newf(payment.CodeProcessingError, "unknown transaction status %q", status)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, payment.Newf(payment.CodeTransactionNotFound, "transaction %s not found", id)
		}
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to load transaction", err)
	}

	now := time.Now().UTC()

	// Append-only metadata merge: newer values win, existing keys are
	// never dropped.
	if len(metadata) > 0 {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			tx.Metadata[k] = v
		}
	}

	switch {
	case tx.Status.IsTerminal() && status != tx.Status && !refundAfterCompletion(tx.Status, status):
		// Terminal guard: record the refused transition, keep the status.
		tx.StatusHistory = append(tx.StatusHistory, StatusChange{
			Status:    tx.Status,
			Timestamp: now,
			Reason:    fmt.Sprintf("refused transition to %s (terminal): %s", status, reason),
		})
		s.logger.Warn("refused status transition out of terminal state",
			"transactionId", tx.ID, "status", tx.Status, "attempted", status, "reason", reason)
	default:
		tx.Status = status
		tx.StatusHistory = append(tx.StatusHistory, StatusChange{
			Status:    status,
			Timestamp: now,
			Reason:    reason,
		})
		metrics.TransactionStatusTotal.WithLabelValues(string(status)).Inc()
	}
	tx.UpdatedAt = now

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to update transaction", err)
	}

	return tx, nil
}

// refundAfterCompletion permits the one legal move between terminal
// statuses: a settled payment later refunded at the processor.
func refundAfterCompletion(from, to Status) bool {
	return from == StatusCompleted && to == StatusRefunded
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, payment.Newf(payment.CodeTransactionNotFound, "transaction %s not found", id)
		}
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to load transaction", err)
	}
	return tx, nil
}

// FindByProcessorTransactionID resolves the internal transaction for a
// processor's transaction reference.
func (s *Service) FindByProcessorTransactionID(ctx context.Context, processorTxID, processorName string) (*Transaction, error) {
	tx, err := s.store.GetByProcessorTxID(ctx, processorName, processorTxID)
	if err != nil {
		if err == ErrNotFound {
			return nil, payment.Newf(payment.CodeTransactionNotFound,
				"no transaction for %s/%s", processorName, processorTxID)
		}
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to resolve transaction", err)
	}
	return tx, nil
}

// GetUserTransactions returns a user's transactions, newest first.
func (s *Service) GetUserTransactions(ctx context.Context, userID string) ([]*Transaction, error) {
	txs, err := s.store.ListByUser(ctx, userID, 100)
	if err != nil {
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to list transactions", err)
	}
	return txs, nil
}

// GetTransactionsByDateRange returns transactions created within [start, end).
func (s *Service) GetTransactionsByDateRange(ctx context.Context, start, end time.Time) ([]*Transaction, error) {
	txs, err := s.store.ListByDateRange(ctx, start, end, 500)
	if err != nil {
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to list transactions", err)
	}
	return txs, nil
}

// ListByStatus returns transactions in the given status, used by the
// escrow reconciler to find settled or stale records.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	txs, err := s.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, payment.Wrap(payment.CodeProcessingError, "failed to list transactions", err)
	}
	return txs, nil
}

func generateTransactionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("txn_%x", b)
}
