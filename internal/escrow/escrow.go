// Package escrow holds funds for peer-to-peer marketplace trades until a
// release, refund, or dispute outcome is reached.
//
// Lifecycle (initial state CREATED):
//  1. Buyer funds → FUNDED (or AWAITING_SIGNATURES for multi-sig escrows,
//     where a signature quorum gates the FUNDED transition)
//  2. Time-locked escrows sit in TIME_LOCKED until their unlock time
//  3. Seller releases to themselves or refunds back to the buyer
//  4. Either party may dispute; a sweep auto-resolves aged disputes by
//     policy (favor buyer / favor seller / split / reputation-weighted)
//  5. Unfunded escrows can be canceled or expire
//
// Terminal states accept no further transitions.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/money"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTimeLocked      = errors.New("escrow is time-locked")
	ErrAlreadyResolved = errors.New("escrow already in a terminal state")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated            Status = "CREATED"
	StatusAwaitingSignatures Status = "AWAITING_SIGNATURES"
	StatusFunded             Status = "FUNDED"
	StatusTimeLocked         Status = "TIME_LOCKED"
	StatusReleased           Status = "RELEASED"
	StatusRefunded           Status = "REFUNDED"
	StatusDisputed           Status = "DISPUTED"
	StatusAutoResolved       Status = "AUTO_RESOLVED"
	StatusExpired            Status = "EXPIRED"
	StatusCanceled           Status = "CANCELED"
)

// ResolutionMode controls how an aged dispute is settled automatically.
type ResolutionMode string

const (
	ResolutionManual     ResolutionMode = "MANUAL"
	ResolutionBuyer      ResolutionMode = "BUYER"
	ResolutionSeller     ResolutionMode = "SELLER"
	ResolutionSplit      ResolutionMode = "SPLIT"
	ResolutionReputation ResolutionMode = "REPUTATION"
)

// Valid reports whether m is a known resolution mode.
func (m ResolutionMode) Valid() bool {
	switch m {
	case ResolutionManual, ResolutionBuyer, ResolutionSeller, ResolutionSplit, ResolutionReputation:
		return true
	}
	return false
}

// MultiSigState tracks the signature quorum of a multi-sig escrow.
type MultiSigState struct {
	BuyerSigned         bool `json:"buyerSigned"`
	SellerSigned        bool `json:"sellerSigned"`
	AdminSigned         bool `json:"adminSigned"`
	RequiredSignatures  int  `json:"requiredSignatures"`
	CompletedSignatures int  `json:"completedSignatures"`
}

// Escrow represents a held-funds record mediating a trade.
type Escrow struct {
	ID                   string `json:"id"`
	ListingID            string `json:"listingId"`
	BuyerID              string `json:"buyerId"`
	SellerID             string `json:"sellerId"`
	AdminID              string `json:"adminId,omitempty"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Status               Status `json:"status"`
	EscrowAddress        string `json:"escrowAddress"` // opaque settlement-layer handle
	TransactionSignature string `json:"transactionSignature,omitempty"`

	IsMultiSig bool           `json:"isMultiSig"`
	MultiSig   *MultiSigState `json:"multiSigSignatures,omitempty"`

	IsTimeLocked bool       `json:"isTimeLocked"`
	UnlockTime   *time.Time `json:"unlockTime,omitempty"`
	ReleaseTime  *time.Time `json:"releaseTime,omitempty"`

	AutoResolveAfterDays  int            `json:"autoResolveAfterDays,omitempty"`
	DisputeResolutionMode ResolutionMode `json:"disputeResolutionMode,omitempty"`
	DisputeReason         string         `json:"disputeReason,omitempty"`
	DisputeOpenedAt       *time.Time     `json:"disputeOpenedAt,omitempty"`
	Resolution            string         `json:"resolution,omitempty"`
	ResolvedAt            *time.Time     `json:"resolvedAt,omitempty"`

	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	FundingFailure string     `json:"fundingFailure,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusAutoResolved, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// funded reports whether buyer money has entered the escrow account.
func (e *Escrow) funded() bool {
	return e.FundedAt != nil
}

// releasable reports whether funds may leave the escrow now. A time-locked
// escrow becomes releasable once its unlock time has passed.
func (e *Escrow) releasable(now time.Time) error {
	switch e.Status {
	case StatusFunded:
		return nil
	case StatusTimeLocked:
		if e.UnlockTime != nil && now.Before(*e.UnlockTime) {
			return ErrTimeLocked
		}
		return nil
	default:
		return ErrInvalidStatus
	}
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	Counts(ctx context.Context) (map[Status]int, error)
}

// WalletProvider is the settlement-layer collaborator. The escrow service
// never sees custody mechanics, only opaque handles and transfer proofs.
type WalletProvider interface {
	// ProvisionEscrowAccount creates the held-funds account for an escrow.
	ProvisionEscrowAccount(ctx context.Context, escrowID, currency string) (handle string, err error)
	// Deposit moves buyer funds into the escrow account.
	Deposit(ctx context.Context, escrowHandle, fromUserID, amount, currency, reference string) (proof string, err error)
	// Payout moves escrowed funds to a party.
	Payout(ctx context.Context, escrowHandle, toUserID, amount, currency, reference string) (proof string, err error)
}

// TransactionRecorder records escrow money movements in the ledger.
type TransactionRecorder interface {
	RecordEscrowTransaction(ctx context.Context, escrowID, userID, txType, amount, currency, reason string) (txID string, err error)
}

// ListingMarker marks the linked listing sold after a release.
type ListingMarker interface {
	MarkSold(ctx context.Context, listingID string) error
}

// ReputationProvider scores parties for reputation-weighted resolution.
type ReputationProvider interface {
	Score(ctx context.Context, userID string) (float64, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID   string `json:"buyerId" binding:"required"`
	SellerID  string `json:"sellerId" binding:"required"`
	ListingID string `json:"listingId" binding:"required"`
	AdminID   string `json:"adminId"`
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency" binding:"required"`

	IsMultiSig         bool `json:"isMultiSig"`
	RequiredSignatures int  `json:"requiredSignatures"`

	IsTimeLocked bool       `json:"isTimeLocked"`
	UnlockTime   *time.Time `json:"unlockTime"`

	AutoResolveAfterDays  int            `json:"autoResolveAfterDays"`
	DisputeResolutionMode ResolutionMode `json:"disputeResolutionMode"`

	ExpiresInDays int `json:"expiresInDays"`
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	Reason               string         `json:"reason" binding:"required"`
	ResolutionMode       ResolutionMode `json:"resolutionMode"`
	AutoResolveAfterDays int            `json:"autoResolveAfterDays"`
}

// Service implements escrow business logic.
type Service struct {
	store      Store
	wallets    WalletProvider
	recorder   TransactionRecorder
	listings   ListingMarker
	reputation ReputationProvider
	logger     *slog.Logger
	locks      sync.Map // per-escrow ID locks to prevent racing transitions
}

// NewService creates a new escrow service.
func NewService(store Store, wallets WalletProvider, recorder TransactionRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		wallets:  wallets,
		recorder: recorder,
		logger:   logger,
	}
}

// WithListingMarker adds the listing collaborator.
func (s *Service) WithListingMarker(m ListingMarker) *Service {
	s.listings = m
	return s
}

// WithReputationProvider adds the reputation collaborator for
// REPUTATION-mode dispute resolution.
func (s *Service) WithReputationProvider(r ReputationProvider) *Service {
	s.reputation = r
	return s
}

// escrowLock returns a mutex for the given escrow ID.
func (s *Service) escrowLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create creates a new escrow in CREATED and provisions its settlement
// account.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if !money.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}
	if req.Currency == "" {
		return nil, errors.New("currency is required")
	}
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, errors.New("buyer and seller cannot be the same party")
	}
	if req.DisputeResolutionMode != "" && !req.DisputeResolutionMode.Valid() {
		return nil, fmt.Errorf("unknown dispute resolution mode %q", req.DisputeResolutionMode)
	}
	if req.IsTimeLocked && req.UnlockTime == nil {
		return nil, errors.New("time-locked escrow requires an unlock time")
	}

	now := time.Now().UTC()
	escrow := &Escrow{
		ID:           generateEscrowID(),
		ListingID:    req.ListingID,
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		AdminID:      req.AdminID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Status:       StatusCreated,
		IsMultiSig:   req.IsMultiSig,
		IsTimeLocked: req.IsTimeLocked,
		UnlockTime:   req.UnlockTime,

		AutoResolveAfterDays:  req.AutoResolveAfterDays,
		DisputeResolutionMode: req.DisputeResolutionMode,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IsMultiSig {
		required := req.RequiredSignatures
		if required <= 0 {
			required = 2
		}
		escrow.MultiSig = &MultiSigState{RequiredSignatures: required}
	}
	if req.ExpiresInDays > 0 {
		t := now.AddDate(0, 0, req.ExpiresInDays)
		escrow.ExpiresAt = &t
	}

	handle, err := s.wallets.ProvisionEscrowAccount(ctx, escrow.ID, escrow.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to provision escrow account: %w", err)
	}
	escrow.EscrowAddress = handle

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCreated)).Inc()
	return escrow, nil
}

// Fund moves the buyer's funds into the escrow account. Only the buyer may
// fund. A plain escrow becomes FUNDED (TIME_LOCKED when gated); a multi-sig
// escrow moves to AWAITING_SIGNATURES with the quorum gating FUNDED.
func (s *Service) Fund(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID {
		s.logger.Warn("unauthorized escrow fund attempt", "escrowId", id, "caller", callerID)
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusCreated {
		return nil, ErrInvalidStatus
	}

	// Exactly one wallet call; state is persisted only after it succeeds.
	proof, err := s.wallets.Deposit(ctx, escrow.EscrowAddress, escrow.BuyerID, escrow.Amount, escrow.Currency, escrow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fund escrow: %w", err)
	}

	now := time.Now().UTC()
	escrow.TransactionSignature = proof
	escrow.FundedAt = &now
	escrow.UpdatedAt = now
	if escrow.IsMultiSig {
		escrow.Status = StatusAwaitingSignatures
	} else {
		escrow.Status = s.fundedStatus(escrow, now)
	}

	if err := s.persistAfterFundsMoved(ctx, escrow, "fund"); err != nil {
		return nil, err
	}

	s.recordTransaction(ctx, escrow, escrow.BuyerID, "deposit", escrow.Amount, "escrow funded by buyer")
	metrics.EscrowsTotal.WithLabelValues(string(escrow.Status)).Inc()
	return escrow, nil
}

// fundedStatus picks FUNDED or TIME_LOCKED for an escrow whose quorum and
// funding requirements are met.
func (s *Service) fundedStatus(escrow *Escrow, now time.Time) Status {
	if escrow.IsTimeLocked && escrow.UnlockTime != nil && now.Before(*escrow.UnlockTime) {
		return StatusTimeLocked
	}
	return StatusFunded
}

// Sign records one party's signature on a multi-sig escrow. Signing twice
// as the same party is a no-op, never an error, and never double-counts.
func (s *Service) Sign(ctx context.Context, id, signerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !escrow.IsMultiSig || escrow.MultiSig == nil {
		return nil, ErrInvalidStatus
	}
	if escrow.Status != StatusAwaitingSignatures {
		return nil, ErrInvalidStatus
	}

	if signerID == "" {
		return nil, ErrUnauthorized
	}
	ms := escrow.MultiSig
	switch signerID {
	case escrow.BuyerID:
		if ms.BuyerSigned {
			return escrow, nil
		}
		ms.BuyerSigned = true
	case escrow.SellerID:
		if ms.SellerSigned {
			return escrow, nil
		}
		ms.SellerSigned = true
	case escrow.AdminID:
		if ms.AdminSigned {
			return escrow, nil
		}
		ms.AdminSigned = true
	default:
		s.logger.Warn("unauthorized escrow sign attempt", "escrowId", id, "caller", signerID)
		return nil, ErrUnauthorized
	}
	ms.CompletedSignatures++

	now := time.Now().UTC()
	escrow.UpdatedAt = now
	if ms.CompletedSignatures >= ms.RequiredSignatures && escrow.funded() {
		escrow.Status = s.fundedStatus(escrow, now)
		metrics.EscrowsTotal.WithLabelValues(string(escrow.Status)).Inc()
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Release pays the escrowed funds out to the seller. Only the seller may
// trigger it, and only once the escrow is FUNDED (or TIME_LOCKED with the
// unlock time elapsed). Marks the linked listing sold.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.SellerID {
		s.logger.Warn("unauthorized escrow release attempt", "escrowId", id, "caller", callerID)
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	if err := escrow.releasable(now); err != nil {
		return nil, err
	}

	proof, err := s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.SellerID, escrow.Amount, escrow.Currency, escrow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	escrow.Status = StatusReleased
	escrow.TransactionSignature = proof
	escrow.ReleaseTime = &now
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, escrow, "release"); err != nil {
		return nil, err
	}

	s.recordTransaction(ctx, escrow, escrow.SellerID, "withdrawal", escrow.Amount, "escrow released to seller")
	s.markListingSold(ctx, escrow)
	metrics.EscrowsTotal.WithLabelValues(string(StatusReleased)).Inc()
	return escrow, nil
}

// Refund sends the escrowed funds back to the buyer. Mirrors Release: only
// the seller may trigger it; the buyer cannot self-refund.
func (s *Service) Refund(ctx context.Context, id, callerID string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.SellerID {
		s.logger.Warn("unauthorized escrow refund attempt", "escrowId", id, "caller", callerID)
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	now := time.Now().UTC()
	if err := escrow.releasable(now); err != nil {
		return nil, err
	}

	proof, err := s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.BuyerID, escrow.Amount, escrow.Currency, escrow.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
	}

	escrow.Status = StatusRefunded
	escrow.TransactionSignature = proof
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, escrow, "refund"); err != nil {
		return nil, err
	}

	s.recordTransaction(ctx, escrow, escrow.BuyerID, "refund", escrow.Amount, "escrow refunded to buyer")
	metrics.EscrowsTotal.WithLabelValues(string(StatusRefunded)).Inc()
	return escrow, nil
}

// Dispute opens a dispute. Either party may open one on a funded escrow.
func (s *Service) Dispute(ctx context.Context, id, callerID string, req DisputeRequest) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		s.logger.Warn("unauthorized escrow dispute attempt", "escrowId", id, "caller", callerID)
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusFunded && escrow.Status != StatusTimeLocked {
		return nil, ErrInvalidStatus
	}
	if req.ResolutionMode != "" && !req.ResolutionMode.Valid() {
		return nil, fmt.Errorf("unknown dispute resolution mode %q", req.ResolutionMode)
	}

	now := time.Now().UTC()
	escrow.Status = StatusDisputed
	escrow.DisputeReason = req.Reason
	escrow.DisputeOpenedAt = &now
	escrow.UpdatedAt = now
	if req.ResolutionMode != "" {
		escrow.DisputeResolutionMode = req.ResolutionMode
	}
	if req.AutoResolveAfterDays > 0 {
		escrow.AutoResolveAfterDays = req.AutoResolveAfterDays
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return escrow, nil
}

// SetDisputeMode sets the auto-resolution policy. Either party may adjust
// it while the escrow is live.
func (s *Service) SetDisputeMode(ctx context.Context, id, callerID string, mode ResolutionMode, autoResolveAfterDays int) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != escrow.BuyerID && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown dispute resolution mode %q", mode)
	}

	escrow.DisputeResolutionMode = mode
	if autoResolveAfterDays > 0 {
		escrow.AutoResolveAfterDays = autoResolveAfterDays
	}
	escrow.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Cancel is the administrative terminal transition. Funded escrows are
// refunded to the buyer before the record closes.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	if escrow.funded() {
		proof, err := s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.BuyerID, escrow.Amount, escrow.Currency, escrow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to return funds on cancel: %w", err)
		}
		escrow.TransactionSignature = proof
		s.recordTransaction(ctx, escrow, escrow.BuyerID, "refund", escrow.Amount, "escrow canceled: "+reason)
	}

	escrow.Status = StatusCanceled
	escrow.Resolution = "canceled: " + reason
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, escrow, "cancel"); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusCanceled)).Inc()
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows involving a user as buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// FundFromSettlement advances an escrow whose funding settled externally
// (processor deposit confirmed by webhook, applied by the reconciler).
// No wallet call happens here; the money already moved.
func (s *Service) FundFromSettlement(ctx context.Context, id, proof string) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusCreated {
		// Already advanced (re-entrant reconciler run): benign no-op.
		return escrow, nil
	}

	now := time.Now().UTC()
	escrow.FundedAt = &now
	escrow.FundingFailure = ""
	escrow.TransactionSignature = proof
	escrow.UpdatedAt = now
	if escrow.IsMultiSig {
		escrow.Status = StatusAwaitingSignatures
	} else {
		escrow.Status = s.fundedStatus(escrow, now)
	}

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowsTotal.WithLabelValues(string(escrow.Status)).Inc()
	return escrow, nil
}

// AnnotateFundingFailure records that an external funding attempt failed.
// The escrow stays in CREATED so the buyer can retry.
func (s *Service) AnnotateFundingFailure(ctx context.Context, id, detail string) error {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if escrow.Status != StatusCreated {
		return nil
	}
	escrow.FundingFailure = detail
	escrow.UpdatedAt = time.Now().UTC()
	return s.store.Update(ctx, escrow)
}

// resolveDispute settles one aged dispute by its resolution mode. Re-entrant:
// the terminal-state check under the per-escrow lock makes a second
// concurrent sweep a no-op.
func (s *Service) resolveDispute(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrAlreadyResolved
	}
	mode := escrow.DisputeResolutionMode
	if mode == "" || mode == ResolutionManual {
		return nil, ErrInvalidStatus
	}
	if escrow.AutoResolveAfterDays <= 0 || escrow.DisputeOpenedAt == nil {
		return nil, ErrInvalidStatus
	}
	deadline := escrow.DisputeOpenedAt.AddDate(0, 0, escrow.AutoResolveAfterDays)
	if now.Before(deadline) {
		return nil, ErrInvalidStatus
	}

	var resolution string
	var proof string
	switch mode {
	case ResolutionBuyer:
		proof, err = s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.BuyerID, escrow.Amount, escrow.Currency, escrow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to pay out dispute to buyer: %w", err)
		}
		s.recordTransaction(ctx, escrow, escrow.BuyerID, "refund", escrow.Amount, "dispute auto-resolved for buyer")
		resolution = "auto: full refund to buyer"
	case ResolutionSeller:
		proof, err = s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.SellerID, escrow.Amount, escrow.Currency, escrow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to pay out dispute to seller: %w", err)
		}
		s.recordTransaction(ctx, escrow, escrow.SellerID, "withdrawal", escrow.Amount, "dispute auto-resolved for seller")
		resolution = "auto: full release to seller"
	case ResolutionSplit:
		proof, err = s.settleSplit(ctx, escrow)
		if err != nil {
			return nil, err
		}
		resolution = "auto: split between buyer and seller"
	case ResolutionReputation:
		winner, err := s.reputationWinner(ctx, escrow)
		if err != nil {
			return nil, err
		}
		proof, err = s.wallets.Payout(ctx, escrow.EscrowAddress, winner, escrow.Amount, escrow.Currency, escrow.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to pay out dispute to %s: %w", winner, err)
		}
		txType := "refund"
		if winner == escrow.SellerID {
			txType = "withdrawal"
		}
		s.recordTransaction(ctx, escrow, winner, txType, escrow.Amount, "dispute auto-resolved by reputation")
		resolution = "auto: reputation-weighted award to " + winner
	default:
		return nil, fmt.Errorf("unknown dispute resolution mode %q", mode)
	}

	escrow.Status = StatusAutoResolved
	escrow.Resolution = resolution
	escrow.TransactionSignature = proof
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.persistAfterFundsMoved(ctx, escrow, "auto-resolve"); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusAutoResolved)).Inc()
	s.logger.Info("dispute auto-resolved",
		"escrowId", escrow.ID, "mode", mode, "resolution", resolution)
	return escrow, nil
}

// settleSplit pays half the amount to each side. The odd micro-unit from an
// uneven split goes to the buyer.
func (s *Service) settleSplit(ctx context.Context, escrow *Escrow) (string, error) {
	total, ok := money.Parse(escrow.Amount)
	if !ok {
		return "", ErrInvalidAmount
	}
	sellerShare := new(big.Int).Quo(total, big.NewInt(2))
	buyerShare := new(big.Int).Sub(total, sellerShare)

	buyerAmount := money.Format(buyerShare)
	sellerAmount := money.Format(sellerShare)

	if _, err := s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.BuyerID, buyerAmount, escrow.Currency, escrow.ID); err != nil {
		return "", fmt.Errorf("failed to pay buyer share: %w", err)
	}
	s.recordTransaction(ctx, escrow, escrow.BuyerID, "refund", buyerAmount, "dispute split: buyer share")

	proof, err := s.wallets.Payout(ctx, escrow.EscrowAddress, escrow.SellerID, sellerAmount, escrow.Currency, escrow.ID)
	if err != nil {
		// Buyer share already moved. Persist the partial state and flag
		// the escrow for the next sweep rather than guessing a reversal.
		s.logger.Error("split payout partially applied",
			"escrowId", escrow.ID, "paidBuyer", buyerAmount, "error", err)
		return "", fmt.Errorf("failed to pay seller share: %w", err)
	}
	s.recordTransaction(ctx, escrow, escrow.SellerID, "withdrawal", sellerAmount, "dispute split: seller share")
	return proof, nil
}

// reputationWinner picks the higher-scored party; ties favor the buyer.
func (s *Service) reputationWinner(ctx context.Context, escrow *Escrow) (string, error) {
	if s.reputation == nil {
		return "", errors.New("reputation provider not configured")
	}
	buyerScore, err := s.reputation.Score(ctx, escrow.BuyerID)
	if err != nil {
		return "", fmt.Errorf("failed to score buyer: %w", err)
	}
	sellerScore, err := s.reputation.Score(ctx, escrow.SellerID)
	if err != nil {
		return "", fmt.Errorf("failed to score seller: %w", err)
	}
	if sellerScore > buyerScore {
		return escrow.SellerID, nil
	}
	return escrow.BuyerID, nil
}

// expire marks an aged unfunded escrow EXPIRED. Funded escrows never
// expire; they settle through release/refund/dispute.
func (s *Service) expire(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	mu := s.escrowLock(id)
	mu.Lock()
	defer mu.Unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusCreated || escrow.funded() {
		return nil, ErrAlreadyResolved
	}
	if escrow.ExpiresAt == nil || now.Before(*escrow.ExpiresAt) {
		return nil, ErrInvalidStatus
	}

	escrow.Status = StatusExpired
	escrow.Resolution = "expired unfunded"
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowsTotal.WithLabelValues(string(StatusExpired)).Inc()
	return escrow, nil
}

// persistAfterFundsMoved updates the store with a single retry. Once funds
// have moved there is no safe inverse, so a persistent store failure is
// logged for manual resolution instead of compensated blindly.
func (s *Service) persistAfterFundsMoved(ctx context.Context, escrow *Escrow, op string) error {
	if err := s.store.Update(ctx, escrow); err != nil {
		if retryErr := s.store.Update(ctx, escrow); retryErr != nil {
			s.logger.Error("CRITICAL: escrow funds moved but status update failed",
				"escrowId", escrow.ID, "operation", op, "status", escrow.Status, "error", retryErr)
			return fmt.Errorf("failed to update escrow after %s (requires manual resolution): %w", op, err)
		}
	}
	return nil
}

// recordTransaction writes the ledger record for an escrow money movement.
// Best effort: a recording failure never unwinds the movement itself.
func (s *Service) recordTransaction(ctx context.Context, escrow *Escrow, userID, txType, amount, reason string) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.RecordEscrowTransaction(ctx, escrow.ID, userID, txType, amount, escrow.Currency, reason); err != nil {
		s.logger.Error("failed to record escrow transaction",
			"escrowId", escrow.ID, "type", txType, "error", err)
	}
}

// markListingSold tells the listing collaborator a sale completed.
func (s *Service) markListingSold(ctx context.Context, escrow *Escrow) {
	if s.listings == nil || escrow.ListingID == "" {
		return
	}
	if err := s.listings.MarkSold(ctx, escrow.ListingID); err != nil {
		s.logger.Error("failed to mark listing sold",
			"escrowId", escrow.ID, "listingId", escrow.ListingID, "error", err)
	}
}

func generateEscrowID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("esc_%x", b)
}
