package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/processor"
	"github.com/tradewind-labs/escrowd/internal/retry"
)

// maxRunHistory bounds the reconciliation run ring buffer.
const maxRunHistory = 20

// LedgerSource is the slice of the ledger service the reconciler needs.
type LedgerSource interface {
	ListByStatus(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, reason string, metadata map[string]any) (*ledger.Transaction, error)
}

// RunRecord summarizes one reconciliation run.
type RunRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Processed  int       `json:"processedCount"`
	Success    int       `json:"successCount"`
	Failure    int       `json:"failureCount"`
	DurationMS int64     `json:"durationMs"`
}

// Reconciler advances escrow state from settled ledger transactions. The
// webhook pipeline only writes the ledger; this is the component that
// notices an escrow-linked deposit reached a terminal status and moves the
// escrow along. It also re-polls transactions stuck in PROCESSING against
// the processor's own status API.
type Reconciler struct {
	service    *Service
	ledger     LedgerSource
	registry   *processor.Registry
	staleAfter time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	runs []RunRecord // newest last
}

// NewReconciler creates a reconciler. staleAfter controls when a
// PROCESSING transaction is considered stuck and re-polled.
func NewReconciler(service *Service, ldg LedgerSource, registry *processor.Registry, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		service:    service,
		ledger:     ldg,
		registry:   registry,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run executes one reconciliation pass and records it in the run history.
func (r *Reconciler) Run(ctx context.Context) RunRecord {
	start := time.Now()
	var processed, success, failure int

	for _, res := range []struct {
		status ledger.Status
		apply  func(context.Context, *ledger.Transaction) (bool, error)
	}{
		{ledger.StatusCompleted, r.applyCompleted},
		{ledger.StatusFailed, r.applyFailed},
		{ledger.StatusProcessing, r.pollStale},
	} {
		txs, err := r.ledger.ListByStatus(ctx, res.status, 200)
		if err != nil {
			r.logger.Warn("failed to list transactions for reconciliation",
				"status", res.status, "error", err)
			failure++
			continue
		}
		for _, tx := range txs {
			applied, err := res.apply(ctx, tx)
			if !applied {
				continue
			}
			processed++
			if err != nil {
				failure++
				r.logger.Warn("reconciliation item failed",
					"transactionId", tx.ID, "status", res.status, "error", err)
			} else {
				success++
			}
		}
	}

	record := RunRecord{
		Timestamp:  start.UTC(),
		Processed:  processed,
		Success:    success,
		Failure:    failure,
		DurationMS: time.Since(start).Milliseconds(),
	}
	r.recordRun(record)

	metrics.ReconcileRuns.Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	metrics.ReconcileFailures.Add(float64(failure))
	return record
}

// applyCompleted advances the linked escrow of a settled deposit. Marks the
// transaction so later runs skip it; the re-applied terminal status is a
// benign history entry.
func (r *Reconciler) applyCompleted(ctx context.Context, tx *ledger.Transaction) (bool, error) {
	if !escrowLinked(tx) || tx.Type != ledger.TypeDeposit {
		return false, nil
	}
	if tx.Metadata["escrowApplied"] == true {
		return false, nil
	}

	proof := tx.ProcessorTxID
	if proof == "" {
		proof = tx.ID
	}
	if _, err := r.service.FundFromSettlement(ctx, tx.SourceID, proof); err != nil {
		if errors.Is(err, ErrEscrowNotFound) || errors.Is(err, ErrAlreadyResolved) {
			// Nothing to advance; stop revisiting this transaction.
			_, markErr := r.ledger.UpdateTransactionStatus(ctx, tx.ID, tx.Status,
				"reconciler: no escrow to advance", map[string]any{"escrowApplied": true})
			return true, markErr
		}
		return true, err
	}

	_, err := r.ledger.UpdateTransactionStatus(ctx, tx.ID, tx.Status,
		"reconciler: escrow funded", map[string]any{"escrowApplied": true})
	return true, err
}

// applyFailed annotates the linked escrow of a failed deposit so the buyer
// can retry funding.
func (r *Reconciler) applyFailed(ctx context.Context, tx *ledger.Transaction) (bool, error) {
	if !escrowLinked(tx) || tx.Type != ledger.TypeDeposit {
		return false, nil
	}
	if tx.Metadata["escrowAnnotated"] == true {
		return false, nil
	}

	detail := fmt.Sprintf("funding via %s failed (transaction %s)", tx.ProcessorName, tx.ID)
	if err := r.service.AnnotateFundingFailure(ctx, tx.SourceID, detail); err != nil && !errors.Is(err, ErrEscrowNotFound) {
		return true, err
	}

	_, err := r.ledger.UpdateTransactionStatus(ctx, tx.ID, tx.Status,
		"reconciler: escrow funding failure annotated", map[string]any{"escrowAnnotated": true})
	return true, err
}

// pollStale asks the processor for authoritative status on transactions
// stuck in PROCESSING past the stale threshold.
func (r *Reconciler) pollStale(ctx context.Context, tx *ledger.Transaction) (bool, error) {
	if tx.ProcessorName == "" || tx.ProcessorTxID == "" {
		return false, nil
	}
	if time.Since(tx.UpdatedAt) < r.staleAfter {
		return false, nil
	}
	adapter, ok := r.registry.Get(tx.ProcessorName)
	if !ok {
		return false, nil
	}

	var status ledger.Status
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		s, err := adapter.CheckStatus(ctx, tx.ProcessorTxID)
		if errors.Is(err, processor.ErrPollingUnsupported) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	if errors.Is(err, processor.ErrPollingUnsupported) {
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("status poll failed: %w", err)
	}
	if status == tx.Status {
		return false, nil // still processing, nothing to apply
	}

	_, err = r.ledger.UpdateTransactionStatus(ctx, tx.ID, status,
		"reconciler:poll:"+tx.ProcessorName, nil)
	return true, err
}

// Runs returns the recorded run history, newest first.
func (r *Reconciler) Runs() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RunRecord, len(r.runs))
	for i, rec := range r.runs {
		out[len(r.runs)-1-i] = rec
	}
	return out
}

// LastRun returns the most recent run record.
func (r *Reconciler) LastRun() (RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.runs) == 0 {
		return RunRecord{}, false
	}
	return r.runs[len(r.runs)-1], true
}

func (r *Reconciler) recordRun(record RunRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, record)
	if len(r.runs) > maxRunHistory {
		r.runs = r.runs[len(r.runs)-maxRunHistory:]
	}
}

// escrowLinked reports whether a transaction was created for an escrow.
func escrowLinked(tx *ledger.Transaction) bool {
	return strings.HasPrefix(tx.SourceID, "esc_")
}

// ReconcileTimer runs the reconciler on an interval with the same
// lifecycle shape as the sweep timer.
type ReconcileTimer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	done       chan struct{}
	started    atomic.Bool
	running    atomic.Bool
}

// NewReconcileTimer creates the reconciliation loop.
func NewReconcileTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *ReconcileTimer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileTimer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *ReconcileTimer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
func (t *ReconcileTimer) Start(ctx context.Context) {
	t.started.Store(true)
	t.running.Store(true)
	defer func() {
		t.running.Store(false)
		close(t.done)
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (t *ReconcileTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Wait blocks until a started loop has fully exited. Returns immediately
// if Start was never called.
func (t *ReconcileTimer) Wait() {
	if !t.started.Load() {
		return
	}
	<-t.done
}

func (t *ReconcileTimer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()
	record := t.reconciler.Run(ctx)
	if record.Processed > 0 {
		t.logger.Info("reconciliation run complete",
			"processed", record.Processed,
			"success", record.Success,
			"failure", record.Failure,
			"durationMs", record.DurationMS)
	}
}
