package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for disputes due for auto-resolution and for
// aged unfunded escrows to expire.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
}

// NewTimer creates a dispute/expiry sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// Wait blocks until a started loop has fully exited. Returns immediately
// if Start was never called, so stopping an idle timer cannot hang.
func (t *Timer) Wait() {
	if !t.started.Load() {
		return
	}
	<-t.done
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass. Safe to run concurrently with itself: each
// resolution re-checks state under the per-escrow lock, so a second sweep
// finds the dispute already resolved and moves on.
func (t *Timer) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	t.resolveDueDisputes(ctx, now)
	t.expireAgedEscrows(ctx, now)
}

func (t *Timer) resolveDueDisputes(ctx context.Context, now time.Time) {
	disputed, err := t.store.ListByStatus(ctx, StatusDisputed, 100)
	if err != nil {
		t.logger.Warn("failed to list disputed escrows", "error", err)
		return
	}

	for _, escrow := range disputed {
		mode := escrow.DisputeResolutionMode
		if mode == "" || mode == ResolutionManual {
			continue
		}
		if escrow.AutoResolveAfterDays <= 0 || escrow.DisputeOpenedAt == nil {
			continue
		}
		if now.Before(escrow.DisputeOpenedAt.AddDate(0, 0, escrow.AutoResolveAfterDays)) {
			continue
		}

		resolved, err := t.service.resolveDispute(ctx, escrow.ID, now)
		if err != nil {
			if err == ErrAlreadyResolved || err == ErrInvalidStatus {
				continue // lost the race to another sweep or an operator
			}
			t.logger.Warn("failed to auto-resolve dispute",
				"escrowId", escrow.ID, "mode", mode, "error", err)
			continue
		}
		t.logger.Info("auto-resolved dispute",
			"escrowId", resolved.ID, "mode", mode, "resolution", resolved.Resolution)
	}
}

func (t *Timer) expireAgedEscrows(ctx context.Context, now time.Time) {
	created, err := t.store.ListByStatus(ctx, StatusCreated, 100)
	if err != nil {
		t.logger.Warn("failed to list created escrows", "error", err)
		return
	}

	for _, escrow := range created {
		if escrow.ExpiresAt == nil || now.Before(*escrow.ExpiresAt) {
			continue
		}
		if _, err := t.service.expire(ctx, escrow.ID, now); err != nil {
			if err == ErrAlreadyResolved || err == ErrInvalidStatus {
				continue
			}
			t.logger.Warn("failed to expire escrow", "escrowId", escrow.ID, "error", err)
			continue
		}
		t.logger.Info("expired unfunded escrow", "escrowId", escrow.ID)
	}
}
