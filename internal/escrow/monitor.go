package escrow

import (
	"context"
	"time"
)

// Snapshot is the read-only monitoring surface polled by operational
// tooling.
type Snapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`

	TotalEscrows  int            `json:"totalEscrows"`
	ActiveEscrows int            `json:"activeEscrows"`
	ByStatus      map[Status]int `json:"byStatus"`

	DueTimeLocked int `json:"dueTimeLocked"`

	ByResolutionMode map[ResolutionMode]int `json:"disputesByResolutionMode"`

	LastRunProcessed int     `json:"lastRunProcessed"`
	LastRunSuccess   int     `json:"lastRunSuccess"`
	LastRunFailure   int     `json:"lastRunFailure"`
	AvgRunDurationMS float64 `json:"avgRunDurationMs"`

	SweepRunning     bool `json:"sweepRunning"`
	ReconcileRunning bool `json:"reconcileRunning"`

	Runs []RunRecord `json:"recentRuns"`
}

// Monitor aggregates escrow counters and reconciliation run history.
type Monitor struct {
	store      Store
	reconciler *Reconciler
	sweep      *Timer
	loop       *ReconcileTimer
}

// NewMonitor creates a monitor. sweep and loop may be nil when the
// background timers are not running (tests, one-shot tooling).
func NewMonitor(store Store, reconciler *Reconciler, sweep *Timer, loop *ReconcileTimer) *Monitor {
	return &Monitor{store: store, reconciler: reconciler, sweep: sweep, loop: loop}
}

// Snapshot builds the current monitoring view.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := time.Now().UTC()

	counts, err := m.store.Counts(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt:      now,
		ByStatus:         counts,
		ByResolutionMode: make(map[ResolutionMode]int),
	}
	for status, n := range counts {
		snap.TotalEscrows += n
		switch status {
		case StatusReleased, StatusRefunded, StatusAutoResolved, StatusExpired, StatusCanceled:
		default:
			snap.ActiveEscrows += n
		}
	}

	locked, err := m.store.ListByStatus(ctx, StatusTimeLocked, 1000)
	if err != nil {
		return nil, err
	}
	for _, e := range locked {
		if e.UnlockTime != nil && !now.Before(*e.UnlockTime) {
			snap.DueTimeLocked++
		}
	}

	for _, status := range []Status{StatusDisputed, StatusAutoResolved} {
		escrows, err := m.store.ListByStatus(ctx, status, 1000)
		if err != nil {
			return nil, err
		}
		for _, e := range escrows {
			mode := e.DisputeResolutionMode
			if mode == "" {
				mode = ResolutionManual
			}
			snap.ByResolutionMode[mode]++
		}
	}

	if m.reconciler != nil {
		snap.Runs = m.reconciler.Runs()
		if last, ok := m.reconciler.LastRun(); ok {
			snap.LastRunProcessed = last.Processed
			snap.LastRunSuccess = last.Success
			snap.LastRunFailure = last.Failure
		}
		if len(snap.Runs) > 0 {
			var total int64
			for _, run := range snap.Runs {
				total += run.DurationMS
			}
			snap.AvgRunDurationMS = float64(total) / float64(len(snap.Runs))
		}
	}
	if m.sweep != nil {
		snap.SweepRunning = m.sweep.Running()
	}
	if m.loop != nil {
		snap.ReconcileRunning = m.loop.Running()
	}

	return snap, nil
}
