package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type watchdogKey struct {
	runID string
	round int
}

// Watchdog converts provider silence into a bounded retry. One timer exists
// per (run, round) pair while that round has outstanding calls; Arm is
// idempotent and Cancel is called when the round completes normally.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	timers  map[watchdogKey]*time.Timer
	fire    func(runID string, round int)
}

func newWatchdog(timeout time.Duration, fire func(runID string, round int)) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		timers:  make(map[watchdogKey]*time.Timer),
		fire:    fire,
	}
}

// Arm starts the staleness timer for (run, round) if one is not already
// pending.
func (w *Watchdog) Arm(runID string, round int) {
	k := watchdogKey{runID: runID, round: round}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, armed := w.timers[k]; armed {
		return
	}
	w.timers[k] = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		delete(w.timers, k)
		w.mu.Unlock()

		zap.L().Warn("watchdog fired for stale round",
			zap.String("run_id", runID),
			zap.Int("round", round))
		w.fire(runID, round)
	})
}

// Cancel stops the timer for (run, round) if one is pending.
func (w *Watchdog) Cancel(runID string, round int) {
	k := watchdogKey{runID: runID, round: round}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[k]; ok {
		t.Stop()
		delete(w.timers, k)
	}
}

// Armed reports whether a timer is pending for (run, round).
func (w *Watchdog) Armed(runID string, round int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[watchdogKey{runID: runID, round: round}]
	return ok
}

// Stop cancels every pending timer.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, t := range w.timers {
		t.Stop()
		delete(w.timers, k)
	}
}
