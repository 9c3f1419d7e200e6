package metrics

import (
	"strconv"
	"time"

	"github.com/pendergraft/phoneverify/internal/faults"
)

// Recorder feeds verification progress into Prometheus. The zero value is
// ready to use; every method is a no-op while metrics are disabled.
type Recorder struct{}

// PhaseEntered counts a phase transition.
func (Recorder) PhaseEntered(phase string) {
	if !enabled {
		return
	}
	phaseEnteredTotal.WithLabelValues(phase).Inc()
}

// AttemptFinished records the outcome and duration of an attempt.
func (Recorder) AttemptFinished(phase string, relayed bool, d time.Duration) {
	if !enabled {
		return
	}
	attemptsFinishedTotal.WithLabelValues(phase, strconv.FormatBool(relayed)).Inc()
	attemptDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SlotChanged counts a slot state change.
func (Recorder) SlotChanged(state string) {
	if !enabled {
		return
	}
	slotTransitionsTotal.WithLabelValues(state).Inc()
}

// CompletionFailed counts a failed completion submission.
func (Recorder) CompletionFailed(kind string) {
	if !enabled {
		return
	}
	completionFailures.WithLabelValues(kind).Inc()
}

// RelayerCall records a relayer request. Its signature matches relayer.Observer.
func RelayerCall(method string, err error, d time.Duration) {
	if !enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = faults.KindOf(err).String()
	}
	relayerCallsTotal.WithLabelValues(method, outcome).Inc()
	relayerDuration.WithLabelValues(method).Observe(d.Seconds())
}
