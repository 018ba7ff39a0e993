package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/agentfoundry/proactor/internal/config"
)

// cronFirstRunWindow keeps a cron spec with no execution history from firing
// on every tick: it only fires when a cron boundary passed within the window.
const cronFirstRunWindow = time.Minute

// due evaluates a recurrence against the scheduler's cycle counter, the last
// recorded execution, and the current time.
func due(rec config.Recurrence, cycleCount int, last *time.Time, now time.Time) (bool, error) {
	switch rec.Kind {
	case config.RecurCycles:
		if rec.Cycles <= 0 {
			return false, fmt.Errorf("cycle count must be positive, got %d", rec.Cycles)
		}
		return cycleCount%rec.Cycles == 0, nil

	case config.RecurEvery:
		if last == nil {
			return true, nil
		}
		return now.Sub(*last) >= rec.Every, nil

	case config.RecurCron:
		if last == nil {
			prev, err := gronx.PrevTickBefore(rec.Cron, now, true)
			if err != nil {
				return false, fmt.Errorf("cron %q: %w", rec.Cron, err)
			}
			return now.Sub(prev) < cronFirstRunWindow, nil
		}
		next, err := gronx.NextTickAfter(rec.Cron, *last, false)
		if err != nil {
			return false, fmt.Errorf("cron %q: %w", rec.Cron, err)
		}
		return !now.Before(next), nil

	default:
		return false, fmt.Errorf("unknown recurrence kind %q", rec.Kind)
	}
}
