package covering

import (
	"time"

	"github.com/benbjohnson/clock"
)

// episode owns the timers of one motion, from a target request until it
// completes or gets superseded.
type episode struct {
	from    int
	target  int
	state   State
	started time.Time
	step    time.Duration

	tick *clock.Ticker
	done *clock.Timer
}

func startEpisode(clk clock.Clock, from, target int, state State, step, run time.Duration) *episode {
	return &episode{
		from:    from,
		target:  target,
		state:   state,
		started: clk.Now(),
		step:    step,
		tick:    clk.Ticker(step),
		done:    clk.Timer(run),
	}
}

// estimate is the position reached after elapsed, one percent per step and
// never beyond the target.
func (e *episode) estimate(elapsed time.Duration) int {
	steps := int(elapsed / e.step)
	if e.state == StateIncreasing {
		if e.from+steps > e.target {
			return e.target
		}
		return e.from + steps
	}

	if e.from-steps < e.target {
		return e.target
	}
	return e.from - steps
}

// cancel stops every timer of the episode. A nil episode is a no-op.
func (e *episode) cancel() {
	if e == nil {
		return
	}
	e.tick.Stop()
	e.done.Stop()
}

// The accessors return nil channels for a nil episode, so a select on them
// blocks forever while the covering rests.

func (e *episode) ticks() <-chan time.Time {
	if e == nil {
		return nil
	}
	return e.tick.C
}

func (e *episode) completions() <-chan time.Time {
	if e == nil {
		return nil
	}
	return e.done.C
}
