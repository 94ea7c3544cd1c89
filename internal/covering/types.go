package covering

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	ClosedPosition = 0
	OpenPosition   = 100

	// MinTravelDuration keeps the estimator interval at 1ms or more.
	MinTravelDuration = 100 * time.Millisecond
)

// State is the motion state of a covering. The numeric values are the ones
// HomeKit uses for PositionState and must not change.
type State int

const (
	StateDecreasing State = 0
	StateIncreasing State = 1
	StateStopped    State = 2
)

func (s State) String() string {
	switch s {
	case StateDecreasing:
		return "decreasing"
	case StateIncreasing:
		return "increasing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Direction is a motor command. The zero value is DirectionStop.
type Direction int

const (
	DirectionStop Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	default:
		return "STOP"
	}
}

// Commander delivers motor commands to the actuator. Send is fire-and-forget:
// a returned error is logged by the caller and never retried.
type Commander interface {
	Send(dir Direction) error
}

// Store keeps the last known position of each covering.
type Store interface {
	Get(name string) (int, error)
	Set(name string, position int) error
}

// Status is a snapshot of a covering.
type Status struct {
	Name     string
	Position int
	Target   int
	State    State
}

type UpdateHandler func(status Status)

type Config struct {
	Name string

	// DurationUp and DurationDown are the full travel times between the end-stops.
	DurationUp   time.Duration
	DurationDown time.Duration

	// EndStopOffset extends the motor run when the target is an end-stop.
	EndStopOffset time.Duration
}

func (c Config) Validate() error {
	var err error
	if c.Name == "" {
		err = multierr.Append(err, errors.New("name is required"))
	}
	if c.DurationUp < MinTravelDuration {
		err = multierr.Append(err, errors.Errorf("%s: duration up must be at least %s, got %s", c.Name, MinTravelDuration, c.DurationUp))
	}
	if c.DurationDown < MinTravelDuration {
		err = multierr.Append(err, errors.Errorf("%s: duration down must be at least %s, got %s", c.Name, MinTravelDuration, c.DurationDown))
	}
	if c.EndStopOffset < 0 {
		err = multierr.Append(err, errors.Errorf("%s: end-stop offset must not be negative, got %s", c.Name, c.EndStopOffset))
	}
	return err
}

// interval is the time the covering needs to travel 1%.
func (c Config) interval(up bool) time.Duration {
	if up {
		return c.DurationUp / 100
	}
	return c.DurationDown / 100
}

// travelTime is the rounded time needed to travel from one position to another.
func (c Config) travelTime(from, to int) time.Duration {
	diff, full := to-from, c.DurationUp
	if diff < 0 {
		diff, full = -diff, c.DurationDown
	}

	// rounded half up to whole milliseconds
	ms := (int64(diff)*full.Milliseconds() + 50) / 100
	return time.Duration(ms) * time.Millisecond
}

func clampPosition(position int) int {
	if position < ClosedPosition {
		return ClosedPosition
	}
	if position > OpenPosition {
		return OpenPosition
	}
	return position
}

func isEndStop(position int) bool {
	return position == ClosedPosition || position == OpenPosition
}
