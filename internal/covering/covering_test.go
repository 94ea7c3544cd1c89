package covering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jkaflik/blinds2mqtt/internal/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	pollFor = time.Millisecond
)

type recordingCommander struct {
	mu   sync.Mutex
	sent []Direction
	err  error
}

func (r *recordingCommander) Send(dir Direction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sent = append(r.sent, dir)
	return r.err
}

func (r *recordingCommander) Sent() []Direction {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Direction(nil), r.sent...)
}

type failingStore struct{}

func (failingStore) Get(string) (int, error) {
	return 0, errors.New("disk on fire")
}

func (failingStore) Set(string, int) error {
	return errors.New("disk on fire")
}

func testConfig() Config {
	return Config{
		Name:         "living_room",
		DurationUp:   10 * time.Second,
		DurationDown: 8 * time.Second,
	}
}

type fixture struct {
	t      *testing.T
	c      *Covering
	cmd    *recordingCommander
	store  Store
	clock  *clock.Mock
	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, cfg Config, s Store) *fixture {
	t.Helper()

	f := &fixture{t: t, cmd: &recordingCommander{}, store: s, clock: clock.NewMock(), done: make(chan struct{})}

	c, err := New(cfg, f.cmd, s, WithClock(f.clock))
	require.NoError(t, err)
	f.c = c

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		_ = c.Run(ctx)
		close(f.done)
	}()

	t.Cleanup(f.stop)
	return f
}

// newFixtureAt starts a covering resting at position.
func newFixtureAt(t *testing.T, cfg Config, position int) *fixture {
	s := store.NewMemory()
	require.NoError(t, s.Set(cfg.Name, position))
	return newFixture(t, cfg, s)
}

func (f *fixture) stop() {
	f.cancel()
	<-f.done
}

func (f *fixture) setTarget(position int) {
	f.t.Helper()
	require.NoError(f.t, f.c.SetTarget(context.Background(), position))
}

// advance moves the mock clock in steps, so every timer fires in order.
func (f *fixture) advance(total, step time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		f.clock.Add(step)
	}
}

func (f *fixture) waitFor(position int, state State) {
	f.t.Helper()
	assert.Eventually(f.t, func() bool {
		status := f.c.Status()
		return status.Position == position && status.State == state
	}, waitFor, pollFor, "expected position %d and state %s, got %+v", position, state, f.c.Status())
}

func TestCoveringSetTargetAtRest(t *testing.T) {
	for _, p := range []int{0, 1, 37, 99, 100} {
		f := newFixtureAt(t, testConfig(), p)
		f.setTarget(p)

		assert.Equal(t, StateStopped, f.c.State())
		assert.Equal(t, p, f.c.Position())
		assert.Empty(t, f.cmd.Sent(), "no motor command for position %d", p)
	}
}

func TestCoveringMovesUp(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 20)
	f.setTarget(70)

	t.Run("motion starts with an up command", func(t *testing.T) {
		assert.Equal(t, StateIncreasing, f.c.State())
		assert.Equal(t, 70, f.c.Target())
		assert.Equal(t, []Direction{DirectionUp}, f.cmd.Sent())
	})

	t.Run("estimator moves 1% every 100ms", func(t *testing.T) {
		f.advance(100*time.Millisecond, 100*time.Millisecond)
		f.waitFor(21, StateIncreasing)

		f.advance(900*time.Millisecond, 100*time.Millisecond)
		f.waitFor(30, StateIncreasing)
	})

	t.Run("covering stops at target after 5s", func(t *testing.T) {
		f.advance(4*time.Second, 100*time.Millisecond)
		f.waitFor(70, StateStopped)
		assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())

		position, err := f.store.Get("living_room")
		require.NoError(t, err)
		assert.Equal(t, 70, position)
	})
}

func TestCoveringMovesDown(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 70)
	f.setTarget(20)

	assert.Equal(t, StateDecreasing, f.c.State())
	assert.Equal(t, []Direction{DirectionDown}, f.cmd.Sent())

	f.advance(80*time.Millisecond, 80*time.Millisecond)
	f.waitFor(69, StateDecreasing)

	f.advance(3920*time.Millisecond, 80*time.Millisecond)
	f.waitFor(20, StateStopped)
	assert.Equal(t, []Direction{DirectionDown, DirectionStop}, f.cmd.Sent())
}

func TestCoveringReachesEveryTarget(t *testing.T) {
	cases := []struct{ from, to int }{
		{0, 1}, {0, 100}, {13, 87}, {99, 100}, {100, 0}, {55, 54}, {42, 7},
	}

	for _, tc := range cases {
		f := newFixtureAt(t, testConfig(), tc.from)
		f.setTarget(tc.to)

		f.advance(11*time.Second, 100*time.Millisecond)
		f.waitFor(tc.to, StateStopped)
		f.stop()
	}
}

func TestCoveringReversal(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 0)
	f.setTarget(100)

	f.advance(time.Second, 100*time.Millisecond)
	f.waitFor(10, StateIncreasing)

	f.setTarget(0)

	t.Run("stop is sent before the new direction", func(t *testing.T) {
		assert.Equal(t, []Direction{DirectionUp, DirectionStop, DirectionDown}, f.cmd.Sent())
		assert.Equal(t, StateDecreasing, f.c.State())
	})

	t.Run("covering rests at the new target", func(t *testing.T) {
		// 10% down takes 800ms
		f.advance(800*time.Millisecond, 80*time.Millisecond)
		f.waitFor(0, StateStopped)
		assert.Equal(t, []Direction{DirectionUp, DirectionStop, DirectionDown, DirectionStop}, f.cmd.Sent())
	})

	t.Run("superseded timers never fire", func(t *testing.T) {
		f.advance(10*time.Second, 100*time.Millisecond)
		f.waitFor(0, StateStopped)
		assert.Len(t, f.cmd.Sent(), 4)
	})
}

func TestCoveringRetargetSameDirection(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 20)
	f.setTarget(70)

	f.advance(time.Second, 100*time.Millisecond)
	f.waitFor(30, StateIncreasing)

	f.setTarget(90)
	assert.Equal(t, []Direction{DirectionUp, DirectionUp}, f.cmd.Sent(), "no stop without a direction change")

	// the old episode would have completed here
	f.advance(4*time.Second, 100*time.Millisecond)
	f.waitFor(70, StateIncreasing)

	f.advance(2*time.Second, 100*time.Millisecond)
	f.waitFor(90, StateStopped)
	assert.Equal(t, []Direction{DirectionUp, DirectionUp, DirectionStop}, f.cmd.Sent())
}

func TestCoveringSamePositionCancelsMotion(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 20)
	f.setTarget(70)

	f.advance(time.Second, 100*time.Millisecond)
	f.waitFor(30, StateIncreasing)

	f.setTarget(30)
	assert.Equal(t, StateStopped, f.c.State())
	assert.Equal(t, 30, f.c.Target())
	assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())

	f.advance(5*time.Second, 100*time.Millisecond)
	f.waitFor(30, StateStopped)
	assert.Len(t, f.cmd.Sent(), 2)
}

func TestCoveringStop(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 80)
	f.setTarget(40)

	f.advance(800*time.Millisecond, 80*time.Millisecond)
	f.waitFor(70, StateDecreasing)

	require.NoError(t, f.c.Stop(context.Background()))
	assert.Equal(t, StateStopped, f.c.State())
	assert.Equal(t, 70, f.c.Target())
	assert.Equal(t, []Direction{DirectionDown, DirectionStop}, f.cmd.Sent())

	t.Run("stop at rest sends nothing", func(t *testing.T) {
		require.NoError(t, f.c.Stop(context.Background()))
		assert.Len(t, f.cmd.Sent(), 2)
	})
}

func TestCoveringRepeatedTarget(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 20)
	f.setTarget(60)
	f.setTarget(60)

	assert.Equal(t, []Direction{DirectionUp}, f.cmd.Sent())

	f.advance(4*time.Second, 100*time.Millisecond)
	f.waitFor(60, StateStopped)
	assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())
}

func TestCoveringEndStopOffset(t *testing.T) {
	cfg := testConfig()
	cfg.EndStopOffset = 2 * time.Second

	t.Run("open runs the motor past the estimate", func(t *testing.T) {
		f := newFixtureAt(t, cfg, 80)
		f.setTarget(100)

		f.advance(2*time.Second, 100*time.Millisecond)
		f.waitFor(100, StateIncreasing)
		assert.Equal(t, []Direction{DirectionUp}, f.cmd.Sent())

		f.advance(2*time.Second, 100*time.Millisecond)
		f.waitFor(100, StateStopped)
		assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())
	})

	t.Run("close runs the motor past the estimate", func(t *testing.T) {
		f := newFixtureAt(t, cfg, 10)
		f.setTarget(0)

		f.advance(800*time.Millisecond, 80*time.Millisecond)
		f.waitFor(0, StateDecreasing)
		assert.Equal(t, []Direction{DirectionDown}, f.cmd.Sent())

		f.advance(2*time.Second, 80*time.Millisecond)
		f.waitFor(0, StateStopped)
		assert.Equal(t, []Direction{DirectionDown, DirectionStop}, f.cmd.Sent())
	})

	t.Run("stop while seating against the end-stop", func(t *testing.T) {
		cfg := cfg
		cfg.EndStopOffset = 5 * time.Second

		f := newFixtureAt(t, cfg, 80)
		f.setTarget(100)

		f.advance(2*time.Second, 100*time.Millisecond)
		f.waitFor(100, StateIncreasing)

		require.NoError(t, f.c.Stop(context.Background()))
		assert.Equal(t, Status{Name: "living_room", Position: 100, Target: 100, State: StateStopped}, f.c.Status())
		assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())

		f.advance(5*time.Second, 100*time.Millisecond)
		f.waitFor(100, StateStopped)
		assert.Len(t, f.cmd.Sent(), 2, "cancelled motor run does not stop again")
	})

	t.Run("repeated end-stop target while seating stops the motor", func(t *testing.T) {
		f := newFixtureAt(t, cfg, 10)
		f.setTarget(0)

		f.advance(800*time.Millisecond, 80*time.Millisecond)
		f.waitFor(0, StateDecreasing)

		f.setTarget(0)
		assert.Equal(t, StateStopped, f.c.State())
		assert.Equal(t, []Direction{DirectionDown, DirectionStop}, f.cmd.Sent())
	})

	t.Run("offset is not applied between the end-stops", func(t *testing.T) {
		f := newFixtureAt(t, cfg, 80)
		f.setTarget(99)

		f.advance(1900*time.Millisecond, 100*time.Millisecond)
		f.waitFor(99, StateStopped)
		assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())
	})
}

func TestCoveringPersistence(t *testing.T) {
	s := store.NewMemory()

	t.Run("covering without stored position starts closed", func(t *testing.T) {
		f := newFixture(t, testConfig(), s)
		assert.Equal(t, 0, f.c.Position())
		assert.Equal(t, StateStopped, f.c.State())

		f.setTarget(45)
		f.advance(300*time.Millisecond, 100*time.Millisecond)
		f.waitFor(3, StateIncreasing)

		assert.Eventually(t, func() bool {
			position, err := s.Get("living_room")
			return err == nil && position == 3
		}, waitFor, pollFor, "every tick is persisted")

		f.advance(5*time.Second, 100*time.Millisecond)
		f.waitFor(45, StateStopped)
		f.stop()
	})

	t.Run("new covering resumes the persisted position", func(t *testing.T) {
		f := newFixture(t, testConfig(), s)
		assert.Equal(t, 45, f.c.Position())
		assert.Equal(t, 45, f.c.Target())
	})

	t.Run("out of range stored position starts closed", func(t *testing.T) {
		require.NoError(t, s.Set("living_room", 130))
		f := newFixture(t, testConfig(), s)
		assert.Equal(t, 0, f.c.Position())
	})
}

func TestCoveringFailuresDoNotStopMotion(t *testing.T) {
	f := newFixture(t, testConfig(), failingStore{})
	f.cmd.err = errors.New("broker gone")

	assert.Equal(t, 0, f.c.Position(), "unreadable store starts closed")

	f.setTarget(10)
	f.advance(time.Second, 100*time.Millisecond)
	f.waitFor(10, StateStopped)
	assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())
}

func TestCoveringClampsTarget(t *testing.T) {
	f := newFixtureAt(t, testConfig(), 95)

	f.setTarget(150)
	assert.Equal(t, 100, f.c.Target())

	f.advance(500*time.Millisecond, 100*time.Millisecond)
	f.waitFor(100, StateStopped)

	f.setTarget(-20)
	assert.Equal(t, 0, f.c.Target())
	assert.Equal(t, StateDecreasing, f.c.State())
}

func TestCoveringUpdates(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Set("living_room", 50))

	var mu sync.Mutex
	var updates []Status

	cmd := &recordingCommander{}
	mock := clock.NewMock()
	c, err := New(testConfig(), cmd, s, WithClock(mock))
	require.NoError(t, err)
	c.OnUpdate(func(status Status) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, status)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, c.SetTarget(ctx, 52))
	for i := 0; i < 2; i++ {
		mock.Add(100 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) > 0 && updates[len(updates)-1].State == StateStopped
	}, waitFor, pollFor)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, Status{Name: "living_room", Position: 50, Target: 52, State: StateIncreasing}, updates[0])
	assert.Equal(t, Status{Name: "living_room", Position: 52, Target: 52, State: StateStopped}, updates[len(updates)-1])
}

func TestCoveringShutdown(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.Set("living_room", 20))
	f := newFixture(t, testConfig(), s)

	f.setTarget(70)
	f.advance(time.Second, 100*time.Millisecond)
	f.waitFor(30, StateIncreasing)

	f.stop()

	t.Run("motor is stopped and the estimate kept", func(t *testing.T) {
		assert.Equal(t, []Direction{DirectionUp, DirectionStop}, f.cmd.Sent())
		assert.Equal(t, StateStopped, f.c.State())

		position, err := s.Get("living_room")
		require.NoError(t, err)
		assert.Equal(t, 30, position)
	})

	t.Run("requests fail once stopped", func(t *testing.T) {
		assert.Error(t, f.c.SetTarget(context.Background(), 50))
	})
}

func TestCoveringSetTargetContext(t *testing.T) {
	c, err := New(testConfig(), &recordingCommander{}, store.NewMemory())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, c.SetTarget(ctx, 50), "nothing runs the covering")
}

func TestNewValidation(t *testing.T) {
	t.Run("missing collaborators", func(t *testing.T) {
		_, err := New(testConfig(), nil, store.NewMemory())
		assert.Error(t, err)

		_, err = New(testConfig(), &recordingCommander{}, nil)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := New(Config{EndStopOffset: -time.Second}, &recordingCommander{}, store.NewMemory())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name is required")
		assert.Contains(t, err.Error(), "duration up")
		assert.Contains(t, err.Error(), "duration down")
		assert.Contains(t, err.Error(), "end-stop offset")
	})
}

func TestConfigTravelTime(t *testing.T) {
	cfg := Config{DurationUp: 10 * time.Second, DurationDown: 8 * time.Second}

	cases := []struct {
		from, to int
		want     time.Duration
	}{
		{20, 70, 5000 * time.Millisecond},
		{70, 20, 4000 * time.Millisecond},
		{0, 100, 10 * time.Second},
		{100, 0, 8 * time.Second},
		{50, 50, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cfg.travelTime(tc.from, tc.to), "%d -> %d", tc.from, tc.to)
	}

	t.Run("travel time is rounded to milliseconds", func(t *testing.T) {
		odd := Config{DurationUp: 10050 * time.Millisecond, DurationDown: 10030 * time.Millisecond}
		assert.Equal(t, 101*time.Millisecond, odd.travelTime(0, 1))
		assert.Equal(t, 100*time.Millisecond, odd.travelTime(1, 0))
	})

	t.Run("estimator interval is 1% of the travel", func(t *testing.T) {
		assert.Equal(t, 100*time.Millisecond, cfg.interval(true))
		assert.Equal(t, 80*time.Millisecond, cfg.interval(false))
	})
}

func TestStateEncoding(t *testing.T) {
	assert.Equal(t, 0, int(StateDecreasing))
	assert.Equal(t, 1, int(StateIncreasing))
	assert.Equal(t, 2, int(StateStopped))
	assert.Equal(t, "STOP", Direction(42).String())
}
