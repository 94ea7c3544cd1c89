package covering

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/jkaflik/blinds2mqtt/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type request struct {
	target int
	hold   bool
	done   chan struct{}
}

// Covering simulates the position of a window covering without a position
// sensor. All mutations happen on the goroutine running Run.
type Covering struct {
	cfg   Config
	clock clock.Clock
	cmd   Commander
	store Store

	requests chan request
	stopped  chan struct{}

	mu       sync.RWMutex
	position int
	target   int
	state    State
	handlers []UpdateHandler

	// owned by the Run goroutine
	episode *episode
}

type Option func(c *Covering)

// WithClock replaces the wall clock used for motion timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Covering) {
		c.clock = clk
	}
}

// New creates a resting covering at the last stored position, or closed when
// none can be read.
func New(cfg Config, cmd Commander, s Store, opts ...Option) (*Covering, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, errors.Errorf("%s: commander is required", cfg.Name)
	}
	if s == nil {
		return nil, errors.Errorf("%s: store is required", cfg.Name)
	}

	c := &Covering{
		cfg:      cfg,
		clock:    clock.New(),
		cmd:      cmd,
		store:    s,
		requests: make(chan request),
		stopped:  make(chan struct{}),
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.position = c.restorePosition()
	c.target = c.position

	return c, nil
}

func (c *Covering) restorePosition() int {
	position, err := c.store.Get(c.cfg.Name)
	if errors.Is(err, store.ErrNotFound) {
		logrus.Infof("%s: no stored position, assuming closed", c.cfg.Name)
		return ClosedPosition
	}
	if err != nil {
		logrus.Warnf("%s: stored position unreadable, assuming closed: %s", c.cfg.Name, err)
		return ClosedPosition
	}
	if position != clampPosition(position) {
		logrus.Warnf("%s: stored position %d out of range, assuming closed", c.cfg.Name, position)
		return ClosedPosition
	}

	logrus.Infof("%s: restored position %d", c.cfg.Name, position)
	return position
}

func (c *Covering) Name() string {
	return c.cfg.Name
}

func (c *Covering) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Status{Name: c.cfg.Name, Position: c.position, Target: c.target, State: c.state}
}

func (c *Covering) Position() int {
	return c.Status().Position
}

func (c *Covering) Target() int {
	return c.Status().Target
}

func (c *Covering) State() State {
	return c.Status().State
}

// OnUpdate registers a handler called from the Run goroutine whenever the
// state or position changes.
func (c *Covering) OnUpdate(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, h)
}

// SetTarget requests a move to position. It returns once the request has been
// taken over by the Run goroutine; the motion itself is asynchronous.
func (c *Covering) SetTarget(ctx context.Context, position int) error {
	return c.submit(ctx, request{target: position})
}

// Stop holds the covering at its current estimated position.
func (c *Covering) Stop(ctx context.Context) error {
	logrus.Infof("%s: stop", c.cfg.Name)
	return c.submit(ctx, request{hold: true})
}

func (c *Covering) Open(ctx context.Context) error {
	logrus.Infof("%s: open", c.cfg.Name)
	return c.SetTarget(ctx, OpenPosition)
}

func (c *Covering) Close(ctx context.Context) error {
	logrus.Infof("%s: close", c.cfg.Name)
	return c.SetTarget(ctx, ClosedPosition)
}

func (c *Covering) submit(ctx context.Context, req request) error {
	req.done = make(chan struct{})

	select {
	case c.requests <- req:
	case <-c.stopped:
		return errors.Errorf("%s: not running", c.cfg.Name)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s: request not accepted", c.cfg.Name)
	}

	<-req.done
	return nil
}

// Run drives the covering until ctx is done. Requests and timers are handled
// one at a time, so an episode's timers can never fire after it got superseded.
func (c *Covering) Run(ctx context.Context) error {
	defer close(c.stopped)

	logrus.Debugf("%s: running at position %d", c.cfg.Name, c.position)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case req := <-c.requests:
			if req.hold {
				c.hold()
			} else {
				c.setTarget(req.target)
			}
			close(req.done)
		case <-c.episode.ticks():
			c.tick()
		case <-c.episode.completions():
			c.complete()
		}
	}
}

func (c *Covering) setTarget(target int) {
	if clamped := clampPosition(target); clamped != target {
		logrus.Warnf("%s: target position %d out of range, using %d", c.cfg.Name, target, clamped)
		target = clamped
	}
	logrus.Infof("%s: set target position to %d", c.cfg.Name, target)

	current := c.episode
	if current != nil {
		c.tick()
	}
	// a target already reached while the motor seats against an end-stop is a
	// same-position request and stops the motor
	if current != nil && current.target == target && c.position != target {
		logrus.Debugf("%s: already moving to %d", c.cfg.Name, target)
		return
	}

	c.mu.Lock()
	c.target = target
	c.mu.Unlock()

	moveUp := target >= c.position
	stopSent := false

	if current != nil {
		logrus.Debugf("%s: moving, current position %d", c.cfg.Name, c.position)
		if oppositeDirection(current.state, moveUp) {
			logrus.Infof("%s: stop before changing direction", c.cfg.Name)
			c.send(DirectionStop)
			stopSent = true
		}
		current.cancel()
		c.episode = nil
	}

	if target == c.position {
		if current != nil && !stopSent {
			c.send(DirectionStop)
		}
		c.setState(StateStopped)
		logrus.Infof("%s: already at position %d", c.cfg.Name, target)
		c.notify()
		return
	}

	state, dir := StateDecreasing, DirectionDown
	if moveUp {
		state, dir = StateIncreasing, DirectionUp
	}

	travel := c.cfg.travelTime(c.position, target)
	run := travel
	if isEndStop(target) {
		run += c.cfg.EndStopOffset
	}

	logrus.Infof("%s: moving %s from %d to %d (%s, motor %s)", c.cfg.Name, dir, c.position, target, travel, run)

	c.episode = startEpisode(c.clock, c.position, target, state, c.cfg.interval(moveUp), run)
	c.setState(state)
	c.notify()
	c.send(dir)
}

func (c *Covering) hold() {
	if c.episode != nil {
		c.tick()
	}
	c.setTarget(c.position)
}

func oppositeDirection(state State, moveUp bool) bool {
	return (state == StateIncreasing && !moveUp) || (state == StateDecreasing && moveUp)
}

// tick moves the estimate by the steps elapsed since the episode started, so
// ticks dropped by a busy loop are caught up on the next one.
func (c *Covering) tick() {
	next := c.episode.estimate(c.clock.Since(c.episode.started))
	if next == c.position {
		return
	}

	c.mu.Lock()
	c.position = next
	c.mu.Unlock()

	logrus.Tracef("%s: estimated position %d", c.cfg.Name, next)
	c.persist()
	c.notify()
}

func (c *Covering) complete() {
	e := c.episode
	e.cancel()
	c.episode = nil

	c.send(DirectionStop)

	c.mu.Lock()
	c.position = e.target
	c.state = StateStopped
	c.mu.Unlock()

	c.persist()
	c.notify()

	logrus.Infof("%s: moved to target position %d", c.cfg.Name, e.target)
}

func (c *Covering) shutdown() {
	e := c.episode
	if e == nil {
		return
	}

	c.tick()
	logrus.Infof("%s: shutdown while moving, stop at %d", c.cfg.Name, c.position)
	e.cancel()
	c.episode = nil

	c.send(DirectionStop)

	c.mu.Lock()
	c.target = c.position
	c.state = StateStopped
	c.mu.Unlock()

	c.persist()
}

func (c *Covering) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Covering) send(dir Direction) {
	logrus.Debugf("%s: send %s", c.cfg.Name, dir)
	if err := c.cmd.Send(dir); err != nil {
		logrus.Errorf("%s: %s command failed: %s", c.cfg.Name, dir, err)
	}
}

func (c *Covering) persist() {
	if err := c.store.Set(c.cfg.Name, c.position); err != nil {
		logrus.Warnf("%s: persist position %d failed: %s", c.cfg.Name, c.position, err)
	}
}

func (c *Covering) notify() {
	c.mu.RLock()
	handlers := c.handlers
	status := Status{Name: c.cfg.Name, Position: c.position, Target: c.target, State: c.state}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(status)
	}
}
