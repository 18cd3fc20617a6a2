// Package motor implements the line protocol of a FluidNC/GRBL style motion
// controller: command/response matching, status parsing and the realtime
// commands used to hold, resume and reset motion.
package motor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/journal"
	"github.com/itohio/godoser/pkg/transport"
	"go.uber.org/zap"
)

// Realtime commands are sent as single bytes without a newline.
const (
	RealtimeStatus   byte = '?'
	RealtimeFeedHold byte = '!'
	RealtimeResume   byte = '~'
	RealtimeReset    byte = 0x18
)

const (
	readPoll  = 100 * time.Millisecond
	closeWait = time.Second
)

// Option configures a Channel.
type Option func(*Channel)

// WithRecorder records every answered command.
func WithRecorder(r journal.Recorder) Option {
	return func(c *Channel) { c.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// pending is a command waiting for its terminator.
type pending struct {
	cmd      string
	sent     time.Time
	lines    []string
	recorded bool
	done     chan Result
}

// Channel exchanges commands with the controller. Every newline terminated
// command takes a slot in a FIFO queue and every terminator line completes
// the oldest slot, so acknowledgements are never attributed to the wrong
// command.
type Channel struct {
	t        transport.Transport
	cfg      config.MotorConfig
	logger   *zap.Logger
	recorder journal.Recorder
	now      func() time.Time

	// writeMu keeps queue order identical to wire order
	writeMu sync.Mutex

	mu              sync.Mutex
	queue           []*pending
	statusWaiters   []chan Status
	statusObservers []func(Status)
	alarmObservers  []func(Alarm)
	last            Status
	hasLast         bool
	resetting       bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel creates a channel over t and starts reading from it.
func NewChannel(t transport.Transport, cfg config.MotorConfig, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Channel{
		t:      t,
		cfg:    cfg,
		logger: logger.Named("motor"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()

	return c
}

// OnStatus registers a callback for every status report.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusObservers = append(c.statusObservers, fn)
}

// OnAlarm registers a callback for alarms raised outside a reset.
func (c *Channel) OnAlarm(fn func(Alarm)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alarmObservers = append(c.alarmObservers, fn)
}

// LastStatus returns the most recent status report.
func (c *Channel) LastStatus() (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Pending returns the number of commands waiting for a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Send writes cmd without waiting for its response.
func (c *Channel) Send(cmd string) error {
	_, err := c.submit(cmd)
	return err
}

// SendAndAwait writes cmd and waits for its terminator. A missing response
// yields a ResultTimeout result; the returned error is reserved for
// transport failures and cancellation.
func (c *Channel) SendAndAwait(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}

	p, err := c.submit(cmd)
	if err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r, nil
	case <-timer.C:
		c.logger.Warn("Command timed out", zap.String("cmd", cmd), zap.Duration("timeout", timeout))
		r := Result{Kind: ResultTimeout}
		c.record(p, r)
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return Result{}, transport.ErrClosed
	}
}

// QueryStatus requests and waits for one status report.
func (c *Channel) QueryStatus(ctx context.Context, timeout time.Duration) (Status, error) {
	if timeout <= 0 {
		timeout = c.cfg.StatusTimeout
	}

	ch := make(chan Status, 1)
	c.mu.Lock()
	c.statusWaiters = append(c.statusWaiters, ch)
	c.mu.Unlock()

	if err := c.Realtime(RealtimeStatus); err != nil {
		c.dropStatusWaiter(ch)
		return Status{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-ch:
		return s, nil
	case <-timer.C:
		c.dropStatusWaiter(ch)
		return Status{}, &Fault{Kind: FaultTimeout, Command: string(RealtimeStatus)}
	case <-ctx.Done():
		c.dropStatusWaiter(ch)
		return Status{}, ctx.Err()
	case <-c.done:
		return Status{}, transport.ErrClosed
	}
}

func (c *Channel) dropStatusWaiter(ch chan Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.statusWaiters {
		if w == ch {
			c.statusWaiters = append(c.statusWaiters[:i], c.statusWaiters[i+1:]...)
			return
		}
	}
}

// Realtime writes a single-byte realtime command.
func (c *Channel) Realtime(b byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.t.WriteBytes([]byte{b}); err != nil {
		return fmt.Errorf("failed to send realtime command 0x%02x: %w", b, err)
	}
	return nil
}

// FeedHold pauses motion immediately.
func (c *Channel) FeedHold() error {
	return c.Realtime(RealtimeFeedHold)
}

// Resume resumes motion paused by FeedHold.
func (c *Channel) Resume() error {
	return c.Realtime(RealtimeResume)
}

// Reset performs a soft reset followed by an unlock. Alarms raised while
// resetting are expected and not forwarded to observers. Reset may be
// retried after a failure.
func (c *Channel) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.resetting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.resetting = false
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_, err := c.t.WriteBytes([]byte{RealtimeReset})
	// the controller drops its buffers, nothing queued will be answered
	c.mu.Lock()
	stale := c.queue
	c.queue = nil
	c.mu.Unlock()
	c.writeMu.Unlock()

	for _, p := range stale {
		select {
		case p.done <- Result{Kind: ResultTimeout}:
		default:
		}
	}
	if err != nil {
		return fmt.Errorf("failed to send soft reset: %w", err)
	}

	if c.cfg.ResetSettle > 0 {
		timer := time.NewTimer(c.cfg.ResetSettle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	r, err := c.SendAndAwait(ctx, "$X", c.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if err := r.Err("$X"); err != nil {
		return fmt.Errorf("unlock failed: %w", err)
	}

	c.logger.Info("Controller reset and unlocked")
	return nil
}

// Home runs the homing cycle.
func (c *Channel) Home(ctx context.Context) error {
	r, err := c.SendAndAwait(ctx, "$H", c.cfg.HomeTimeout)
	if err != nil {
		return err
	}
	return r.Err("$H")
}

// Info returns the build information lines.
func (c *Channel) Info(ctx context.Context) ([]string, error) {
	return c.collect(ctx, "$I")
}

// Settings returns the settings dump.
func (c *Channel) Settings(ctx context.Context) ([]string, error) {
	return c.collect(ctx, "$$")
}

// Close stops reading and closes the transport.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.t.Close()
		select {
		case <-c.done:
		case <-time.After(closeWait):
			c.logger.Warn("Reader did not stop after close")
		}
	})
	return err
}

func (c *Channel) collect(ctx context.Context, cmd string) ([]string, error) {
	r, err := c.SendAndAwait(ctx, cmd, c.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	if err := r.Err(cmd); err != nil {
		return nil, err
	}
	return r.Lines, nil
}

func (c *Channel) submit(cmd string) (*pending, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	p := &pending{cmd: cmd, sent: c.now(), done: make(chan Result, 1)}
	c.mu.Lock()
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	if err := c.t.WriteLine(cmd); err != nil {
		c.mu.Lock()
		for i, q := range c.queue {
			if q == p {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %q: %w", cmd, err)
	}

	c.logger.Debug("Sent command", zap.String("cmd", cmd))
	return p, nil
}

func (c *Channel) readLoop() {
	defer close(c.done)

	var carry string
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		line, truncated, err := c.t.ReadLine(readPoll)
		if err != nil {
			if errors.Is(err, transport.ErrReadTimeout) {
				continue
			}
			select {
			case <-c.stop:
			default:
				c.logger.Warn("Controller link lost", zap.Error(err))
			}
			return
		}
		if truncated {
			carry += line
			continue
		}

		line = carry + line
		carry = ""
		c.handleLine(line)
	}
}

func (c *Channel) handleLine(line string) {
	kind, code := Classify(line)

	switch kind {
	case KindStatus:
		s, err := ParseStatusLine(line)
		if err != nil {
			c.logger.Debug("Ignoring status line", zap.Error(err))
			return
		}

		c.mu.Lock()
		c.last, c.hasLast = s, true
		waiters := c.statusWaiters
		c.statusWaiters = nil
		observers := append(([]func(Status))(nil), c.statusObservers...)
		c.mu.Unlock()

		for _, w := range waiters {
			select {
			case w <- s:
			default:
			}
		}
		for _, fn := range observers {
			fn(s)
		}

	case KindInfo:
		c.mu.Lock()
		if len(c.queue) > 0 {
			c.queue[0].lines = append(c.queue[0].lines, line)
		}
		c.mu.Unlock()
		c.logger.Debug("Controller message", zap.String("line", line))

	default:
		c.mu.Lock()
		var p *pending
		if len(c.queue) > 0 {
			p = c.queue[0]
			c.queue = c.queue[1:]
		}
		resetting := c.resetting
		alarmObservers := append(([]func(Alarm))(nil), c.alarmObservers...)
		c.mu.Unlock()

		r := Result{Kind: resultKind(kind), Code: code, Response: line}
		if p != nil {
			r.Lines = p.lines
			c.record(p, r)
			p.done <- r
		} else if kind != KindAlarm {
			c.logger.Warn("Unexpected response", zap.String("line", line))
		}

		if kind == KindAlarm {
			if resetting {
				c.logger.Info("Alarm during reset", zap.Int("code", code))
				return
			}
			c.logger.Warn("Controller alarm", zap.Int("code", code))
			alarm := Alarm{Code: code, Raw: line, Time: c.now()}
			for _, fn := range alarmObservers {
				fn(alarm)
			}
		}
	}
}

func (c *Channel) record(p *pending, r Result) {
	if c.recorder == nil {
		return
	}

	c.mu.Lock()
	if p.recorded {
		c.mu.Unlock()
		return
	}
	p.recorded = true
	c.mu.Unlock()

	response := r.Response
	if response == "" {
		response = r.Kind.String()
	}
	c.recorder.Record(journal.Entry{
		Time:     p.sent,
		Command:  p.cmd,
		Response: response,
		Duration: c.now().Sub(p.sent),
		Success:  r.Ok(),
	})
}

func resultKind(k Kind) ResultKind {
	switch k {
	case KindAck:
		return ResultAck
	case KindError:
		return ResultError
	default:
		return ResultAlarm
	}
}
