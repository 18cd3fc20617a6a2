// Package scale implements the burst polling protocol of the RS232 scale.
//
// The scale only answers after receiving its command repeated several times
// with per-character pacing. Each burst is followed by a read window; the
// last weight line parsed in the window becomes the current sample.
package scale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/transport"
	"go.uber.org/zap"
)

const (
	minBackoff = 10 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Option configures a Protocol.
type Option func(*Protocol)

// WithClock overrides the time source used to stamp samples.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithSleep overrides the function used for inter-byte pacing.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Protocol) { p.sleep = sleep }
}

// Protocol polls a scale over a transport.
type Protocol struct {
	t      transport.Transport
	cfg    config.ScaleConfig
	logger *zap.Logger
	now    func() time.Time
	sleep  func(time.Duration)

	// writeMu serialises bursts and tare commands on the shared link
	writeMu sync.Mutex

	mu          sync.RWMutex
	latest      Sample
	hasLatest   bool
	misses      int
	interBurst  time.Duration
	paused      bool
	resumeCh    chan struct{}
	subscribers map[int]chan Sample
	nextSubID   int
}

// New creates a Protocol over t.
func New(t transport.Transport, cfg config.ScaleConfig, logger *zap.Logger, opts ...Option) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Protocol{
		t:           t,
		cfg:         cfg,
		logger:      logger.Named("scale"),
		now:         time.Now,
		sleep:       time.Sleep,
		interBurst:  cfg.InterBurstDelay,
		subscribers: make(map[int]chan Sample),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// SendBurst transmits one burst byte by byte with the configured pacing.
func (p *Protocol) SendBurst(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	cmd := []byte(p.cfg.Command)
	for i := 0; i < p.cfg.Repeats; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, b := range cmd {
			if _, err := p.t.WriteBytes([]byte{b}); err != nil {
				return fmt.Errorf("failed to send scale command: %w", err)
			}
			p.sleep(p.cfg.CharDelay)
		}
		p.sleep(p.cfg.CommandDelay)
	}

	return nil
}

// ReadWindow collects lines for the configured read window and returns the
// last one that parsed as a weight. Truncated lines at the end of the
// window are discarded.
func (p *Protocol) ReadWindow(ctx context.Context) (Sample, bool) {
	deadline := time.Now().Add(p.cfg.ReadWindow)

	var (
		last  Sample
		found bool
	)
	for {
		if ctx.Err() != nil {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		line, truncated, err := p.t.ReadLine(remaining)
		if err != nil {
			if !errors.Is(err, transport.ErrReadTimeout) {
				p.logger.Debug("Read window ended early", zap.Error(err))
			}
			break
		}
		if truncated {
			p.logger.Debug("Discarding partial line", zap.String("line", line))
			continue
		}

		s, ok := ParseSample(line, p.now())
		if !ok {
			p.logger.Debug("Unparseable scale line", zap.String("line", line))
			continue
		}
		last, found = s, true
	}

	return last, found
}

// Poll sends one burst and reads one window. A window without a weight
// leaves the latest sample unchanged.
func (p *Protocol) Poll(ctx context.Context) (Sample, bool, error) {
	if err := p.SendBurst(ctx); err != nil {
		return Sample{}, false, err
	}

	s, ok := p.ReadWindow(ctx)
	if !ok {
		p.mu.Lock()
		p.misses++
		misses := p.misses
		p.mu.Unlock()

		if misses == p.cfg.FaultAfterMisses {
			p.logger.Warn("Scale is not responding", zap.Int("empty_windows", misses))
		}
		return Sample{}, false, nil
	}

	p.publish(s)
	return s, true, nil
}

// Run polls continuously until ctx is cancelled. After a failed poll it
// backs off, starting at the larger of the inter-burst delay and the read
// window and doubling up to the staleness limit.
func (p *Protocol) Run(ctx context.Context) error {
	p.logger.Info("Scale polling started",
		zap.Int("repeats", p.cfg.Repeats),
		zap.Duration("read_window", p.cfg.ReadWindow))
	defer p.logger.Info("Scale polling stopped")

	var backoff time.Duration
	for {
		if err := p.waitResumed(ctx); err != nil {
			return err
		}

		p.mu.RLock()
		delay := p.interBurst
		p.mu.RUnlock()

		if _, _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if backoff == 0 {
				p.logger.Warn("Scale poll failed", zap.Error(err))
			} else {
				p.logger.Debug("Scale poll failed", zap.Error(err), zap.Duration("backoff", backoff))
			}
			backoff = p.nextBackoff(backoff, delay)
			delay = backoff
		} else if backoff > 0 {
			p.logger.Info("Scale link recovered")
			backoff = 0
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// nextBackoff returns the wait after a failed poll.
func (p *Protocol) nextBackoff(prev, interBurst time.Duration) time.Duration {
	limit := p.cfg.StaleAfter
	if limit <= 0 {
		limit = maxBackoff
	}
	next := prev * 2
	if prev == 0 {
		next = max(interBurst, p.cfg.ReadWindow, minBackoff)
	}
	return min(next, max(limit, minBackoff))
}

// Pause suspends polling in Run after the current burst.
func (p *Protocol) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		return
	}
	p.paused = true
	p.resumeCh = make(chan struct{})
	p.logger.Info("Scale polling paused")
}

// Resume continues polling.
func (p *Protocol) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused {
		return
	}
	p.paused = false
	close(p.resumeCh)
	p.logger.Info("Scale polling resumed")
}

// Paused reports whether polling is paused.
func (p *Protocol) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Protocol) waitResumed(ctx context.Context) error {
	p.mu.RLock()
	paused, ch := p.paused, p.resumeCh
	p.mu.RUnlock()

	if !paused {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// SetInterBurstDelay changes the delay between bursts.
func (p *Protocol) SetInterBurstDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interBurst = d
}

// InterBurstDelay returns the current delay between bursts.
func (p *Protocol) InterBurstDelay() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interBurst
}

// Latest returns the newest sample.
func (p *Protocol) Latest() (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.hasLatest
}

// Stale reports whether there is no sample newer than the configured
// staleness limit at time now.
func (p *Protocol) Stale(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.hasLatest || now.Sub(p.latest.Time) > p.cfg.StaleAfter
}

// Health returns ErrNoWeightParsed when the configured number of consecutive
// read windows produced no sample.
func (p *Protocol) Health() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cfg.FaultAfterMisses > 0 && p.misses >= p.cfg.FaultAfterMisses {
		return fmt.Errorf("%w: %d consecutive empty read windows", ErrNoWeightParsed, p.misses)
	}
	return nil
}

// Subscribe returns a channel receiving every new sample. Slow subscribers
// miss samples rather than blocking the poller. The returned function
// unsubscribes and closes the channel.
func (p *Protocol) Subscribe(buffer int) (<-chan Sample, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Sample, buffer)

	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Tare sends the tare command.
func (p *Protocol) Tare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.t.WriteBytes([]byte(p.cfg.TareCommand)); err != nil {
		return fmt.Errorf("failed to send tare: %w", err)
	}
	p.logger.Info("Scale tared")
	return nil
}

func (p *Protocol) publish(s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.latest = s
	p.hasLatest = true
	if p.misses >= p.cfg.FaultAfterMisses && p.cfg.FaultAfterMisses > 0 {
		p.logger.Info("Scale responding again")
	}
	p.misses = 0

	for _, ch := range p.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}
