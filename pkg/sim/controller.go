// Package sim simulates a FluidNC motor controller driving peristaltic
// pumps and a bench scale weighing their output. Both talk their wire
// protocols over in-memory pipes so the rest of the stack runs unchanged.
package sim

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/motor"
	"github.com/itohio/godoser/pkg/transport"
	"go.uber.org/zap"
)

// Error codes sent by the simulated controller.
const (
	errorBadNumber   = 2
	errorLocked      = 9
	errorUnsupported = 20
	alarmAbort       = 3
)

const welcome = "Grbl 3.7 [FluidNC sim (noradio) '$' for help]"

// block is one planner entry: a coordinated move to absolute targets, or a
// G92 position reset that runs once the moves before it have finished.
type block struct {
	target map[motor.Axis]float64
	zero   map[motor.Axis]float64
	feed   float64 // mm/min along the path
}

// Controller simulates a FluidNC controller. Moves are queued in a planner
// and run one after another; the axes of a single move run together.
type Controller struct {
	conn        io.ReadWriteCloser
	calibration map[motor.Axis]float64 // ml/mm
	tickRate    time.Duration
	logger      *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	state     motor.State
	feed      float64
	pos       map[motor.Axis]float64
	planner   []block
	travelled map[motor.Axis]float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController starts a simulated controller and returns it with the host
// side of its serial line.
func NewController(pumps []config.PumpConfig, cfg config.MockConfig, logger *zap.Logger) (*Controller, *transport.Port) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, device := net.Pipe()

	c := newController(device, pumps, cfg, logger)
	c.start()

	return c, transport.NewPort("sim-motor", host, 0, logger)
}

func newController(conn io.ReadWriteCloser, pumps []config.PumpConfig, cfg config.MockConfig, logger *zap.Logger) *Controller {
	tickRate := cfg.TickRate
	if tickRate <= 0 {
		tickRate = 20 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conn:        conn,
		calibration: make(map[motor.Axis]float64),
		tickRate:    tickRate,
		logger:      logger.Named("sim-motor"),
		state:       motor.StateIdle,
		pos:         make(map[motor.Axis]float64),
		travelled:   make(map[motor.Axis]float64),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, p := range pumps {
		if axis, err := motor.ParseAxis(p.Axis); err == nil {
			c.calibration[axis] = p.CalibrationMlPerMm
		}
	}
	return c
}

func (c *Controller) start() {
	c.wg.Add(2)
	go c.serve()
	go c.simulate()
}

// Close stops the simulation and closes the serial line.
func (c *Controller) Close() error {
	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// State returns the simulated machine state.
func (c *Controller) State() motor.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Position returns the position of axis relative to its last G92 zero.
func (c *Controller) Position(axis motor.Axis) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos[axis]
}

// DispensedMl returns the total volume pumped by all axes.
func (c *Controller) DispensedMl() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0.0
	for axis, mm := range c.travelled {
		total += mm * c.calibration[axis]
	}
	return total
}

// TriggerAlarm stops motion and reports ALARM:code, as a limit switch or
// driver fault would.
func (c *Controller) TriggerAlarm(code int) {
	c.mu.Lock()
	c.stopLocked()
	c.state = motor.StateAlarm
	c.mu.Unlock()

	c.write(fmt.Sprintf("ALARM:%d", code))
}

// serve reads the serial line byte by byte. Realtime bytes are handled
// immediately, everything else is collected into lines.
func (c *Controller) serve() {
	defer c.wg.Done()

	r := bufio.NewReader(c.conn)
	var line strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}

		switch b {
		case motor.RealtimeStatus:
			c.write(c.statusLine())
		case motor.RealtimeFeedHold:
			c.hold()
		case motor.RealtimeResume:
			c.resume()
		case motor.RealtimeReset:
			line.Reset()
			c.reset()
		case '\r':
		case '\n':
			cmd := strings.TrimSpace(line.String())
			line.Reset()
			if cmd != "" {
				c.execute(cmd)
			}
		default:
			line.WriteByte(b)
		}
	}
}

// simulate runs the planner at the commanded feed rates.
func (c *Controller) simulate() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tickRate)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.step(now.Sub(last))
			last = now
		}
	}
}

func (c *Controller) step(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != motor.StateRun {
		return
	}

	budget := dt.Minutes()
	for len(c.planner) > 0 {
		b := &c.planner[0]
		if b.zero != nil {
			for axis, v := range b.zero {
				c.pos[axis] = v
			}
			c.planner = c.planner[1:]
			continue
		}
		if budget <= 0 {
			break
		}

		length := 0.0
		for axis, target := range b.target {
			d := target - c.pos[axis]
			length += d * d
		}
		length = math.Sqrt(length)

		fraction := 1.0
		if need := length / b.feed; need > budget {
			fraction = budget / need
			budget = 0
		} else {
			budget -= need
		}

		for axis, target := range b.target {
			move := (target - c.pos[axis]) * fraction
			c.pos[axis] += move
			c.travelled[axis] += math.Abs(move)
		}
		if fraction < 1 {
			break
		}
		for axis, target := range b.target {
			c.pos[axis] = target
		}
		c.planner = c.planner[1:]
	}

	if len(c.planner) == 0 {
		c.state = motor.StateIdle
	}
}

func (c *Controller) execute(cmd string) {
	upper := strings.ToUpper(cmd)

	switch {
	case upper == "$X":
		c.mu.Lock()
		wasAlarm := c.state == motor.StateAlarm
		if wasAlarm {
			c.state = motor.StateIdle
		}
		c.mu.Unlock()
		if wasAlarm {
			c.write("[MSG:Caution: Unlocked]")
		}
		c.write("ok")

	case upper == "$H":
		c.mu.Lock()
		c.stopLocked()
		for _, axis := range motor.Axes {
			c.pos[axis] = 0
		}
		c.state = motor.StateIdle
		c.mu.Unlock()
		c.write("[MSG:Homed]")
		c.write("ok")

	case upper == "$I":
		c.write("[VER:3.7 FluidNC sim:]")
		c.write("[OPT:PHS]")
		c.write("ok")

	case upper == "$$":
		c.write("$100=80.000")
		c.write("$101=80.000")
		c.write("$102=80.000")
		c.write("$103=80.000")
		c.write("$110=300.000")
		c.write("ok")

	case strings.HasPrefix(upper, "G92"), strings.HasPrefix(upper, "G1"), strings.HasPrefix(upper, "G0"):
		c.write(c.motion(upper))

	default:
		c.logger.Debug("Unsupported command", zap.String("cmd", cmd))
		c.write(fmt.Sprintf("error:%d", errorUnsupported))
	}
}

// motion executes G0, G1 and G92 and returns the response line.
func (c *Controller) motion(cmd string) string {
	words := strings.Fields(cmd)
	code := words[0]

	axes := make(map[motor.Axis]float64)
	feed := 0.0
	for _, w := range words[1:] {
		v, err := strconv.ParseFloat(w[1:], 64)
		if err != nil {
			return fmt.Sprintf("error:%d", errorBadNumber)
		}
		if w[0] == 'F' {
			feed = v
			continue
		}
		axis, err := motor.ParseAxis(w[:1])
		if err != nil {
			return fmt.Sprintf("error:%d", errorUnsupported)
		}
		axes[axis] = v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == motor.StateAlarm {
		return fmt.Sprintf("error:%d", errorLocked)
	}

	switch code {
	case "G92":
		if len(c.planner) == 0 {
			for axis, v := range axes {
				c.pos[axis] = v
			}
			break
		}
		c.planner = append(c.planner, block{zero: axes})
	case "G0", "G1":
		if feed > 0 {
			c.feed = feed
		}
		if c.feed <= 0 {
			return fmt.Sprintf("error:%d", errorUnsupported)
		}
		if len(axes) == 0 {
			break
		}
		c.planner = append(c.planner, block{target: axes, feed: c.feed})
		if c.state == motor.StateIdle {
			c.state = motor.StateRun
		}
	default:
		return fmt.Sprintf("error:%d", errorUnsupported)
	}
	return "ok"
}

func (c *Controller) hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == motor.StateRun {
		c.state = motor.StateHold
	}
}

func (c *Controller) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == motor.StateHold {
		c.state = motor.StateRun
		if len(c.planner) == 0 {
			c.state = motor.StateIdle
		}
	}
}

// reset aborts motion. Aborting a running move loses position and raises
// ALARM:3; a held or idle machine comes back Idle.
func (c *Controller) reset() {
	c.mu.Lock()
	running := c.state == motor.StateRun
	c.stopLocked()
	if running {
		c.state = motor.StateAlarm
	} else if c.state != motor.StateAlarm {
		c.state = motor.StateIdle
	}
	c.mu.Unlock()

	if running {
		c.write(fmt.Sprintf("ALARM:%d", alarmAbort))
	}
	c.write(welcome)
}

func (c *Controller) stopLocked() {
	c.planner = nil
}

func (c *Controller) statusLine() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.state.String()
	if c.state == motor.StateHold {
		state += ":0"
	}
	feed := 0.0
	if c.state == motor.StateRun {
		feed = c.feed
	}

	pos := make([]string, len(motor.Axes))
	for i, axis := range motor.Axes {
		pos[i] = strconv.FormatFloat(c.pos[axis], 'f', 3, 64)
	}
	return fmt.Sprintf("<%s|MPos:%s|FS:%s,0>", state, strings.Join(pos, ","), strconv.FormatFloat(feed, 'f', -1, 64))
}

func (c *Controller) write(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		c.logger.Debug("Write failed", zap.Error(err))
	}
}
