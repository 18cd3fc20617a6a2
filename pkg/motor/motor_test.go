package motor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/journal"
	"github.com/itohio/godoser/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantState State
		wantSub   string
		wantPos   map[Axis]float64
		wantFeed  float64
		wantErr   bool
	}{
		{
			name:      "full report",
			line:      "<Run|MPos:1.000,2.500,0.000,10.250|FS:150,0>",
			wantState: StateRun,
			wantPos:   map[Axis]float64{AxisX: 1, AxisY: 2.5, AxisZ: 0, AxisA: 10.25},
			wantFeed:  150,
		},
		{
			name:      "partial axes",
			line:      "<Idle|MPos:1.5,2.5|FS:0,0>",
			wantState: StateIdle,
			wantPos:   map[Axis]float64{AxisX: 1.5, AxisY: 2.5},
		},
		{
			name:      "no positions",
			line:      "<Idle|FS:0,0>",
			wantState: StateIdle,
			wantPos:   map[Axis]float64{},
		},
		{
			name:      "stops at non-numeric",
			line:      "<Jog|MPos:1,abc,3|FS:20,0>",
			wantState: StateJog,
			wantPos:   map[Axis]float64{AxisX: 1},
			wantFeed:  20,
		},
		{
			name:      "extra axes ignored",
			line:      "<Run|MPos:1,2,3,4,5,6|FS:1,0>",
			wantState: StateRun,
			wantPos:   map[Axis]float64{AxisX: 1, AxisY: 2, AxisZ: 3, AxisA: 4},
			wantFeed:  1,
		},
		{
			name:      "hold substate with extra fields",
			line:      "<Hold:0|MPos:5.000,0.000,0.000|Bf:15,127|FS:0,0|WCO:0.000,0.000,0.000>",
			wantState: StateHold,
			wantSub:   "0",
			wantPos:   map[Axis]float64{AxisX: 5, AxisY: 0, AxisZ: 0},
		},
		{
			name:      "feed only",
			line:      "<Alarm|MPos:0,0,0,0|F:0>",
			wantState: StateAlarm,
			wantPos:   map[Axis]float64{AxisX: 0, AxisY: 0, AxisZ: 0, AxisA: 0},
		},
		{
			name:      "homing",
			line:      "<Home|MPos:0,0,0,0|FS:500,0>",
			wantState: StateHome,
			wantPos:   map[Axis]float64{AxisX: 0, AxisY: 0, AxisZ: 0, AxisA: 0},
			wantFeed:  500,
		},
		{
			name:      "unknown state",
			line:      "<Door:1|MPos:0,0|FS:0,0>",
			wantState: StateUnknown,
			wantSub:   "1",
			wantPos:   map[Axis]float64{AxisX: 0, AxisY: 0},
		},
		{name: "no brackets", line: "Idle|MPos:0,0,0,0", wantErr: true},
		{name: "empty brackets", line: "<>", wantErr: true},
		{name: "missing state", line: "<|MPos:1,2>", wantErr: true},
		{name: "bad feed", line: "<Run|MPos:1|FS:fast,0>", wantErr: true},
		{name: "ok line", line: "ok", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStatusLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedStatusLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantSub, got.SubState)
			assert.Equal(t, tt.wantPos, got.Positions)
			assert.Equal(t, tt.wantFeed, got.Feed)
			assert.Equal(t, tt.line, got.Raw)
		})
	}
}

func TestParseStatusLine_PartialAxesUnset(t *testing.T) {
	s, err := ParseStatusLine("<Idle|MPos:1.5,2.5|FS:0,0>")
	require.NoError(t, err)

	x, ok := s.Position(AxisX)
	assert.True(t, ok)
	assert.Equal(t, 1.5, x)
	y, ok := s.Position(AxisY)
	assert.True(t, ok)
	assert.Equal(t, 2.5, y)

	_, ok = s.Position(AxisZ)
	assert.False(t, ok)
	_, ok = s.Position(AxisA)
	assert.False(t, ok)
	assert.Len(t, s.Positions, 2)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line     string
		wantKind Kind
		wantCode int
	}{
		{"<Idle|MPos:0,0,0,0|FS:0,0>", KindStatus, 0},
		{"ok", KindAck, 0},
		{" ok\r", KindAck, 0},
		{"error:9", KindError, 9},
		{"error:bad", KindError, -1},
		{"ALARM:3", KindAlarm, 3},
		{"[MSG:Caution: Unlocked]", KindInfo, 0},
		{"Grbl 1.1h ['$' for help]", KindInfo, 0},
		{"looks ok to me", KindInfo, 0},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			kind, code := Classify(tt.line)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, kind == KindAck || kind == KindError || kind == KindAlarm, kind.Terminator())
		})
	}
}

func TestGCodeBuilders(t *testing.T) {
	assert.Equal(t, "G92 X0", Zero(AxisX))
	assert.Equal(t, "G1 X200 F150", Move(AxisX, 200, 150))
	assert.Equal(t, "G1 A1000 F300", Move(AxisA, 1000, 300))
	assert.Equal(t, "G1 Y66.667 F133.333", Move(AxisY, 200.0/3, 400.0/3))

	assert.Equal(t, "G92 X0 Y0 Z0 A0", ZeroAll(AxisA, AxisZ, AxisY, AxisX))
	assert.Equal(t, "G92 X0 A0", ZeroAll(AxisA, AxisX))
	assert.Equal(t, "G1 X100 Y60 A20 F120", MoveAll(map[Axis]float64{AxisA: 20, AxisX: 100, AxisY: 60}, 120))
}

func TestParseAxis(t *testing.T) {
	a, err := ParseAxis(" z ")
	require.NoError(t, err)
	assert.Equal(t, AxisZ, a)

	_, err = ParseAxis("B")
	assert.Error(t, err)
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Result{Kind: ResultAck}.Err("G1"))

	err := Result{Kind: ResultError, Code: 9}.Err("G1 X1 F1")
	assert.ErrorIs(t, err, ErrCommandRejected)
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 9, fault.Code)

	assert.ErrorIs(t, Result{Kind: ResultAlarm, Code: 1}.Err("$H"), ErrAlarm)
	assert.ErrorIs(t, Result{Kind: ResultTimeout}.Err("$X"), ErrCommandTimeout)
}

// peer is a scripted controller on the far end of a pipe.
type peer struct {
	port *transport.Port

	mu       sync.Mutex
	lines    []string
	realtime []byte
	onLine   func(line string) []string
	onByte   func(b byte) []string

	stop chan struct{}
	done chan struct{}
}

func newPeer(t *testing.T, onLine func(string) []string, onByte func(byte) []string) (*Channel, *peer) {
	t.Helper()

	host, far := transport.NewPipe(0, nil)
	p := &peer{port: far, onLine: onLine, onByte: onByte, stop: make(chan struct{}), done: make(chan struct{})}
	go p.run()

	cfg := config.Default().Motor
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.StatusTimeout = 200 * time.Millisecond
	cfg.ResetSettle = 30 * time.Millisecond
	c := NewChannel(host, cfg, nil)

	t.Cleanup(func() {
		close(p.stop)
		c.Close()
		far.Close()
		<-p.done
	})
	return c, p
}

func (p *peer) run() {
	defer close(p.done)

	var line []byte
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		b, ok := p.port.ReadByte()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}

		switch b {
		case '\n':
			cmd := string(line)
			line = line[:0]
			p.mu.Lock()
			p.lines = append(p.lines, cmd)
			p.mu.Unlock()
			if p.onLine != nil {
				p.reply(p.onLine(cmd))
			}
		case RealtimeStatus, RealtimeFeedHold, RealtimeResume, RealtimeReset:
			p.mu.Lock()
			p.realtime = append(p.realtime, b)
			p.mu.Unlock()
			if p.onByte != nil {
				p.reply(p.onByte(b))
			}
		default:
			line = append(line, b)
		}
	}
}

func (p *peer) reply(lines []string) {
	for _, l := range lines {
		p.port.WriteBytes([]byte(l + "\r\n"))
	}
}

func (p *peer) received() ([]string, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...), append([]byte(nil), p.realtime...)
}

func alwaysOk(string) []string { return []string{"ok"} }

func TestChannel_SendAndAwait(t *testing.T) {
	c, p := newPeer(t, func(line string) []string {
		if strings.HasPrefix(line, "G1") {
			return []string{"error:9"}
		}
		return []string{"ok"}
	}, nil)

	r, err := c.SendAndAwait(context.Background(), "G92 X0", 0)
	require.NoError(t, err)
	assert.Equal(t, ResultAck, r.Kind)

	r, err = c.SendAndAwait(context.Background(), "G1 X10 F150", 0)
	require.NoError(t, err)
	assert.Equal(t, ResultError, r.Kind)
	assert.Equal(t, 9, r.Code)

	lines, _ := p.received()
	assert.Equal(t, []string{"G92 X0", "G1 X10 F150"}, lines)
	assert.Equal(t, 0, c.Pending())
}

func TestChannel_FireAndForgetOkNotReused(t *testing.T) {
	var (
		mu       sync.Mutex
		received int
	)
	c, _ := newPeer(t, func(line string) []string {
		mu.Lock()
		defer mu.Unlock()
		received++
		if received == 1 {
			return nil
		}
		return []string{"ok", "error:20"}
	}, nil)

	require.NoError(t, c.Send("G92 Y0"))
	r, err := c.SendAndAwait(context.Background(), "G1 Y5 F100", 0)
	require.NoError(t, err)

	// The first terminator belongs to the earlier Send
	assert.Equal(t, ResultError, r.Kind)
	assert.Equal(t, 20, r.Code)
}

func TestChannel_Timeout(t *testing.T) {
	c, _ := newPeer(t, func(string) []string { return nil }, nil)

	r, err := c.SendAndAwait(context.Background(), "$H", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, r.Kind)
	assert.ErrorIs(t, r.Err("$H"), ErrCommandTimeout)
}

func TestChannel_Cancelled(t *testing.T) {
	c, _ := newPeer(t, func(string) []string { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.SendAndAwait(ctx, "$H", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChannel_QueryStatus(t *testing.T) {
	var observed []Status
	var mu sync.Mutex

	c, p := newPeer(t, alwaysOk, func(b byte) []string {
		if b == RealtimeStatus {
			return []string{"<Run|MPos:12.500,0.000,0.000,0.000|FS:150,0>"}
		}
		return nil
	})
	c.OnStatus(func(s Status) {
		mu.Lock()
		observed = append(observed, s)
		mu.Unlock()
	})

	s, err := c.QueryStatus(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateRun, s.State)
	assert.Equal(t, 12.5, s.Positions[AxisX])
	assert.Equal(t, 150.0, s.Feed)

	last, ok := c.LastStatus()
	require.True(t, ok)
	assert.Equal(t, s, last)

	_, realtime := p.received()
	assert.Equal(t, []byte{'?'}, realtime)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, time.Second, time.Millisecond)

	// The query byte has no newline, so no slot was queued
	assert.Equal(t, 0, c.Pending())
}

func TestChannel_QueryStatusTimeout(t *testing.T) {
	c, _ := newPeer(t, alwaysOk, nil)

	_, err := c.QueryStatus(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.statusWaiters)
}

func TestChannel_QueryStatusWriteFailed(t *testing.T) {
	c, _ := newPeer(t, alwaysOk, nil)
	require.NoError(t, c.t.Close())

	_, err := c.QueryStatus(context.Background(), time.Second)
	assert.ErrorIs(t, err, transport.ErrClosed)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.statusWaiters)
}

func TestChannel_RealtimeCommands(t *testing.T) {
	c, p := newPeer(t, alwaysOk, nil)

	require.NoError(t, c.FeedHold())
	require.NoError(t, c.Resume())

	require.Eventually(t, func() bool {
		_, rt := p.received()
		return len(rt) == 2
	}, time.Second, time.Millisecond)
	lines, rt := p.received()
	assert.Equal(t, []byte{'!', '~'}, rt)
	assert.Empty(t, lines)
}

func TestChannel_Reset(t *testing.T) {
	var alarms []Alarm
	var mu sync.Mutex

	c, p := newPeer(t, func(line string) []string {
		if line == "$X" {
			return []string{"[MSG:Caution: Unlocked]", "ok"}
		}
		return nil
	}, func(b byte) []string {
		if b == RealtimeReset {
			return []string{"ALARM:3", "Grbl 1.1h ['$' for help]"}
		}
		return nil
	})
	c.OnAlarm(func(a Alarm) {
		mu.Lock()
		alarms = append(alarms, a)
		mu.Unlock()
	})

	// An unanswered command is dropped by the reset
	require.NoError(t, c.Send("G1 X1000 F300"))
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.Reset(context.Background()))
	assert.Equal(t, 0, c.Pending())

	lines, rt := p.received()
	assert.Equal(t, []string{"G1 X1000 F300", "$X"}, lines)
	assert.Equal(t, []byte{RealtimeReset}, rt)

	mu.Lock()
	assert.Empty(t, alarms, "reset alarm is expected and not forwarded")
	mu.Unlock()
}

func TestChannel_ResetFailureIsRetryable(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)
	c, _ := newPeer(t, func(line string) []string {
		if line != "$X" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return nil
		}
		return []string{"ok"}
	}, nil)

	err := c.Reset(context.Background())
	assert.ErrorIs(t, err, ErrCommandTimeout)

	assert.NoError(t, c.Reset(context.Background()))
}

func TestChannel_UnsolicitedAlarm(t *testing.T) {
	c, p := newPeer(t, alwaysOk, nil)

	got := make(chan Alarm, 1)
	c.OnAlarm(func(a Alarm) { got <- a })

	p.reply([]string{"ALARM:1"})

	select {
	case a := <-got:
		assert.Equal(t, 1, a.Code)
		assert.Equal(t, "ALARM:1", a.Raw)
	case <-time.After(time.Second):
		t.Fatal("alarm not delivered")
	}
}

func TestChannel_Info(t *testing.T) {
	c, _ := newPeer(t, func(line string) []string {
		switch line {
		case "$I":
			return []string{"[VER:3.7.8 FluidNC]", "[OPT:PHS]", "ok"}
		case "$$":
			return []string{"$0=10", "$1=25", "ok"}
		}
		return []string{"error:3"}
	}, nil)

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"[VER:3.7.8 FluidNC]", "[OPT:PHS]"}, info)

	settings, err := c.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"$0=10", "$1=25"}, settings)
}

func TestChannel_Home(t *testing.T) {
	c, _ := newPeer(t, func(line string) []string {
		if line == "$H" {
			return []string{"ALARM:9"}
		}
		return []string{"ok"}
	}, nil)

	err := c.Home(context.Background())
	assert.ErrorIs(t, err, ErrAlarm)
}

func TestChannel_RecordsCommands(t *testing.T) {
	host, far := transport.NewPipe(0, nil)
	p := &peer{port: far, onLine: alwaysOk, stop: make(chan struct{}), done: make(chan struct{})}
	go p.run()

	ring := journal.NewRing(10)
	c := NewChannel(host, config.Default().Motor, nil, WithRecorder(ring))
	defer func() {
		close(p.stop)
		c.Close()
		far.Close()
		<-p.done
	}()

	_, err := c.SendAndAwait(context.Background(), "G92 Z0", 0)
	require.NoError(t, err)
	_, err = c.SendAndAwait(context.Background(), "G1 Z10 F150", 0)
	require.NoError(t, err)

	entries := ring.Last(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "G92 Z0", entries[0].Command)
	assert.Equal(t, "ok", entries[0].Response)
	assert.True(t, entries[1].Success)
	assert.Equal(t, 2, ring.Stats().Succeeded)
}
