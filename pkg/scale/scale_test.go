package scale

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records writes and serves queued lines.
type fakeTransport struct {
	mu       sync.Mutex
	writes   [][]byte
	lines    []string
	writeErr error
	attempts int
}

func (f *fakeTransport) WriteBytes(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeTransport) WriteLine(s string) error {
	_, err := f.WriteBytes([]byte(s + "\n"))
	return err
}

func (f *fakeTransport) ReadLine(timeout time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) == 0 {
		return "", false, transport.ErrReadTimeout
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, false, nil
}

func (f *fakeTransport) ReadByte() (byte, bool) { return 0, false }
func (f *fakeTransport) Available() int         { return 0 }
func (f *fakeTransport) Close() error           { return nil }

func (f *fakeTransport) queue(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
}

func (f *fakeTransport) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func noSleep(time.Duration) {}

func TestEncodeBurst(t *testing.T) {
	cfg := config.Default().Scale

	burst := EncodeBurst(cfg.Command, cfg.Repeats)
	require.Len(t, burst, 130)

	want := []byte{'@', 'P', '<', 'C', 'R', '>', '<', 'L', 'F', '>'}
	for i := 0; i < 13; i++ {
		assert.Equal(t, want, burst[i*10:(i+1)*10], "repetition %d", i)
	}
	assert.NotContains(t, string(burst), "\r")
	assert.NotContains(t, string(burst), "\n")

	assert.Nil(t, EncodeBurst(cfg.Command, 0))
}

func TestSendBurst(t *testing.T) {
	cfg := config.Default().Scale
	ft := &fakeTransport{}

	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	p := New(ft, cfg, nil, WithSleep(func(d time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
	}))

	require.NoError(t, p.SendBurst(context.Background()))

	// One write per byte, 130 bytes, exactly the encoded burst
	assert.Len(t, ft.writes, 130)
	assert.Equal(t, EncodeBurst(cfg.Command, cfg.Repeats), ft.written())

	// 7 ms after every byte, 9 ms after every command
	require.Len(t, sleeps, 130+13)
	for i := 0; i < 13; i++ {
		chunk := sleeps[i*11 : (i+1)*11]
		for j := 0; j < 10; j++ {
			assert.Equal(t, 7*time.Millisecond, chunk[j])
		}
		assert.Equal(t, 9*time.Millisecond, chunk[10])
	}
}

func TestSendBurst_Cancelled(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, config.Default().Scale, nil, WithSleep(noSleep))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.SendBurst(ctx), context.Canceled)
	assert.Empty(t, ft.writes)
}

func TestParseWeightLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantValue float64
		wantUnit  string
		wantOK    bool
	}{
		{name: "signed with unit", line: "+0012.34 g", wantValue: 12.34, wantUnit: "g", wantOK: true},
		{name: "negative", line: "-3.5 kg", wantValue: -3.5, wantUnit: "kg", wantOK: true},
		{name: "integer", line: "42g", wantValue: 42, wantUnit: "g", wantOK: true},
		{name: "no unit", line: "  7.25  ", wantValue: 7.25, wantUnit: "", wantOK: true},
		{name: "prefix text", line: "ST,GS,  +10.10 g", wantValue: 10.10, wantUnit: "g", wantOK: true},
		{name: "unit with spaces", line: "10.0 g  S ", wantValue: 10.0, wantUnit: "g  S", wantOK: true},
		{name: "first number wins", line: "1.5 g 2.5 g", wantValue: 1.5, wantUnit: "g 2.5 g", wantOK: true},
		{name: "no digits", line: "ERR g", wantOK: false},
		{name: "empty", line: "", wantOK: false},
		{name: "sign only", line: "+ g", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, unit, ok := ParseWeightLine(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.wantValue, value, 1e-9)
				assert.Equal(t, tt.wantUnit, unit)
			}
		})
	}
}

func TestParseWeightLine_RoundTrip(t *testing.T) {
	for _, sign := range []string{"", "+", "-"} {
		for _, whole := range []int{0, 7, 12, 1234} {
			for _, frac := range []string{"0", "05", "34", "999"} {
				for _, unit := range []string{"g", "kg", "oz", "ct"} {
					number := fmt.Sprintf("%s%d.%s", sign, whole, frac)
					line := number + " " + unit

					value, gotUnit, ok := ParseWeightLine(line)
					require.True(t, ok, line)

					want, err := strconv.ParseFloat(number, 64)
					require.NoError(t, err)
					assert.Equal(t, want, value, line)
					assert.Equal(t, unit, gotUnit, line)
				}
			}
		}
	}
}

func TestSample_Grams(t *testing.T) {
	assert.Equal(t, 10.0, Sample{Value: 10, Unit: "g"}.Grams())
	assert.Equal(t, 1500.0, Sample{Value: 1.5, Unit: "kg"}.Grams())
	assert.Equal(t, 0.25, Sample{Value: 250, Unit: "mg"}.Grams())
	assert.Equal(t, 3.0, Sample{Value: 3}.Grams())
}

func TestReadWindow_LastSampleWins(t *testing.T) {
	host, scale := transport.NewPipe(0, nil)
	defer host.Close()
	defer scale.Close()

	cfg := config.Default().Scale
	p := New(host, cfg, nil, WithSleep(noSleep))

	_, err := scale.WriteBytes([]byte("+0001.00 g\r\ngarbage\r\n+0002.50 g\r\n+0003.75 g\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.Available() > 40 }, time.Second, time.Millisecond)

	s, ok := p.ReadWindow(context.Background())
	require.True(t, ok)
	assert.Equal(t, 3.75, s.Value)
	assert.Equal(t, "g", s.Unit)
	assert.Equal(t, "+0003.75 g", s.Raw)
}

func TestReadWindow_PartialLineDiscarded(t *testing.T) {
	host, scale := transport.NewPipe(0, nil)
	defer host.Close()
	defer scale.Close()

	cfg := config.Default().Scale
	cfg.ReadWindow = 30 * time.Millisecond
	p := New(host, cfg, nil)

	_, err := scale.WriteBytes([]byte("+0001.00 g\r\n+0009"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return host.Available() > 15 }, time.Second, time.Millisecond)

	s, ok := p.ReadWindow(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1.0, s.Value)
}

func TestPoll_NoSampleKeepsPrevious(t *testing.T) {
	ft := &fakeTransport{}
	cfg := config.Default().Scale
	cfg.FaultAfterMisses = 2

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := New(ft, cfg, nil, WithSleep(noSleep), WithClock(func() time.Time { return now }))

	ft.queue("+0005.00 g")
	s, ok, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Value)
	assert.NoError(t, p.Health())

	// Two empty windows: sample kept, health degraded
	for i := 0; i < 2; i++ {
		_, ok, err = p.Poll(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
	}
	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, latest.Value)
	assert.ErrorIs(t, p.Health(), ErrNoWeightParsed)

	// A new sample restores health
	ft.queue("+0006.00 g")
	_, ok, err = p.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, p.Health())
}

func TestStale(t *testing.T) {
	ft := &fakeTransport{}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := New(ft, config.Default().Scale, nil, WithSleep(noSleep), WithClock(func() time.Time { return now }))

	assert.True(t, p.Stale(now), "no sample yet")

	ft.queue("1.0 g")
	_, ok, err := p.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, p.Stale(now.Add(time.Second)))
	assert.False(t, p.Stale(now.Add(2*time.Second)))
	assert.True(t, p.Stale(now.Add(2*time.Second+time.Millisecond)))
}

func TestSubscribe(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, config.Default().Scale, nil, WithSleep(noSleep))

	ch, unsubscribe := p.Subscribe(4)

	ft.queue("1.0 g", "2.0 g")
	_, _, err := p.Poll(context.Background())
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Equal(t, 2.0, s.Value)
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic
	ft.queue("3.0 g")
	_, _, err = p.Poll(context.Background())
	require.NoError(t, err)
}

func TestRun_PauseResume(t *testing.T) {
	ft := &fakeTransport{}
	cfg := config.Default().Scale
	cfg.ReadWindow = time.Millisecond
	p := New(ft, cfg, nil, WithSleep(noSleep))
	p.SetInterBurstDelay(time.Millisecond)
	assert.Equal(t, time.Millisecond, p.InterBurstDelay())

	p.Pause()
	assert.True(t, p.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ft.written(), "paused poller must not send")

	p.Resume()
	assert.False(t, p.Paused())
	require.Eventually(t, func() bool { return len(ft.written()) >= 130 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestTare(t *testing.T) {
	ft := &fakeTransport{}
	p := New(ft, config.Default().Scale, nil)

	require.NoError(t, p.Tare(context.Background()))
	assert.Equal(t, []byte("T\r\n"), ft.written())
}

func TestAverage(t *testing.T) {
	tests := []struct {
		name   string
		window int
		in     []Sample
		want   []float64
	}{
		{"window one", 1, []Sample{{Value: 1}, {Value: 3}}, []float64{1, 3}},
		{"sliding", 2, []Sample{{Value: 1}, {Value: 3}, {Value: 5}}, []float64{1, 2, 4}},
		{"units", 3, []Sample{{Value: 1, Unit: "kg"}, {Value: 500, Unit: "mg"}}, []float64{1000, 500.25}},
		{"zero window", 0, []Sample{{Value: 2}, {Value: 4}}, []float64{2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make(chan Sample)
			out := Average(in, tt.window, 1)

			for i, s := range tt.in {
				s.Raw = strconv.Itoa(i)
				in <- s
				got := <-out
				assert.InDelta(t, tt.want[i], got.Value, 1e-9)
				assert.Equal(t, "g", got.Unit)
				assert.Equal(t, s.Raw, got.Raw)
			}

			close(in)
			_, open := <-out
			assert.False(t, open)
		})
	}
}

func TestRun_BacksOffOnDeadLink(t *testing.T) {
	ft := &fakeTransport{writeErr: transport.ErrWriteFailed}
	cfg := config.Default().Scale
	cfg.ReadWindow = 10 * time.Millisecond
	cfg.StaleAfter = 40 * time.Millisecond
	p := New(ft, cfg, nil, WithSleep(noSleep))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)

	// 10, 20, 40, 40... ms between attempts
	ft.mu.Lock()
	attempts := ft.attempts
	ft.mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 3)
	assert.LessOrEqual(t, attempts, 10)
}

func TestNextBackoff(t *testing.T) {
	cfg := config.Default().Scale
	cfg.ReadWindow = 160 * time.Millisecond
	cfg.StaleAfter = time.Second
	p := New(&fakeTransport{}, cfg, nil)

	tests := []struct {
		name       string
		prev       time.Duration
		interBurst time.Duration
		want       time.Duration
	}{
		{"first uses read window", 0, 0, 160 * time.Millisecond},
		{"first uses longer inter-burst delay", 0, 300 * time.Millisecond, 300 * time.Millisecond},
		{"doubles", 160 * time.Millisecond, 0, 320 * time.Millisecond},
		{"capped at stale limit", 640 * time.Millisecond, 0, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.nextBackoff(tt.prev, tt.interBurst))
		})
	}
}
