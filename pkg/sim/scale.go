package sim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"github.com/itohio/godoser/pkg/transport"
	"go.uber.org/zap"
)

// Scale simulates a bench scale answering weight requests. The weight on
// the pan follows source, usually the volume pumped by a simulated
// controller.
type Scale struct {
	conn    io.ReadWriteCloser
	command []byte
	tare    []byte
	density float64
	noise   float64
	source  func() float64 // ml
	logger  *zap.Logger

	mu     sync.Mutex
	start  time.Time
	base   float64 // g
	offset float64 // g, set by tare
	frames int

	wg sync.WaitGroup
}

// NewScale starts a simulated scale and returns it with the host side of
// its serial line. source returns the dispensed volume in ml.
func NewScale(cfg config.ScaleConfig, mock config.MockConfig, source func() float64, logger *zap.Logger) (*Scale, *transport.Port) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, device := net.Pipe()

	s := newScale(device, cfg, mock, source, logger)
	s.wg.Add(1)
	go s.serve()

	return s, transport.NewPort("sim-scale", host, 0, logger)
}

func newScale(conn io.ReadWriteCloser, cfg config.ScaleConfig, mock config.MockConfig, source func() float64, logger *zap.Logger) *Scale {
	density := mock.DensityGPerMl
	if density <= 0 {
		density = 1
	}
	if source == nil {
		source = func() float64 { return 0 }
	}
	return &Scale{
		conn:    conn,
		command: []byte(cfg.Command),
		tare:    []byte(cfg.TareCommand),
		density: density,
		noise:   mock.NoiseLevel,
		source:  source,
		logger:  logger.Named("sim-scale"),
		start:   time.Now(),
		base:    mock.StartWeightG,
	}
}

// Close stops the simulated scale.
func (s *Scale) Close() error {
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// Weight returns the weight currently shown by the scale in grams.
func (s *Scale) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weightLocked(time.Now())
}

// Frames returns the number of weight requests answered.
func (s *Scale) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Scale) weightLocked(now time.Time) float64 {
	w := s.base + s.source()*s.density - s.offset
	if s.noise > 0 {
		elapsed := float64(now.Sub(s.start).Nanoseconds())
		w += (math.Sin(elapsed*0.001) + math.Cos(elapsed*0.0013)) * s.noise * 0.5
	}
	return w
}

// serve answers every complete command frame with one weight line and
// tares on the tare command. Bytes that never form a frame are discarded.
func (s *Scale) serve() {
	defer s.wg.Done()

	r := bufio.NewReader(s.conn)
	limit := 4 * max(len(s.command), len(s.tare), 1)
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		buf = append(buf, b)

		switch {
		case len(s.command) > 0 && bytes.HasSuffix(buf, s.command):
			buf = buf[:0]
			s.respond()
		case len(s.tare) > 0 && bytes.HasSuffix(buf, s.tare):
			buf = buf[:0]
			s.doTare()
		case len(buf) > limit:
			buf = buf[len(buf)-limit/2:]
		}
	}
}

func (s *Scale) respond() {
	s.mu.Lock()
	w := s.weightLocked(time.Now())
	s.frames++
	s.mu.Unlock()

	if _, err := fmt.Fprintf(s.conn, "%+08.2f g\r\n", w); err != nil {
		s.logger.Debug("Write failed", zap.Error(err))
	}
}

func (s *Scale) doTare() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = s.base + s.source()*s.density
	s.logger.Debug("Tared", zap.Float64("offset", s.offset))
}
