package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the default receive buffer size in bytes.
	DefaultBufferSize = 1024
	// readPollTimeout bounds a single serial Read so Close is noticed.
	readPollTimeout = 100 * time.Millisecond
	closeWait       = time.Second
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name        string
	Description string
	USB         bool
	VID         string
	PID         string
}

// Port is a Transport over any io.ReadWriteCloser (a serial port or one end
// of an in-memory pipe). A reader goroutine moves incoming bytes into a
// bounded receive buffer.
type Port struct {
	name    string
	bufSize int
	logger  *zap.Logger

	conn    io.ReadWriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	buf     []byte
	readErr error
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

// Ports returns a list of available serial ports.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]PortInfo, 0, len(details))
		for _, d := range details {
			desc := d.Product
			if desc == "" {
				desc = d.Name
			}
			result = append(result, PortInfo{
				Name:        d.Name,
				Description: desc,
				USB:         d.IsUSB,
				VID:         d.VID,
				PID:         d.PID,
			})
		}
		return result, nil
	}

	// Fall back to plain names when the enumerator is unsupported
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	result := make([]PortInfo, 0, len(names))
	for _, name := range names {
		result = append(result, PortInfo{Name: name, Description: name})
	}
	return result, nil
}

// Open validates cfg and opens the serial port it names.
func Open(cfg config.SerialConfig, logger *zap.Logger) (*Port, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: empty port name", ErrConfigurationInvalid)
	}
	mode, err := Mode(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	if err := conn.SetReadTimeout(readPollTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
	}

	return NewPort(cfg.Port, conn, cfg.RxBufferSize, logger), nil
}

// NewPipe returns two connected in-memory transports.
func NewPipe(bufSize int, logger *zap.Logger) (*Port, *Port) {
	a, b := net.Pipe()
	return NewPort("pipe-a", a, bufSize, logger), NewPort("pipe-b", b, bufSize, logger)
}

// NewPort wraps conn and starts reading from it.
func NewPort(name string, conn io.ReadWriteCloser, bufSize int, logger *zap.Logger) *Port {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Port{
		name:    name,
		bufSize: bufSize,
		logger:  logger.With(zap.String("port", name)),
		conn:    conn,
		buf:     make([]byte, 0, bufSize),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go p.readLoop()

	return p
}

// Name returns the port name.
func (p *Port) Name() string {
	return p.name
}

// WriteBytes writes buf in full.
func (p *Port) WriteBytes(buf []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.isClosed() {
		return 0, ErrClosed
	}

	written := 0
	for written < len(buf) {
		n, err := p.conn.Write(buf[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}
	}
	return written, nil
}

// WriteLine writes s followed by a newline.
func (p *Port) WriteLine(s string) error {
	_, err := p.WriteBytes([]byte(s + "\n"))
	return err
}

// ReadLine implements Transport.
func (p *Port) ReadLine(timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if line, ok := p.takeLine(); ok {
			p.mu.Unlock()
			return line, false, nil
		}
		readErr := p.readErr
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if readErr != nil || remaining <= 0 {
			if partial := p.takeAll(); partial != "" {
				return partial, true, nil
			}
			if readErr != nil {
				return "", false, ErrClosed
			}
			return "", false, ErrReadTimeout
		}

		if timer == nil {
			timer = time.NewTimer(remaining)
		} else {
			timer.Reset(remaining)
		}
		select {
		case <-p.notify:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// ReadByte implements Transport.
func (p *Port) ReadByte() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return 0, false
	}
	b := p.buf[0]
	p.buf = append(p.buf[:0], p.buf[1:]...)
	return b, true
}

// Available implements Transport.
func (p *Port) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// Close closes the connection and stops the reader.
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.conn.Close()

	select {
	case <-p.done:
	case <-time.After(closeWait):
		p.logger.Warn("Reader did not stop after close")
	}

	if err != nil {
		return fmt.Errorf("failed to close %s: %w", p.name, err)
	}
	return nil
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// readLoop moves bytes from the connection into the receive buffer.
func (p *Port) readLoop() {
	defer close(p.done)

	chunk := make([]byte, 256)
	for {
		n, err := p.conn.Read(chunk)
		if n > 0 {
			p.push(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !p.isClosed() {
				p.logger.Error("Error reading from port", zap.Error(err))
			}
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			p.signal()
			return
		}
		if n == 0 && p.isClosed() {
			return
		}
	}
}

// push appends data, dropping the oldest bytes when the buffer is full.
func (p *Port) push(data []byte) {
	p.mu.Lock()
	p.buf = append(p.buf, data...)
	if over := len(p.buf) - p.bufSize; over > 0 {
		p.buf = append(p.buf[:0], p.buf[over:]...)
		p.mu.Unlock()
		p.logger.Warn("Receive buffer full, dropping bytes", zap.Int("dropped", over))
	} else {
		p.mu.Unlock()
	}
	p.signal()
}

func (p *Port) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// takeLine removes and returns the first non-empty terminated line.
// Caller must hold p.mu.
func (p *Port) takeLine() (string, bool) {
	for {
		idx := -1
		for i, b := range p.buf {
			if b == '\n' || b == '\r' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", false
		}
		line := string(p.buf[:idx])
		p.buf = append(p.buf[:0], p.buf[idx+1:]...)
		if line != "" {
			return line, true
		}
	}
}

// takeAll drains the receive buffer.
func (p *Port) takeAll() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := string(p.buf)
	p.buf = p.buf[:0]
	return s
}
