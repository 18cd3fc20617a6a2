// Package transport provides the byte-level duplex channel shared by the
// scale and motor controller links, with line framing helpers on top.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/godoser/pkg/config"
	"go.bug.st/serial"
)

var (
	// ErrConfigurationInvalid is returned for unsupported frame formats.
	ErrConfigurationInvalid = errors.New("transport: invalid configuration")
	// ErrWriteFailed wraps failed writes.
	ErrWriteFailed = errors.New("transport: write failed")
	// ErrReadTimeout is returned when no data arrived before the deadline.
	ErrReadTimeout = errors.New("transport: read timeout")
	// ErrClosed is returned after the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Transport is a duplex byte stream with line framing.
type Transport interface {
	// WriteBytes writes buf in full.
	WriteBytes(buf []byte) (int, error)
	// WriteLine writes s followed by "\n".
	WriteLine(s string) error
	// ReadLine returns the next line terminated by '\n' or '\r', without the
	// terminator. On timeout the partial data accumulated so far is returned
	// with truncated set; with no data at all ErrReadTimeout is returned.
	ReadLine(timeout time.Duration) (line string, truncated bool, err error)
	// ReadByte pops one byte from the receive buffer without blocking.
	ReadByte() (byte, bool)
	// Available returns the number of buffered bytes.
	Available() int
	Close() error
}

var _ Transport = (*Port)(nil)

// Mode validates cfg and converts it into a serial mode.
func Mode(cfg config.SerialConfig) (*serial.Mode, error) {
	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("%w: baud rate %d", ErrConfigurationInvalid, cfg.BaudRate)
	}
	if cfg.DataBits < 5 || cfg.DataBits > 8 {
		return nil, fmt.Errorf("%w: data bits %d", ErrConfigurationInvalid, cfg.DataBits)
	}
	if cfg.RxBufferSize < 0 {
		return nil, fmt.Errorf("%w: rx buffer size %d", ErrConfigurationInvalid, cfg.RxBufferSize)
	}

	var parity serial.Parity
	switch cfg.Parity {
	case "", "none", "N":
		parity = serial.NoParity
	case "odd", "O":
		parity = serial.OddParity
	case "even", "E":
		parity = serial.EvenParity
	case "mark", "M":
		parity = serial.MarkParity
	case "space", "S":
		parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("%w: parity %q", ErrConfigurationInvalid, cfg.Parity)
	}

	var stopBits serial.StopBits
	switch cfg.StopBits {
	case "", "1":
		stopBits = serial.OneStopBit
	case "1.5":
		// UARTs only generate 1.5 stop bits for 5-bit frames
		if cfg.DataBits != 5 {
			return nil, fmt.Errorf("%w: 1.5 stop bits require 5 data bits", ErrConfigurationInvalid)
		}
		stopBits = serial.OnePointFiveStopBits
	case "2":
		if cfg.DataBits == 5 {
			return nil, fmt.Errorf("%w: 2 stop bits with 5 data bits", ErrConfigurationInvalid)
		}
		stopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: stop bits %q", ErrConfigurationInvalid, cfg.StopBits)
	}

	return &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}
