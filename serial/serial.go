// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package serial reads newline-terminated lines from the sensor microcontroller.
package serial

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"go.bug.st/serial"
)

// ErrTimeout is returned by ReadLine when no complete line arrived within the read timeout
var ErrTimeout = errors.New("serial: read timeout")

// MaxLineLength is the maximum length of a line. Longer lines are discarded.
var MaxLineLength = 256

// Config for the serial port
type Config struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	ResetDelay  time.Duration
}

// DefaultConfig matches the sketch running on the microcontroller
var DefaultConfig = Config{
	BaudRate:    9600,
	ReadTimeout: 100 * time.Millisecond,
	ResetDelay:  time.Second,
}

// LineReader reads lines
type LineReader interface {
	ReadLine() ([]byte, error)
	Close() error
}

// port is the subset of serial.Port used by the Reader
type port interface {
	Read(p []byte) (int, error)
	SetDTR(dtr bool) error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Reader reads lines from a serial port
type Reader struct {
	ctx     log.Interface
	port    port
	timeout time.Duration
	buf     []byte
	chunk   []byte
	sleep   func(time.Duration)
}

// Open the serial port, reset the microcontroller and switch to short read timeouts
func Open(config Config, ctx log.Interface) (*Reader, error) {
	if config.Port == "" {
		return nil, errors.New("serial: no port configured")
	}
	if config.BaudRate == 0 {
		config.BaudRate = DefaultConfig.BaudRate
	}
	p, err := serial.Open(config.Port, &serial.Mode{BaudRate: config.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("serial: could not open %s: %w", config.Port, err)
	}
	r := newReader(p, config, ctx.WithField("Port", config.Port))
	if err := r.reset(config.ResetDelay); err != nil {
		p.Close()
		return nil, err
	}
	return r, nil
}

func newReader(p port, config Config, ctx log.Interface) *Reader {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig.ReadTimeout
	}
	return &Reader{
		ctx:     ctx,
		port:    p,
		timeout: config.ReadTimeout,
		chunk:   make([]byte, 64),
		sleep:   time.Sleep,
	}
}

// reset toggles DTR, which restarts the microcontroller, and drops everything it sent before
func (r *Reader) reset(delay time.Duration) error {
	r.ctx.Debug("Resetting serial line")
	if err := r.port.SetDTR(false); err != nil {
		return fmt.Errorf("serial: could not clear DTR: %w", err)
	}
	r.sleep(delay)
	if err := r.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial: could not flush input: %w", err)
	}
	if err := r.port.SetDTR(true); err != nil {
		return fmt.Errorf("serial: could not set DTR: %w", err)
	}
	if err := r.port.SetReadTimeout(r.timeout); err != nil {
		return fmt.Errorf("serial: could not set read timeout: %w", err)
	}
	return nil
}

// ReadLine returns the next line without its line ending. It blocks up to the read timeout
// and returns ErrTimeout if no complete line is available by then.
func (r *Reader) ReadLine() ([]byte, error) {
	if line, ok := r.next(); ok {
		return line, nil
	}
	n, err := r.port.Read(r.chunk)
	if err != nil {
		return nil, fmt.Errorf("serial: read failed: %w", err)
	}
	if n == 0 {
		return nil, ErrTimeout
	}
	r.buf = append(r.buf, r.chunk[:n]...)
	if line, ok := r.next(); ok {
		return line, nil
	}
	if len(r.buf) > MaxLineLength {
		r.ctx.WithField("Length", len(r.buf)).Warn("Discarding overlong serial line")
		r.buf = r.buf[:0]
	}
	return nil, ErrTimeout
}

func (r *Reader) next() ([]byte, bool) {
	i := bytes.IndexByte(r.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := bytes.TrimRight(r.buf[:i], "\r")
	out := make([]byte, len(line))
	copy(out, line)
	r.buf = append(r.buf[:0], r.buf[i+1:]...)
	return out, true
}

// Close the serial port
func (r *Reader) Close() error {
	return r.port.Close()
}
