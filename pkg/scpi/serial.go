// Package scpi provides a line-oriented command connection to bench
// instruments over a serial port.
package scpi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is the factory RS-232 rate of Keithley SMUs.
	DefaultBaudRate = 9600
	// DefaultTimeout bounds how long a query waits for its reply line.
	DefaultTimeout = 2 * time.Second
	// pollInterval is the serial read timeout used while waiting for a reply.
	pollInterval = 50 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the port has not been opened.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when no complete reply line arrives in time.
	ErrTimeout = errors.New("reply timeout")
)

// Conn is a command/response connection to an instrument.
type Conn interface {
	// Write sends one command line.
	Write(format string, args ...any) error
	// Query sends one command line and returns the trimmed reply line.
	Query(format string, args ...any) (string, error)
	// QueryFloat sends one command line and parses the reply as a number.
	QueryFloat(format string, args ...any) (float64, error)
}

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is a Conn over a serial port. Commands are newline terminated.
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration
	log      *zap.Logger

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	pending   []byte // bytes received past the last reply line
	connected bool
}

var _ Conn = (*Serial)(nil)

// Option configures a Serial.
type Option func(*Serial)

// WithLogger logs every command and reply at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(s *Serial) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a new Serial instance with the specified port, baud rate and
// reply timeout. Zero values select the defaults.
func New(port string, baudRate int, timeout time.Duration, opts ...Option) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	s := &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the serial port.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", s.port, err)
	}

	s.attach(port)
	s.log.Info("serial port opened", zap.String("port", s.port), zap.Int("baud", s.baudRate))
	return nil
}

// attach uses rw as the open port. Must be called with mu held.
func (s *Serial) attach(rw io.ReadWriteCloser) {
	s.conn = rw
	s.pending = s.pending[:0]
	s.connected = true
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.port, err)
	}
	return nil
}

// IsConnected returns whether the port is open.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Write sends one command line.
func (s *Serial) Write(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(fmt.Sprintf(format, args...))
}

// Query sends one command line and waits for the reply line.
func (s *Serial) Query(format string, args ...any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := fmt.Sprintf(format, args...)
	if err := s.write(cmd); err != nil {
		return "", err
	}

	reply, err := s.readLine()
	if err != nil {
		return "", fmt.Errorf("query %q: %w", cmd, err)
	}
	s.log.Debug("reply", zap.String("cmd", cmd), zap.String("reply", reply))
	return reply, nil
}

// QueryFloat sends one command line and parses the reply as a float.
func (s *Serial) QueryFloat(format string, args ...any) (float64, error) {
	reply, err := s.Query(format, args...)
	if err != nil {
		return 0, err
	}
	return ParseFloat(reply)
}

// write sends cmd. Must be called with mu held.
func (s *Serial) write(cmd string) error {
	if !s.connected {
		return ErrNotConnected
	}

	s.log.Debug("command", zap.String("cmd", cmd))
	if _, err := io.WriteString(s.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("failed to send %q: %w", cmd, err)
	}
	return nil
}

// readLine returns the next reply line without its terminator. A serial read
// that times out returns no data, so the loop polls until the deadline.
// Must be called with mu held.
func (s *Serial) readLine() (string, error) {
	deadline := time.Now().Add(s.timeout)
	chunk := make([]byte, 256)

	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = s.pending[i+1:]
			return line, nil
		}

		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		n, err := s.conn.Read(chunk)
		s.pending = append(s.pending, chunk[:n]...)
		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			return "", fmt.Errorf("failed to read reply: %w", err)
		}
	}
}

// ParseFloat parses a numeric instrument reply. Keithley SMUs answer with
// plain or exponent notation, e.g. "1.000000e-03".
func ParseFloat(reply string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric reply %q: %w", reply, err)
	}
	return v, nil
}

// ParseFields splits a comma separated reply such as "1.0E+00,2.0E-03" and
// parses every field as a float.
func ParseFields(reply string) ([]float64, error) {
	parts := strings.Split(reply, ",")
	values := make([]float64, len(parts))
	for i, p := range parts {
		v, err := ParseFloat(p)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}
