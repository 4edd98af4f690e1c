package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"pidscope/pkg/log"

	"github.com/tarm/serial"
	bugserial "go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	DefaultBaud        = 38400
	DefaultReadTimeout = 100 * time.Millisecond
)

// Config describes the serial link to the adapter.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// Open opens the port and starts an ELM327 on it. There is no retry: a port
// that cannot be opened is reported to the caller.
func Open(cfg Config) (*ELM327, error) {
	name, err := ValidatePort(cfg.Port)
	if err != nil {
		return nil, err
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	log.Info("[Serial] Opening port", zap.String("port", name), zap.Int("baud", cfg.Baud))
	p, err := serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if err := p.Flush(); err != nil {
		log.Warn("Failed to flush port", zap.Error(err))
	}

	log.Info("[Serial] Port opened successfully", zap.String("port", name))
	return New(&port{p: p}), nil
}

// ValidatePort trims the operator's choice and rejects an empty name.
func ValidatePort(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidPort
	}
	return name, nil
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	ports, err := bugserial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// port turns tarm/serial read timeouts, which surface as empty reads or
// io.EOF, into blocking reads so the reply scanner never sees a false EOF.
type port struct {
	p      *serial.Port
	closed atomic.Bool
}

func (p *port) Read(b []byte) (int, error) {
	for {
		n, err := p.p.Read(b)
		if n > 0 {
			return n, nil
		}
		if p.closed.Load() {
			return 0, ErrClosed
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (p *port) Write(b []byte) (int, error) {
	return p.p.Write(b)
}

func (p *port) Close() error {
	p.closed.Store(true)
	return p.p.Close()
}
