package serial

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pidscope/internal/obd"
	"pidscope/pkg/log"

	"go.uber.org/zap"
)

const (
	CR     = "\r"
	Prompt = '>'

	maxReplySize = 64 * 1024
	writeRetries = 3
)

// ELM327 is an adapter reached over a byte stream. A single goroutine reads
// the stream, cuts it into prompt-terminated replies and hands each one to
// the current subscribers.
type ELM327 struct {
	transport io.ReadWriteCloser

	wmu sync.Mutex

	mu     sync.Mutex
	subs   map[uint64]func(obd.Response)
	nextID uint64
	err    error

	done      chan struct{}
	closeOnce sync.Once
}

var _ obd.Link = (*ELM327)(nil)

// New starts reading from transport right away.
func New(transport io.ReadWriteCloser) *ELM327 {
	e := &ELM327{
		transport: transport,
		subs:      make(map[uint64]func(obd.Response)),
		done:      make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Write sends cmd followed by a carriage return.
func (e *ELM327) Write(cmd string) error {
	select {
	case <-e.done:
		return fmt.Errorf("write %q: %w", cmd, e.Err())
	default:
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()

	full := []byte(strings.TrimSpace(cmd) + CR)
	var writeErr error
	for i := 0; i < writeRetries; i++ {
		n, err := e.transport.Write(full)
		if err != nil {
			writeErr = err
			log.Warn("Write failed, retrying...",
				zap.String("command", cmd),
				zap.Error(err),
				zap.Int("attempt", i+1))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n != len(full) {
			writeErr = fmt.Errorf("incomplete write: %d/%d bytes", n, len(full))
			full = full[n:]
			continue
		}
		writeErr = nil
		break
	}
	if writeErr != nil {
		return fmt.Errorf("write %q: %w", cmd, writeErr)
	}

	log.Debug("Command sent", zap.String("command", cmd))
	return nil
}

// Subscribe registers h for every reply read from now on.
func (e *ELM327) Subscribe(h func(obd.Response)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *ELM327) Done() <-chan struct{} {
	return e.done
}

func (e *ELM327) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close releases the transport. Pending and later operations fail with ErrClosed.
func (e *ELM327) Close() error {
	e.fail(ErrClosed)
	return e.transport.Close()
}

func (e *ELM327) fail(err error) {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *ELM327) readLoop() {
	scanner := bufio.NewScanner(e.transport)
	scanner.Buffer(make([]byte, 0, 1024), maxReplySize)
	scanner.Split(SplitReplies)

	for scanner.Scan() {
		raw := clean(scanner.Bytes())
		if strings.TrimSpace(raw) == "" {
			continue
		}
		resp := obd.ParseResponse(raw)
		log.Debug("Reply received", zap.Strings("lines", resp.Lines))
		e.dispatch(resp)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	log.Debug("Read loop stopped", zap.Error(err))
	e.fail(fmt.Errorf("%w: %w", ErrDisconnected, err))
}

func (e *ELM327) dispatch(resp obd.Response) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(obd.Response), len(ids))
	for i, id := range ids {
		handlers[i] = e.subs[id]
	}
	e.mu.Unlock()

	if len(handlers) == 0 {
		log.Debug("Reply without subscriber", zap.String("reply", resp.Text()))
	}
	for _, h := range handlers {
		h(resp)
	}
}

// SplitReplies is a bufio.SplitFunc cutting the stream at every '>' prompt.
// The prompt itself is dropped. Data left at EOF is returned as a final reply.
func SplitReplies(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, Prompt); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = SplitReplies

// clean drops NUL and other control bytes the adapter emits after a reset,
// keeping CR and LF as line separators.
func clean(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c >= 32 && c <= 126 || c == '\r' || c == '\n' {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

var (
	// ErrClosed is reported once Close has been called.
	ErrClosed = errors.New("adapter closed")

	// ErrDisconnected wraps the read error that ended the read loop.
	ErrDisconnected = errors.New("adapter disconnected")

	// ErrInvalidPort is returned for an empty or unusable port name.
	ErrInvalidPort = errors.New("invalid serial port")
)
