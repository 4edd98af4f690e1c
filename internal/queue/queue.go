// Package queue serializes requests to the adapter: at most one request is
// in flight, and it is retired by its correlated reply or by a timeout before
// the next one is written.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pidscope/internal/obd"
	"pidscope/pkg/log"

	"go.uber.org/zap"
)

const DefaultTimeout = 2 * time.Second

var (
	// ErrTimeout is returned by Future.Wait when no reply arrived in time.
	// The request counts as answered with nothing.
	ErrTimeout = errors.New("request timed out")

	// ErrLinkClosed is returned once the link stopped delivering replies.
	ErrLinkClosed = errors.New("link closed")
)

// Orchestrator owns the single pending-request slot of a link.
type Orchestrator struct {
	link    obd.Link
	timeout time.Duration

	// slot holds a token while a request is pending
	slot chan struct{}

	mu      sync.Mutex
	current *Future
}

// Future is the one-shot result of a sent request.
type Future struct {
	req  obd.Request
	done chan struct{}

	// guarded by Orchestrator.mu until done is closed
	resp        obd.Response
	err         error
	retired     bool
	timer       *time.Timer
	unsubscribe func()
}

func New(link obd.Link, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Orchestrator{
		link:    link,
		timeout: timeout,
		slot:    make(chan struct{}, 1),
	}
}

func (o *Orchestrator) Timeout() time.Duration {
	return o.timeout
}

// Send waits for the slot to be free, registers a one-shot reply handler and
// writes the command. Callers normally wait on the returned Future (or call
// AwaitDrained) before sending again; a second Send simply blocks until the
// first request is retired.
func (o *Orchestrator) Send(ctx context.Context, req obd.Request) (*Future, error) {
	select {
	case o.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.link.Done():
		return nil, o.linkErr()
	}

	select {
	case <-o.link.Done():
		<-o.slot
		return nil, o.linkErr()
	default:
	}

	f := &Future{req: req, done: make(chan struct{})}

	o.mu.Lock()
	o.current = f
	f.unsubscribe = o.link.Subscribe(func(r obd.Response) { o.deliver(f, r) })
	o.mu.Unlock()

	log.Debug("Request sent", zap.String("command", req.Command))
	if err := o.link.Write(req.Command); err != nil {
		err = fmt.Errorf("send %q: %w", req.Command, err)
		o.retire(f, obd.Response{}, err)
		return nil, err
	}

	o.mu.Lock()
	if !f.retired {
		f.timer = time.AfterFunc(o.timeout, func() {
			log.Warn("Request timed out", zap.String("command", req.Command), zap.Duration("timeout", o.timeout))
			o.retire(f, obd.Response{}, ErrTimeout)
		})
	}
	o.mu.Unlock()

	linkDone := o.link.Done()
	go func() {
		select {
		case <-f.done:
		case <-linkDone:
			o.retire(f, obd.Response{}, o.linkErr())
		}
	}()

	return f, nil
}

// Do sends req and waits for its result.
func (o *Orchestrator) Do(ctx context.Context, req obd.Request) (obd.Response, error) {
	f, err := o.Send(ctx, req)
	if err != nil {
		return obd.Response{}, err
	}
	return f.Wait(ctx)
}

// AwaitDrained blocks until no request is pending.
func (o *Orchestrator) AwaitDrained(ctx context.Context) error {
	select {
	case o.slot <- struct{}{}:
		<-o.slot
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether a request is in flight.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

func (o *Orchestrator) deliver(f *Future, r obd.Response) {
	if !f.req.Matches(r) {
		log.Debug("Ignoring unrelated reply",
			zap.String("command", f.req.Command),
			zap.String("reply", r.Text()))
		return
	}
	o.retire(f, r, nil)
}

// retire completes f exactly once and frees the slot.
func (o *Orchestrator) retire(f *Future, r obd.Response, err error) {
	o.mu.Lock()
	if f.retired {
		o.mu.Unlock()
		return
	}
	f.retired = true
	f.resp, f.err = r, err
	if f.timer != nil {
		f.timer.Stop()
	}
	unsubscribe := f.unsubscribe
	if o.current == f {
		o.current = nil
	}
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(f.done)
	<-o.slot
}

func (o *Orchestrator) linkErr() error {
	if err := o.link.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	return ErrLinkClosed
}

// Wait returns the reply, ErrTimeout, or the link failure.
func (f *Future) Wait(ctx context.Context) (obd.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return obd.Response{}, ctx.Err()
	}
}
