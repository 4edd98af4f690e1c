package queue_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pidscope/internal/obd"
	"pidscope/internal/queue"

	"go.uber.org/mock/gomock"
)

//go:generate mockgen -destination=mock_link_test.go -package=queue_test pidscope/internal/obd Link

// fakeLink records written commands and lets the test push replies.
type fakeLink struct {
	mu     sync.Mutex
	subs   map[int]func(obd.Response)
	nextID int
	err    error

	writes chan string
	done   chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		subs:   make(map[int]func(obd.Response)),
		writes: make(chan string, 16),
		done:   make(chan struct{}),
	}
}

func (l *fakeLink) Write(cmd string) error {
	select {
	case <-l.done:
		return errors.New("write on closed link")
	default:
	}
	l.writes <- cmd
	return nil
}

func (l *fakeLink) Subscribe(h func(obd.Response)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.subs[id] = h
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

func (l *fakeLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *fakeLink) reply(raw string) {
	l.mu.Lock()
	var handlers []func(obd.Response)
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h(obd.ParseResponse(raw))
	}
}

func (l *fakeLink) subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *fakeLink) fail(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

func nextWrite(t *testing.T, l *fakeLink) string {
	t.Helper()
	select {
	case w := <-l.writes:
		return w
	case <-time.After(time.Second):
		t.Fatal("no command written")
		return ""
	}
}

func TestOrchestratorDo(t *testing.T) {
	t.Run("reply retires request", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		link := NewMockLink(ctrl)
		var done <-chan struct{} = make(chan struct{})
		link.EXPECT().Done().Return(done).AnyTimes()

		var handler func(obd.Response)
		unsubscribed := false
		gomock.InOrder(
			link.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(h func(obd.Response)) func() {
				handler = h
				return func() { unsubscribed = true }
			}),
			link.EXPECT().Write("010C").DoAndReturn(func(string) error {
				handler(obd.ParseResponse("41 0C 1A F8\r"))
				return nil
			}),
		)

		o := queue.New(link, time.Second)
		resp, err := o.Do(context.Background(), obd.PIDRequest(0x0C))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		f, ok := resp.Frame(0x0C)
		if !ok || !bytes.Equal(f.Data, []byte{0x1A, 0xF8}) {
			t.Errorf("unexpected reply %+v", resp)
		}
		if !unsubscribed {
			t.Error("handler should be removed once the request is retired")
		}
		if o.Pending() {
			t.Error("no request should be pending")
		}
	})

	t.Run("write error frees the slot", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		link := NewMockLink(ctrl)
		var done <-chan struct{} = make(chan struct{})
		link.EXPECT().Done().Return(done).AnyTimes()
		link.EXPECT().Subscribe(gomock.Any()).Return(func() {}).Times(2)

		writeErr := errors.New("port gone")
		gomock.InOrder(
			link.EXPECT().Write("ATZ").Return(writeErr),
			link.EXPECT().Write("ATI").Return(writeErr),
		)

		o := queue.New(link, time.Second)
		if _, err := o.Send(context.Background(), obd.ControlRequest(obd.Reset)); !errors.Is(err, writeErr) {
			t.Errorf("expected write error, got %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := o.Send(ctx, obd.ControlRequest(obd.PrintVersion)); !errors.Is(err, writeErr) {
			t.Errorf("second Send should reach the link, got %v", err)
		}
	})
}

func TestOrchestratorTimeout(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, 50*time.Millisecond)

	start := time.Now()
	_, err := o.Do(context.Background(), obd.ControlRequest(obd.Reset))
	if !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %v, before the deadline", elapsed)
	}
	if o.Pending() {
		t.Error("timed out request should be retired")
	}
	if link.subscribers() != 0 {
		t.Error("handler should be removed after timeout")
	}

	// the slot is free again
	go func() {
		<-link.writes
		link.reply("ELM327 v1.5\r")
	}()
	if _, err := o.Do(context.Background(), obd.ControlRequest(obd.PrintVersion)); err != nil {
		t.Errorf("unexpected error after timeout: %v", err)
	}
}

func TestOrchestratorControlSkipsLatePIDReply(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, 50*time.Millisecond)
	ctx := context.Background()

	go func() { <-link.writes }()
	if _, err := o.Do(ctx, obd.PIDRequest(0x0C)); !errors.Is(err, queue.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	f, err := o.Send(ctx, obd.ControlRequest(obd.ReadVoltage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := nextWrite(t, link); got != "ATRV" {
		t.Fatalf("write = %q, want ATRV", got)
	}

	// the timed out PID answer arrives first
	link.reply("41 0C 1A F8\r")
	link.reply("12.6V\r")
	resp, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "12.6V" {
		t.Errorf("ATRV answered with %q", resp.Text())
	}
}

func TestOrchestratorOrdering(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, time.Second)
	ctx := context.Background()

	a, err := o.Send(ctx, obd.ControlRequest(obd.Reset))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := nextWrite(t, link); got != "ATZ" {
		t.Fatalf("first write = %q, want ATZ", got)
	}

	sentB := make(chan *queue.Future)
	go func() {
		b, err := o.Send(ctx, obd.ControlRequest(obd.PrintVersion))
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		sentB <- b
	}()

	select {
	case w := <-link.writes:
		t.Fatalf("%q written while ATZ was pending", w)
	case <-time.After(50 * time.Millisecond):
	}

	link.reply("ELM327 v1.5\r")
	if _, err := a.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := nextWrite(t, link); got != "ATI" {
		t.Fatalf("second write = %q, want ATI", got)
	}

	b := <-sentB
	link.reply("ELM327 v1.5\r")
	resp, err := b.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ELM327 v1.5" {
		t.Errorf("unexpected reply %q", resp.Text())
	}
}

func TestOrchestratorIgnoresUnrelatedReplies(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, time.Second)
	ctx := context.Background()

	f, err := o.Send(ctx, obd.PIDRequest(0x0C))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextWrite(t, link)

	link.reply("41 0D 3C\r")
	link.reply("OK\r")
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request retired by a reply for another PID: %v", err)
	}

	link.reply("41 0C 1A F8\r")
	resp, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := resp.Frame(0x0C); !ok {
		t.Errorf("unexpected reply %q", resp.Text())
	}
}

func TestOrchestratorLinkClosed(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, time.Second)
	ctx := context.Background()

	f, err := o.Send(ctx, obd.ControlRequest(obd.Reset))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextWrite(t, link)

	cause := errors.New("unplugged")
	link.fail(cause)

	_, err = f.Wait(ctx)
	if !errors.Is(err, queue.ErrLinkClosed) || !errors.Is(err, cause) {
		t.Errorf("expected ErrLinkClosed wrapping the cause, got %v", err)
	}

	if _, err := o.Send(ctx, obd.ControlRequest(obd.PrintVersion)); !errors.Is(err, queue.ErrLinkClosed) {
		t.Errorf("Send after close should fail with ErrLinkClosed, got %v", err)
	}
}

func TestOrchestratorAwaitDrained(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, time.Second)

	if err := o.AwaitDrained(context.Background()); err != nil {
		t.Fatalf("idle orchestrator should be drained: %v", err)
	}

	if _, err := o.Send(context.Background(), obd.ControlRequest(obd.Reset)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextWrite(t, link)
	if !o.Pending() {
		t.Error("request should be pending")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.AwaitDrained(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded while pending, got %v", err)
	}

	go link.reply("OK\r")
	if err := o.AwaitDrained(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if o.Pending() {
		t.Error("no request should be pending")
	}
}

func TestOrchestratorSendCancelled(t *testing.T) {
	link := newFakeLink()
	o := queue.New(link, time.Second)

	if _, err := o.Send(context.Background(), obd.ControlRequest(obd.Reset)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextWrite(t, link)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Send(ctx, obd.ControlRequest(obd.PrintVersion)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewDefaultTimeout(t *testing.T) {
	if got := queue.New(newFakeLink(), 0).Timeout(); got != queue.DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", got, queue.DefaultTimeout)
	}
}
