package obd

// Link abstracts a connection to an ELM327 adapter.
// Replies are delivered to subscribers from the link's own read goroutine,
// one call per prompt-terminated reply.
type Link interface {
	// Write sends a command; the link appends the carriage return.
	Write(command string) error
	// Subscribe registers h for every subsequent reply until cancel is called.
	Subscribe(h func(Response)) (cancel func())
	// Done is closed when the link can no longer deliver replies.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
}

// Request is a command awaiting its correlated reply.
type Request struct {
	Command string

	pid    PidCode
	hasPID bool
}

// ControlRequest wraps an AT command. Any reply without mode 01 frames answers it.
func ControlRequest(c ControlCommand) Request {
	return Request{Command: c.Mnemonic()}
}

// PIDRequest asks for the current value of a mode 01 PID.
func PIDRequest(pid PidCode) Request {
	return Request{Command: pid.Command(), pid: pid, hasPID: true}
}

// PID reports the requested PID for PID requests.
func (r Request) PID() (PidCode, bool) {
	return r.pid, r.hasPID
}

// Matches tells whether resp answers the request. A PID request is answered by
// a frame for its PID or by an adapter error such as "NO DATA". Other requests
// never take a reply carrying mode 01 frames, as that is a late PID answer.
func (r Request) Matches(resp Response) bool {
	if !r.hasPID {
		return len(resp.Frames) == 0
	}
	if _, ok := resp.Frame(r.pid); ok {
		return true
	}
	_, failed := resp.Failure()
	return failed
}

// RawRequest sends an arbitrary adapter command. It matches like a control request.
func RawRequest(command string) Request {
	return Request{Command: command}
}
