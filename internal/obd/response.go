package obd

import (
	"encoding/hex"
	"strings"
)

// Frame is a mode 01 reply: the PID it answers and its data bytes.
type Frame struct {
	PID  PidCode
	Data []byte
}

// Response is one prompt-terminated reply from the adapter.
type Response struct {
	Raw    string
	Lines  []string
	Frames []Frame
}

// failures are the adapter's error replies. A reply containing any of them
// carries no data for the command that produced it.
var failures = []string{
	"NO DATA",
	"UNABLE TO CONNECT",
	"STOPPED",
	"BUS BUSY",
	"BUS ERROR",
	"CAN ERROR",
	"DATA ERROR",
	"FB ERROR",
	"BUFFER FULL",
	"LV RESET",
	"ERROR",
}

// ParseResponse splits a raw reply (prompt excluded) into lines and extracts
// mode 01 frames. Echoed commands and status lines such as "SEARCHING..." are
// kept in Lines but never yield frames.
func ParseResponse(raw string) Response {
	r := Response{Raw: raw}
	for _, line := range strings.FieldsFunc(raw, func(c rune) bool { return c == '\r' || c == '\n' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.Lines = append(r.Lines, line)
		if f, ok := parseFrame(line); ok {
			r.Frames = append(r.Frames, f)
		}
	}
	return r
}

// Failure reports the first error line of the reply, if any.
func (r Response) Failure() (string, bool) {
	for _, line := range r.Lines {
		if line == "?" {
			return line, true
		}
		upper := strings.ToUpper(line)
		for _, f := range failures {
			if strings.Contains(upper, f) {
				return line, true
			}
		}
	}
	return "", false
}

// Frame returns the first frame answering pid.
func (r Response) Frame(pid PidCode) (Frame, bool) {
	for _, f := range r.Frames {
		if f.PID == pid {
			return f, true
		}
	}
	return Frame{}, false
}

// FramesFor returns every frame answering pid, one per responding ECU.
func (r Response) FramesFor(pid PidCode) []Frame {
	var out []Frame
	for _, f := range r.Frames {
		if f.PID == pid {
			out = append(out, f)
		}
	}
	return out
}

// Text joins the reply lines for display.
func (r Response) Text() string {
	return strings.Join(r.Lines, " ")
}

func parseFrame(line string) (Frame, bool) {
	b, ok := lineBytes(line)
	if !ok {
		return Frame{}, false
	}
	for i := 0; i+1 < len(b); i++ {
		if b[i] == ModeCurrentReply {
			return Frame{PID: PidCode(b[i+1]), Data: b[i+2:]}, true
		}
	}
	return Frame{}, false
}

// lineBytes decodes a hex line with or without spaces. An 11-bit CAN header
// (three hex digits) in front of the data is skipped, as is the "N:" index of
// multi-frame replies.
func lineBytes(line string) ([]byte, bool) {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil, false
	}

	if len(fields) == 1 {
		s := fields[0]
		if len(s)%2 == 1 {
			if len(s) < 3 {
				return nil, false
			}
			s = s[3:]
		}
		b, err := hex.DecodeString(s)
		if err != nil || len(b) == 0 {
			return nil, false
		}
		return b, true
	}

	out := make([]byte, 0, len(fields))
	for i, f := range fields {
		if len(f) == 3 && i == 0 {
			if _, err := hex.DecodeString("0" + f); err != nil {
				return nil, false
			}
			continue
		}
		if len(f) != 2 {
			return nil, false
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, false
		}
		out = append(out, b[0])
	}
	return out, len(out) > 0
}
