package mock

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"pidscope/internal/obd"
)

const DefaultVersion = "ELM327 v1.5"

// DefaultSupported is the PID set the simulated vehicle reports unless
// overridden. It contains a few codes without a registered decoder.
var DefaultSupported = []obd.PidCode{
	0x01, 0x04, 0x05, 0x06, 0x07, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F,
	0x10, 0x11, 0x13, 0x1C, 0x1F, 0x20, 0x21, 0x2F, 0x31, 0x33,
	0x40, 0x42, 0x46, 0x51, 0x5C,
}

// Adapter simulates an ELM327 adapter on the other end of a serial line.
// Commands written to it are answered on Read, each reply terminated by the
// '>' prompt, honouring the echo, header, space and linefeed settings.
type Adapter struct {
	mu        sync.Mutex
	pending   []byte
	echo      bool
	headers   bool
	spaces    bool
	linefeeds bool
	version   string
	voltage   float64
	latency   time.Duration
	supported map[obd.PidCode]bool
	second    map[obd.PidCode]bool
	silent    map[string]bool
	values    map[obd.PidCode][]byte
	rng       *rand.Rand

	// simulated values
	rpm     int
	coolant float64
	speed   int

	out       chan []byte
	rmu       sync.Mutex
	buf       []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

type Option func(*Adapter)

// WithSupported replaces the PID set reported by the bank queries.
func WithSupported(pids ...obd.PidCode) Option {
	return func(a *Adapter) {
		a.supported = make(map[obd.PidCode]bool, len(pids))
		for _, p := range pids {
			a.supported[p] = true
		}
	}
}

// WithSecondECU adds another responder, such as a transmission controller,
// that answers the bank queries and values of its own PID set.
func WithSecondECU(pids ...obd.PidCode) Option {
	return func(a *Adapter) {
		a.second = make(map[obd.PidCode]bool, len(pids))
		for _, p := range pids {
			a.second[p] = true
		}
	}
}

// WithSilent makes the adapter swallow the given commands without replying.
func WithSilent(commands ...string) Option {
	return func(a *Adapter) {
		for _, c := range commands {
			a.silent[normalize(c)] = true
		}
	}
}

// WithValue pins the data bytes returned for pid.
func WithValue(pid obd.PidCode, data ...byte) Option {
	return func(a *Adapter) {
		a.values[pid] = data
	}
}

func WithVersion(v string) Option {
	return func(a *Adapter) { a.version = v }
}

func WithVoltage(v float64) Option {
	return func(a *Adapter) { a.voltage = v }
}

// WithLatency delays every reply.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

func WithSeed(seed int64) Option {
	return func(a *Adapter) { a.rng = rand.New(rand.NewSource(seed)) }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		echo:    true,
		spaces:  true,
		version: DefaultVersion,
		voltage: 12.6,
		silent:  make(map[string]bool),
		values:  make(map[obd.PidCode][]byte),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		rpm:     800,
		coolant: 75.0,
		out:     make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
	WithSupported(DefaultSupported...)(a)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Read(p []byte) (int, error) {
	a.rmu.Lock()
	defer a.rmu.Unlock()

	for len(a.buf) == 0 {
		select {
		case b := <-a.out:
			a.buf = b
		case <-a.closeCh:
			return 0, io.EOF
		}
	}
	n := copy(p, a.buf)
	a.buf = a.buf[n:]
	return n, nil
}

func (a *Adapter) Write(p []byte) (int, error) {
	select {
	case <-a.closeCh:
		return 0, io.ErrClosedPipe
	default:
	}

	a.mu.Lock()
	a.pending = append(a.pending, p...)
	var replies []string
	for {
		i := strings.IndexByte(string(a.pending), '\r')
		if i < 0 {
			break
		}
		cmd := string(a.pending[:i])
		a.pending = a.pending[i+1:]
		if reply, ok := a.handle(cmd); ok {
			replies = append(replies, reply)
		}
	}
	latency := a.latency
	a.mu.Unlock()

	if latency > 0 && len(replies) > 0 {
		time.Sleep(latency)
	}
	for _, r := range replies {
		select {
		case a.out <- []byte(r):
		case <-a.closeCh:
			return 0, io.ErrClosedPipe
		}
	}
	return len(p), nil
}

// Close ends the stream; pending reads return io.EOF.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.closeCh) })
	return nil
}

// Disconnect simulates the adapter being unplugged.
func (a *Adapter) Disconnect() {
	a.Close()
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(cmd), " ", ""))
}

// handle builds the full reply to one command. It returns false for silent commands.
func (a *Adapter) handle(raw string) (string, bool) {
	cmd := normalize(raw)
	if cmd == "" {
		return "", false
	}
	if a.silent[cmd] {
		return "", false
	}

	var sb strings.Builder
	if a.echo {
		sb.WriteString(raw)
		sb.WriteString("\r")
	}

	var body []string
	switch cmd {
	case "ATZ":
		a.echo, a.headers, a.spaces, a.linefeeds = true, false, true, false
		body = []string{"", a.version}
	case "ATI":
		body = []string{a.version}
	case "ATRV":
		body = []string{fmt.Sprintf("%.1fV", a.voltage)}
	case "ATE0", "ATE1":
		a.echo = cmd == "ATE1"
		body = []string{"OK"}
	case "ATH0", "ATH1":
		a.headers = cmd == "ATH1"
		body = []string{"OK"}
	case "ATS0", "ATS1":
		a.spaces = cmd == "ATS1"
		body = []string{"OK"}
	case "ATL0", "ATL1":
		a.linefeeds = cmd == "ATL1"
		body = []string{"OK"}
	case "ATSP0", "ATPC", "ATD":
		body = []string{"OK"}
	case "ATDPN":
		body = []string{"A6"}
	default:
		body = a.query(cmd)
	}

	eol := "\r"
	if a.linefeeds {
		eol = "\r\n"
	}
	for _, line := range body {
		sb.WriteString(line)
		sb.WriteString(eol)
	}
	sb.WriteString(eol)
	sb.WriteByte('>')
	return sb.String(), true
}

type ecu struct {
	header    string
	supported map[obd.PidCode]bool
}

// query answers a mode 01 request with one line per responding ECU.
func (a *Adapter) query(cmd string) []string {
	if len(cmd) != 4 || !strings.HasPrefix(cmd, "01") {
		return []string{"?"}
	}
	b, err := hex.DecodeString(cmd[2:])
	if err != nil {
		return []string{"?"}
	}
	pid := obd.PidCode(b[0])

	ecus := []ecu{{"7E8", a.supported}}
	if a.second != nil {
		ecus = append(ecus, ecu{"7E9", a.second})
	}

	var lines []string
	for _, e := range ecus {
		var data []byte
		switch {
		case pid%0x20 == 0 && pid <= 0xC0:
			if pid != 0 && !e.supported[pid] {
				continue
			}
			data = bitmask(e.supported, pid)
		case e.supported[pid]:
			data = a.value(pid)
		default:
			continue
		}
		lines = append(lines, a.frame(e.header, pid, data))
	}
	if len(lines) == 0 {
		return []string{"NO DATA"}
	}
	return lines
}

func bitmask(supported map[obd.PidCode]bool, base obd.PidCode) []byte {
	mask := make([]byte, 4)
	for i := 0; i < 32; i++ {
		if supported[obd.PidCode(int(base)+1+i)] {
			mask[i/8] |= 0x80 >> (i % 8)
		}
	}
	return mask
}

func (a *Adapter) value(pid obd.PidCode) []byte {
	if v, ok := a.values[pid]; ok {
		return v
	}
	switch pid {
	case 0x0C:
		// random walk rpm
		a.rpm += a.rng.Intn(201) - 100
		a.rpm = min(max(a.rpm, 600), 4000)
		raw := a.rpm * 4
		return []byte{byte(raw >> 8), byte(raw)}
	case 0x05:
		a.coolant += float64(a.rng.Intn(21)-10) * 0.1
		a.coolant = min(max(a.coolant, 60), 110)
		return []byte{byte(int(a.coolant) + 40)}
	case 0x0D:
		a.speed += a.rng.Intn(11) - 5
		a.speed = min(max(a.speed, 0), 180)
		return []byte{byte(a.speed)}
	case 0x42:
		mv := int(a.voltage * 1000)
		return []byte{byte(mv >> 8), byte(mv)}
	case 0x1C:
		return []byte{0x06}
	case 0x51:
		return []byte{0x01}
	case 0x01:
		return []byte{0x00, 0x07, 0xE5, 0x00}
	}
	return []byte{0x7B, 0x10}
}

func (a *Adapter) frame(header string, pid obd.PidCode, data []byte) string {
	payload := append([]byte{obd.ModeCurrentReply, byte(pid)}, data...)
	tokens := make([]string, 0, len(payload)+2)
	if a.headers {
		tokens = append(tokens, header, fmt.Sprintf("%02X", len(payload)))
	}
	for _, b := range payload {
		tokens = append(tokens, fmt.Sprintf("%02X", b))
	}
	sep := ""
	if a.spaces {
		sep = " "
	}
	return strings.Join(tokens, sep)
}
