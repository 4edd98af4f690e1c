package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pidscope/internal/discovery"
	"pidscope/internal/displayer"
	"pidscope/internal/obd"
	"pidscope/internal/queue"
	"pidscope/internal/resolver"
	"pidscope/pkg/log"

	"go.uber.org/zap"
)

const (
	DefaultPrompt = "OBD"

	// below this the adapter is probably not powered by the vehicle
	lowVoltage = 6.0
)

// ErrDiscoveryRunning is returned when Discover is called while another
// discovery is still in progress.
var ErrDiscoveryRunning = errors.New("discovery already running")

// Console is where the session talks to the operator.
type Console interface {
	io.Writer
	// ReadLine returns io.EOF when the operator is done.
	ReadLine(prompt string) (string, error)
}

// Consoles that can show the supported PIDs or a status line on their own
// implement these.
type supportedViewer interface {
	ShowSupported(rows []displayer.Row)
}

type statusSetter interface {
	SetStatus(status string)
}

type Config struct {
	// Timeout bounds every request to the adapter.
	Timeout time.Duration
	// Decoders overrides the compiled-in decoder list.
	Decoders []obd.Decoder
}

// Session runs one connection: initialize the adapter, discover the supported
// PIDs, then serve operator commands until quit or end of input.
type Session struct {
	console  Console
	registry *obd.Registry
	queue    *queue.Orchestrator
	prompt   string

	mu          sync.RWMutex
	supported   obd.SupportedSet
	discovering atomic.Bool
}

func New(cfg Config, link obd.Link, console Console) *Session {
	decoders := cfg.Decoders
	if decoders == nil {
		decoders = obd.Decoders()
	}
	return &Session{
		console:  console,
		registry: obd.NewRegistry(decoders...),
		queue:    queue.New(link, cfg.Timeout),
		prompt:   DefaultPrompt,
	}
}

// Run drives the whole session. It returns nil when the operator quits or
// input ends, and an error when the link fails.
func (s *Session) Run(ctx context.Context) error {
	s.status("[yellow]initializing[white]")
	if err := s.Initialize(ctx); err != nil {
		s.status("[red]disconnected[white]")
		return err
	}

	s.status("[yellow]discovering PIDs[white]")
	if err := s.Discover(ctx); err != nil {
		s.status("[red]disconnected[white]")
		return err
	}

	s.status("[green]connected[white]")
	return s.Loop(ctx)
}

var initSequence = []obd.ControlCommand{
	obd.Reset,
	obd.EchoOff,
	obd.LinefeedsOff,
	obd.HeadersOff,
	obd.SpacesOn,
	obd.SetProtocolAuto,
}

// Initialize resets and configures the adapter. Unanswered commands are logged
// and skipped; only a link failure aborts.
func (s *Session) Initialize(ctx context.Context) error {
	log.Info("Initializing ELM327 device")
	for _, cmd := range initSequence {
		resp, err := s.queue.Do(ctx, obd.ControlRequest(cmd))
		if errors.Is(err, queue.ErrTimeout) {
			log.Warn("No response to init command", zap.String("command", cmd.Mnemonic()))
			continue
		}
		if err != nil {
			return fmt.Errorf("initialize: %s: %w", cmd.Mnemonic(), err)
		}
		if failure, failed := resp.Failure(); failed {
			log.Warn("Init command rejected", zap.String("command", cmd.Mnemonic()), zap.String("reply", failure))
			continue
		}
		if cmd == obd.Reset {
			s.setBanner(resp, cmd.Mnemonic())
		}
	}

	resp, err := s.queue.Do(ctx, obd.ControlRequest(obd.ReadVoltage))
	switch {
	case errors.Is(err, queue.ErrTimeout):
		// ATRV is not supported by every clone
	case err != nil:
		return fmt.Errorf("initialize: %s: %w", obd.ReadVoltage.Mnemonic(), err)
	default:
		if v, err := parseVoltage(resp); err == nil {
			if v < lowVoltage {
				log.Warn("Voltage too low", zap.Float64("volts", v))
			}
			fmt.Fprintf(s.console, "Voltage: %.1fV\n", v)
		}
	}

	log.Info("ELM327 initialization completed", zap.String("adapter", s.prompt))
	return nil
}

// Discover fills the supported set. Calls while a discovery is running fail
// with ErrDiscoveryRunning.
func (s *Session) Discover(ctx context.Context) error {
	if !s.discovering.CompareAndSwap(false, true) {
		return ErrDiscoveryRunning
	}
	defer s.discovering.Store(false)

	set, err := discovery.Discover(ctx, s.queue, func(bank obd.SupportedPIDs, found obd.PIDList, err error) {
		switch {
		case errors.Is(err, queue.ErrTimeout):
			fmt.Fprintf(s.console, "%s (%d): no reply\n", bank.Name(), bank.PID())
		case err == nil:
			fmt.Fprintf(s.console, "%s (%d): %d supported\n", bank.Name(), bank.PID(), len(found))
		}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.supported = set
	s.mu.Unlock()

	if v, ok := s.console.(supportedViewer); ok {
		v.ShowSupported(displayer.Rows(set, s.registry))
	}

	s.describeProtocol(ctx)
	return nil
}

func (s *Session) describeProtocol(ctx context.Context) {
	resp, err := s.queue.Do(ctx, obd.RawRequest(obd.DescribeProtocolCommand))
	if err != nil || len(resp.Lines) == 0 {
		return
	}
	if _, failed := resp.Failure(); failed {
		return
	}
	reply := resp.Lines[len(resp.Lines)-1]
	name := obd.ProtocolName(reply)
	log.Info("Protocol detected", zap.String("protocol", reply), zap.String("name", name))
	fmt.Fprintf(s.console, "Protocol: %s\n", name)
}

// Supported returns the set found by the last discovery; empty before.
func (s *Session) Supported() obd.SupportedSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supported
}

func (s *Session) Registry() *obd.Registry {
	return s.registry
}

func (s *Session) Prompt() string {
	return s.prompt
}

// Loop reads and handles operator lines until quit or end of input.
func (s *Session) Loop(ctx context.Context) error {
	for {
		line, err := s.console.ReadLine(s.prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		quit, err := s.Handle(ctx, line)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

// Handle executes one operator line. It reports whether the session should end.
func (s *Session) Handle(ctx context.Context, line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	action := resolver.Resolve(line, s.Supported())
	log.Debug("Input resolved", zap.String("input", line), zap.Stringer("action", action.Kind))

	switch action.Kind {
	case resolver.Quit:
		return true, nil
	case resolver.ListSupported:
		return false, displayer.WriteTable(s.console, displayer.Rows(s.Supported(), s.registry))
	case resolver.Control:
		return false, s.control(ctx, action.Command)
	case resolver.RequestPID:
		return false, s.requestPID(ctx, action.PID)
	default:
		// unknown text and unsupported PIDs are ignored
		return false, nil
	}
}

func (s *Session) control(ctx context.Context, cmd obd.ControlCommand) error {
	f, err := s.queue.Send(ctx, obd.ControlRequest(cmd))
	if err != nil {
		return err
	}
	if err := s.queue.AwaitDrained(ctx); err != nil {
		return err
	}

	resp, err := f.Wait(ctx)
	if errors.Is(err, queue.ErrTimeout) {
		fmt.Fprintf(s.console, "%s: no reply\n", cmd.Mnemonic())
		return nil
	}
	if err != nil {
		return err
	}

	if cmd == obd.Reset {
		s.setBanner(resp, cmd.Mnemonic())
	}
	for _, line := range resp.Lines {
		fmt.Fprintf(s.console, "TEXT: %s\n", line)
	}
	return nil
}

func (s *Session) requestPID(ctx context.Context, pid obd.PidCode) error {
	decoder, known := s.registry.Lookup(pid)
	if known {
		fmt.Fprintf(s.console, "Requesting data for PID: %s (%d)\n", decoder.Name(), pid)
	} else {
		fmt.Fprintf(s.console, "Requesting data for PID: %d\n", pid)
	}

	f, err := s.queue.Send(ctx, obd.PIDRequest(pid))
	if err != nil {
		return err
	}
	if err := s.queue.AwaitDrained(ctx); err != nil {
		return err
	}

	resp, err := f.Wait(ctx)
	if errors.Is(err, queue.ErrTimeout) {
		fmt.Fprintf(s.console, "PID %d: no reply\n", pid)
		return nil
	}
	if err != nil {
		return err
	}

	frames := resp.FramesFor(pid)
	if len(frames) == 0 {
		failure, _ := resp.Failure()
		fmt.Fprintf(s.console, "PID %d: %s\n", pid, failure)
		return nil
	}
	// one line per responding ECU
	for _, frame := range frames {
		s.printFrame(decoder, known, frame)
	}
	return nil
}

func (s *Session) printFrame(decoder obd.Decoder, known bool, frame obd.Frame) {
	if !known {
		fmt.Fprintln(s.console, displayer.FormatRaw(frame.PID, frame.Data))
		return
	}
	v, err := decoder.Decode(frame.Data)
	if err != nil {
		log.Warn("Decode failed", zap.Stringer("pid", frame.PID), zap.Error(err))
		fmt.Fprintln(s.console, displayer.FormatRaw(frame.PID, frame.Data))
		return
	}
	fmt.Fprintf(s.console, "RECEIVED DATA: %s\n", displayer.FormatValue(decoder.Name(), frame.PID, v))
}

// setBanner takes the adapter identification from a reset reply as the prompt.
func (s *Session) setBanner(resp obd.Response, sent string) {
	for i := len(resp.Lines) - 1; i >= 0; i-- {
		line := resp.Lines[i]
		if strings.EqualFold(strings.ReplaceAll(line, " ", ""), sent) || line == "OK" {
			continue
		}
		s.prompt = line
		return
	}
}

func (s *Session) status(status string) {
	if st, ok := s.console.(statusSetter); ok {
		st.SetStatus(status)
	}
}

// parseVoltage reads an ATRV reply like "12.5V".
func parseVoltage(resp obd.Response) (float64, error) {
	if len(resp.Lines) == 0 {
		return 0, errors.New("empty voltage reply")
	}
	line := resp.Lines[len(resp.Lines)-1]
	line = strings.TrimSpace(strings.TrimSuffix(strings.ToUpper(line), "V"))
	return strconv.ParseFloat(line, 64)
}
