package resolver

import (
	"strconv"
	"strings"

	"pidscope/internal/obd"
)

const (
	ListKeyword = "PIDS"
)

// QuitKeywords end the session.
var QuitKeywords = []string{"Q", "QUIT"}

type Kind int

const (
	Unrecognized Kind = iota
	Quit
	ListSupported
	Control
	RequestPID
)

func (k Kind) String() string {
	switch k {
	case Quit:
		return "Quit"
	case ListSupported:
		return "ListSupported"
	case Control:
		return "Control"
	case RequestPID:
		return "RequestPID"
	default:
		return "Unrecognized"
	}
}

// Action is what the operator asked for.
type Action struct {
	Kind    Kind
	Command obd.ControlCommand
	PID     obd.PidCode
}

// Resolve maps operator text to an Action. It has no side effects. Checks run
// in a fixed order: quit, listing, control mnemonic, supported PID.
func Resolve(text string, supported obd.SupportedSet) Action {
	input := strings.ToUpper(strings.TrimSpace(text))

	for _, q := range QuitKeywords {
		if input == q {
			return Action{Kind: Quit}
		}
	}
	if input == ListKeyword {
		return Action{Kind: ListSupported}
	}
	if cmd, ok := obd.LookupControl(input); ok {
		return Action{Kind: Control, Command: cmd}
	}
	if pid, ok := ParsePID(input); ok && supported.Contains(pid) {
		return Action{Kind: RequestPID, PID: pid}
	}
	return Action{Kind: Unrecognized}
}

// ParsePID reads a decimal byte, or a hexadecimal one with a 0x prefix.
func ParsePID(s string) (obd.PidCode, bool) {
	s = strings.TrimSpace(s)
	base := 10
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, false
	}
	return obd.PidCode(v), true
}
