package obd

import "strings"

// ControlCommand is an AT command addressed to the adapter itself.
type ControlCommand int

const (
	Reset ControlCommand = iota + 1
	ReadVoltage
	EchoOn
	EchoOff
	HeadersOn
	HeadersOff
	SpacesOn
	SpacesOff
	LinefeedsOn
	LinefeedsOff
	SetProtocolAuto
	PrintVersion
	CloseProtocol
)

var controlCommands = []struct {
	cmd      ControlCommand
	mnemonic string
	name     string
}{
	{Reset, "ATZ", "Reset"},
	{ReadVoltage, "ATRV", "ReadVoltage"},
	{EchoOn, "ATE1", "EchoOn"},
	{EchoOff, "ATE0", "EchoOff"},
	{HeadersOn, "ATH1", "HeadersOn"},
	{HeadersOff, "ATH0", "HeadersOff"},
	{SpacesOn, "ATS1", "SpacesOn"},
	{SpacesOff, "ATS0", "SpacesOff"},
	{LinefeedsOn, "ATL1", "LinefeedsOn"},
	{LinefeedsOff, "ATL0", "LinefeedsOff"},
	{SetProtocolAuto, "ATSP0", "SetProtocolAuto"},
	{PrintVersion, "ATI", "PrintVersion"},
	{CloseProtocol, "ATPC", "CloseProtocol"},
}

// Mnemonic returns the AT text sent on the wire, e.g. "ATZ".
func (c ControlCommand) Mnemonic() string {
	for _, e := range controlCommands {
		if e.cmd == c {
			return e.mnemonic
		}
	}
	return ""
}

func (c ControlCommand) String() string {
	for _, e := range controlCommands {
		if e.cmd == c {
			return e.name
		}
	}
	return "Unknown"
}

// LookupControl finds the command for a mnemonic, ignoring case.
func LookupControl(mnemonic string) (ControlCommand, bool) {
	for _, e := range controlCommands {
		if strings.EqualFold(e.mnemonic, mnemonic) {
			return e.cmd, true
		}
	}
	return 0, false
}

// Mnemonics lists every control mnemonic in table order.
func Mnemonics() []string {
	out := make([]string, len(controlCommands))
	for i, e := range controlCommands {
		out[i] = e.mnemonic
	}
	return out
}
