package displayer

import (
	"fmt"
	"io"
	"strings"

	"pidscope/internal/obd"
)

// Row is one line of the supported PID listing.
type Row struct {
	Name string
	PID  obd.PidCode
}

// Rows lists the supported codes that have a decoder, in set order.
// Codes without a decoder are left out.
func Rows(supported obd.SupportedSet, registry *obd.Registry) []Row {
	var rows []Row
	for _, code := range supported.Codes() {
		d, ok := registry.Lookup(code)
		if !ok {
			continue
		}
		rows = append(rows, Row{Name: d.Name(), PID: code})
	}
	return rows
}

// WriteTable draws rows as a boxed TYPE/PID table. Nothing is written for an
// empty listing.
func WriteTable(w io.Writer, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	width := len("TYPE")
	for _, r := range rows {
		width = max(width, len(r.Name))
	}
	rule := strings.Repeat("─", width+1)

	var sb strings.Builder
	fmt.Fprintf(&sb, "┌%s┬─────┐\n", rule)
	fmt.Fprintf(&sb, "│%-*s │ PID │\n", width, "TYPE")
	fmt.Fprintf(&sb, "├%s┼─────┤\n", rule)
	for i, r := range rows {
		fmt.Fprintf(&sb, "│%-*s │%4d │\n", width, r.Name, r.PID)
		if i < len(rows)-1 {
			fmt.Fprintf(&sb, "├%s┼─────┤\n", rule)
		}
	}
	fmt.Fprintf(&sb, "└%s┴─────┘\n", rule)

	_, err := io.WriteString(w, sb.String())
	return err
}

// FormatValue renders a decoded reading the way the console prints it.
func FormatValue(name string, pid obd.PidCode, v obd.Value) string {
	return fmt.Sprintf("%s (PID %d): %s", name, pid, v)
}

// FormatRaw renders data bytes that no decoder could interpret.
func FormatRaw(pid obd.PidCode, data []byte) string {
	return fmt.Sprintf("PID %d: % X", pid, data)
}
