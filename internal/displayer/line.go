package displayer

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
)

// LineConsole is the plain terminal console used with --no-tui. History is
// kept in memory for the session only.
type LineConsole struct {
	state *liner.State
	out   io.Writer
}

// NewLineConsole takes over the terminal; call Close to restore it.
// completions are offered on Tab, matched case-insensitively.
func NewLineConsole(completions []string) *LineConsole {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true) // ^C ends the session
	state.SetCompleter(func(line string) (c []string) {
		for _, name := range completions {
			if strings.HasPrefix(strings.ToLower(name), strings.ToLower(line)) {
				c = append(c, name)
			}
		}
		return
	})
	return &LineConsole{state: state, out: os.Stdout}
}

// ReadLine prompts with "<prompt> > ". ^C and ^D both report io.EOF.
func (c *LineConsole) ReadLine(prompt string) (string, error) {
	line, err := c.state.Prompt(prompt + " > ")
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		c.state.AppendHistory(line)
	}
	return line, nil
}

func (c *LineConsole) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func (c *LineConsole) Close() error {
	return c.state.Close()
}
