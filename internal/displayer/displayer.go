package displayer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Displayer is the full-screen console. The session writes to the output
// pane and reads operator lines from the input field; the supported PIDs are
// also shown as a table on their own page.
type Displayer struct {
	app   *tview.Application
	tabs  *tview.Pages
	title string

	// UI elements cached for updates
	output     *tview.TextView
	input      *tview.InputField
	statusText *tview.TextView
	helpText   *tview.TextView
	pidTable   *tview.Table

	lines    chan string
	stopped  chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// BusyNote is shown when a line is submitted while the previous one is still
// being handled.
const BusyNote = "busy: press Enter again once the current command finishes"

func New(title string) *Displayer {
	d := &Displayer{
		app:     tview.NewApplication(),
		tabs:    tview.NewPages(),
		title:   title,
		lines:   make(chan string, 1),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	d.build()
	return d
}

// SetScreen replaces the terminal, e.g. with a simulation screen.
func (d *Displayer) SetScreen(screen tcell.Screen) {
	d.app.SetScreen(screen)
}

func (d *Displayer) build() {
	// header area: title, status, help
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText(d.title)
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).
		SetText("[F1 - Console] [F2 - PIDs] [Ctrl-C - Quit]")

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	headerFlex.AddItem(title, 1, 0, false)
	headerFlex.AddItem(d.statusText, 1, 0, false)
	headerFlex.AddItem(d.helpText, 1, 0, false)

	d.output = tview.NewTextView().
		SetScrollable(true).
		SetChangedFunc(d.redraw)
	d.output.SetBorder(true)

	d.input = tview.NewInputField().SetLabel("> ")
	d.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := d.input.GetText()
		select {
		case d.lines <- text:
			d.input.SetText("")
		default:
			// a command is still running; the text stays in the field
			go fmt.Fprintln(d.output, BusyNote)
		}
	})

	console := tview.NewFlex().SetDirection(tview.FlexRow)
	console.AddItem(d.output, 0, 1, false)
	console.AddItem(d.input, 1, 0, true)

	d.pidTable = d.buildPIDTable(nil)

	d.tabs.AddPage("console", console, true, true)
	d.tabs.AddPage("pids", d.pidTable, true, false)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	mainFlex.AddItem(headerFlex, 3, 0, false)
	mainFlex.AddItem(d.tabs, 0, 1, true)

	d.app.SetRoot(mainFlex, true)
	d.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF1:
			d.showPage("console")
			return nil
		case tcell.KeyF2:
			d.showPage("pids")
			return nil
		}
		return event
	})
	d.setStatus("[yellow]connecting[white]")
}

// Run shows the UI and runs session until it returns, the operator quits or
// ctx is cancelled. ReadLine returns io.EOF once the UI is stopping.
func (d *Displayer) Run(ctx context.Context, session func(ctx context.Context) error) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			d.Shutdown()
		case <-d.exited:
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- session(sessionCtx)
		d.quit()
	}()

	uiErr := d.app.Run()
	close(d.exited)
	d.stop()
	cancel()

	err := <-errCh
	if uiErr != nil {
		return uiErr
	}
	return err
}

// Shutdown asks the UI to stop; pending and later ReadLine calls return io.EOF.
func (d *Displayer) Shutdown() {
	d.stop()
	d.quit()
}

func (d *Displayer) stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// quit stops the event loop, waiting for it to start if needed.
func (d *Displayer) quit() {
	d.update(d.app.Stop)
}

// update runs f on the UI goroutine. It gives up once the event loop has exited.
func (d *Displayer) update(f func()) {
	done := make(chan struct{})
	go func() {
		d.app.QueueUpdateDraw(f)
		close(done)
	}()
	select {
	case <-done:
	case <-d.exited:
	}
}

// redraw schedules a refresh without blocking the writer.
func (d *Displayer) redraw() {
	select {
	case <-d.exited:
		return
	default:
	}
	go d.update(func() {})
}

// ReadLine waits for the operator to submit the input field.
func (d *Displayer) ReadLine(prompt string) (string, error) {
	select {
	case <-d.stopped:
		return "", io.EOF
	default:
	}
	d.update(func() {
		d.input.SetLabel(prompt + " > ")
	})

	select {
	case line := <-d.lines:
		fmt.Fprintf(d.output, "%s > %s\n", prompt, line)
		return line, nil
	case <-d.stopped:
		return "", io.EOF
	}
}

// Write appends to the output pane. Safe for concurrent use.
func (d *Displayer) Write(p []byte) (int, error) {
	return d.output.Write(p)
}

// ShowSupported fills the PID page.
func (d *Displayer) ShowSupported(rows []Row) {
	select {
	case <-d.stopped:
		return
	default:
	}
	d.update(func() {
		fillPIDTable(d.pidTable, rows)
	})
}

// SetStatus updates the header status line.
func (d *Displayer) SetStatus(status string) {
	select {
	case <-d.stopped:
		return
	default:
	}
	d.update(func() {
		d.setStatus(status)
	})
}

func (d *Displayer) setStatus(status string) {
	d.statusText.SetText(fmt.Sprintf("Status: %s", status))
}

func (d *Displayer) showPage(name string) {
	d.tabs.SwitchToPage(name)
	if name == "console" {
		d.app.SetFocus(d.input)
	} else {
		d.app.SetFocus(d.pidTable)
	}
}

func (d *Displayer) buildPIDTable(rows []Row) *tview.Table {
	tbl := tview.NewTable().SetBorders(true)
	fillPIDTable(tbl, rows)
	return tbl
}

func fillPIDTable(tbl *tview.Table, rows []Row) {
	tbl.Clear()
	tbl.SetCell(0, 0, tview.NewTableCell("Type").SetSelectable(false).SetAlign(tview.AlignCenter))
	tbl.SetCell(0, 1, tview.NewTableCell("PID").SetSelectable(false).SetAlign(tview.AlignCenter))
	for i, r := range rows {
		tbl.SetCell(i+1, 0, tview.NewTableCell(r.Name))
		tbl.SetCell(i+1, 1, tview.NewTableCell(fmt.Sprintf("%d", r.PID)).SetAlign(tview.AlignRight))
	}
}
