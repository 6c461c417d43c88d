package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"diskimager/imaging"
	"diskimager/retrodfrg"
)

// display is an imaging.Observer that also owns a piece of the terminal
// for the length of a session.
type display interface {
	imaging.Observer
	// Stop is closed when the user asks to cancel from the display.
	Stop() <-chan struct{}
	// Done restores the terminal and prints the last status line.
	Done()
}

func newDisplay(kind, title string, summary []string, out io.Writer, log *slog.Logger) (display, error) {
	switch kind {
	case "tui":
		return newTUIDisplay(title, summary)
	case "quiet":
		return &quietDisplay{log: log}, nil
	}
	return newPlainDisplay(title, out), nil
}

// quietDisplay sends status messages to the log at debug level.
type quietDisplay struct {
	log *slog.Logger
}

func (d *quietDisplay) OnProgress(int) {}

func (d *quietDisplay) OnLogMessage(msg string) { d.log.Debug(msg) }

func (d *quietDisplay) Stop() <-chan struct{} { return nil }
func (d *quietDisplay) Done()                 {}

// plainDisplay draws a single-line progress bar.
type plainDisplay struct {
	out io.Writer
	bar *progressbar.ProgressBar

	mu   sync.Mutex
	last string
}

func newPlainDisplay(title string, out io.Writer) *plainDisplay {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(title),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &plainDisplay{out: out, bar: bar}
}

func (d *plainDisplay) OnProgress(percent int) {
	// 0 marks the end of the session, not a position.
	if percent > 0 {
		_ = d.bar.Set(percent)
	}
}

func (d *plainDisplay) OnLogMessage(msg string) {
	d.mu.Lock()
	d.last = msg
	d.mu.Unlock()
	d.bar.Describe(msg)
}

func (d *plainDisplay) Stop() <-chan struct{} { return nil }

func (d *plainDisplay) Done() {
	_ = d.bar.Clear()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != "" {
		fmt.Fprintln(d.out, d.last)
	}
}

// Phases shown by the full-screen view.
const (
	phasePrepare = "Prepare"
	phaseCopy    = "Copy"
	phaseFinish  = "Finish"
)

// tuiDisplay is the full-screen block-map view.
type tuiDisplay struct {
	ui *retrodfrg.UI

	mu      sync.Mutex
	percent int
	last    string
}

func newTUIDisplay(title string, summary []string) (*tuiDisplay, error) {
	ui, err := retrodfrg.NewUI()
	if err != nil {
		return nil, fmt.Errorf("start terminal UI: %w", err)
	}
	return newTUIDisplayOn(ui, title, summary), nil
}

func newTUIDisplayOn(ui *retrodfrg.UI, title string, summary []string) *tuiDisplay {
	ui.SetTitle(" " + title + " ")
	ui.SetSummaryLines(summary)
	ui.SetLegend(retrodfrg.Legend())
	ui.SetPhases([]string{phasePrepare, phaseCopy, phaseFinish})
	d := &tuiDisplay{ui: ui}
	d.draw()
	return d
}

func (d *tuiDisplay) draw() {
	w, h := d.ui.Size()
	// Leave room for title, summary, legend, phases and status.
	rows := max(1, h-12)
	d.mu.Lock()
	p := d.percent
	d.mu.Unlock()
	d.ui.SetProgressMap(retrodfrg.BlockMap(p, max(1, w), rows))
	d.ui.LayoutAndDraw()
}

func (d *tuiDisplay) OnProgress(percent int) {
	if percent > 0 {
		d.ui.SetPhaseDone(phasePrepare)
		d.mu.Lock()
		d.percent = percent
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		ok := strings.HasPrefix(d.last, "All Done")
		d.mu.Unlock()
		if ok {
			d.ui.SetPhaseDone(phaseCopy)
			d.ui.SetPhaseDone(phaseFinish)
		}
	}
	d.draw()
}

func (d *tuiDisplay) OnLogMessage(msg string) {
	d.mu.Lock()
	d.last = msg
	d.mu.Unlock()
	d.ui.SetStatusLines([]string{msg})
}

func (d *tuiDisplay) Stop() <-chan struct{} { return d.ui.Stopped() }

// Done leaves the final screen up for a moment, or until a key is pressed.
func (d *tuiDisplay) Done() {
	d.draw()
	_ = retrodfrg.WaitWithStop(d.ui, 2*time.Second)
	d.ui.Close()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != "" {
		fmt.Println(d.last)
	}
}
