package retrodfrg

import (
	"strings"
	"time"
)

// Glyphs used by BlockMap.
const (
	GlyphDone    = '█'
	GlyphCurrent = '▒'
	GlyphPending = '░'
)

// BlockMap renders a width x rows grid where the first percent of the cells
// are done, the next one is in progress and the rest are pending.
func BlockMap(percent, width, rows int) []string {
	if width <= 0 || rows <= 0 {
		return nil
	}
	percent = max(0, min(100, percent))
	cells := width * rows
	done := cells * percent / 100
	lines := make([]string, rows)
	for r := 0; r < rows; r++ {
		var b strings.Builder
		for c := 0; c < width; c++ {
			i := r*width + c
			switch {
			case i < done:
				b.WriteRune(GlyphDone)
			case i == done && percent < 100:
				b.WriteRune(GlyphCurrent)
			default:
				b.WriteRune(GlyphPending)
			}
		}
		lines[r] = b.String()
	}
	return lines
}

// Legend explains the BlockMap glyphs.
func Legend() []string {
	return []string{string(GlyphDone) + " done  " + string(GlyphCurrent) + " in progress  " + string(GlyphPending) + " pending   (Q/Esc to cancel)"}
}

// WaitWithStop holds the final screen for d, or until the user presses a
// stop key.
func WaitWithStop(u *UI, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-u.stopChan:
		return ErrInterrupted
	case <-timer.C:
		return nil
	}
}
