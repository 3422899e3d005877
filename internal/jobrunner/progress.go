package jobrunner

import (
	"fmt"

	"github.com/pterm/pterm"
)

// PtermProgress renders one live percent line per device using pterm's
// progress bar, matching the teacher's use of pterm for operator-facing
// terminal output (cmd/hive/cmd/top.go's tables).
type PtermProgress struct {
	bars map[string]*pterm.ProgressbarPrinter
}

// NewPtermProgress returns a Progress implementation ready for use.
func NewPtermProgress() *PtermProgress {
	return &PtermProgress{bars: make(map[string]*pterm.ProgressbarPrinter)}
}

func (p *PtermProgress) barFor(device string) *pterm.ProgressbarPrinter {
	bar, ok := p.bars[device]
	if ok {
		return bar
	}
	bar, _ = pterm.DefaultProgressbar.WithTotal(100).WithTitle(fmt.Sprintf("backup %s", device)).Start()
	p.bars[device] = bar
	return bar
}

// Update advances the device's bar to the given percent.
func (p *PtermProgress) Update(device string, percent int) {
	bar := p.barFor(device)
	delta := percent - bar.Current
	if delta > 0 {
		bar.Add(delta)
	}
}

// Done completes and removes the device's bar.
func (p *PtermProgress) Done(device string) {
	bar, ok := p.bars[device]
	if !ok {
		return
	}
	if bar.Current < 100 {
		bar.Add(100 - bar.Current)
	}
	_, _ = bar.Stop()
	delete(p.bars, device)
}
