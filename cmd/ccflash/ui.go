package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var (
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

func printSuccess(format string, args ...any) {
	fmt.Println(styleGreen.Render(fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Println(styleRed.Render(fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Println(styleYellow.Render(fmt.Sprintf(format, args...)))
}

// barWidth is the render width of a stage's progress bar.
const barWidth = 64

var stageTitles = map[string]string{
	"erase":   "Erasing",
	"program": "Downloading",
	"verify":  "Verifying",
}

// progressBar renders one mpb bar per operation stage. Each stage gets its
// own progress container so bars never interleave with the status lines
// printed between operations.
type progressBar struct {
	p       *mpb.Progress
	bar     *mpb.Bar
	stage   string
	lastPct int
}

// Update advances the current stage's bar; a stage change finishes the
// previous bar and starts a new one. Totals may be estimates, so done is
// clamped for the percentage shown to the reporter.
func (pb *progressBar) Update(stage string, done, total uint32) {
	if stage != pb.stage {
		pb.Finish()
		pb.stage = stage
		pb.lastPct = 0

		if total == 0 {
			total = 1
		}
		title, ok := stageTitles[stage]
		if !ok {
			title = stage
		}
		pb.p = mpb.New(mpb.WithWidth(barWidth))
		pb.bar = pb.p.AddBar(int64(total),
			mpb.PrependDecorators(
				decor.Name(title+": "),
				decor.Percentage(decor.WCSyncSpace),
			),
		)
	}

	pb.bar.SetCurrent(int64(done))
	if total > 0 {
		pct := int(uint64(done) * 100 / uint64(total))
		if pct > 100 {
			pct = 100
		}
		pb.lastPct = pct
	}
}

// Abort drops the current stage's bar without completing it, so a failure
// line is not printed underneath a live render.
func (pb *progressBar) Abort() {
	if pb.p == nil {
		return
	}
	pb.bar.Abort(true)
	pb.p.Wait()
	pb.p, pb.bar = nil, nil
	pb.stage = ""
}

// Finish completes the current stage's bar and waits for its final render.
// Estimated totals are reconciled to whatever was actually transferred.
func (pb *progressBar) Finish() {
	if pb.p == nil {
		return
	}
	// A non-positive total completes the bar at its current value.
	pb.bar.SetTotal(-1, true)
	pb.p.Wait()
	pb.p, pb.bar = nil, nil
	pb.stage = ""
	pb.lastPct = 100
}
