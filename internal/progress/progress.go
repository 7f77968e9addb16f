// Package progress renders pipeline completion on a terminal.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/yairfalse/churn/types"
)

// Bar tracks finished (scope, window) pipelines with a progress bar. It
// implements orchestrator.Progress and is safe for concurrent use.
type Bar struct {
	w io.Writer

	mu        sync.Mutex
	bar       *progressbar.ProgressBar
	total     int
	completed int
	failed    int
}

// NewBar creates a progress bar writing to w
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Start resets the bar for total pipelines
func (b *Bar) Start(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	b.completed = 0
	b.failed = 0
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("[cyan]fetching change activity[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Done records one finished pipeline
func (b *Bar) Done(scope types.AccountScope, window types.WindowKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil {
		return
	}

	b.completed++
	if err != nil {
		b.failed++
	}

	b.bar.Describe(fmt.Sprintf("[cyan][%d/%d][reset] %s (%s)", b.completed, b.total, scope, window))
	_ = b.bar.Add(1)
}

// Finish completes the bar and prints a one-line outcome
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()

	if b.failed > 0 {
		fmt.Fprintf(b.w, "\n%d of %d fetches failed\n", b.failed, b.total)
		return
	}
	fmt.Fprintf(b.w, "\n%d fetches completed\n", b.completed)
}

// Counts returns completed and failed pipelines so far
func (b *Bar) Counts() (completed, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed, b.failed
}
