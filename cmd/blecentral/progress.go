package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blecentral/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressLine shows a single self-updating status line with the time left
// (or elapsed, for a zero duration). It writes nothing unless out is a
// terminal.
//
// Stop must be called exactly once after Start.
type progressLine struct {
	out      io.Writer
	prefix   string
	duration time.Duration
	enabled  bool

	phase   atomic.Value
	started time.Time
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

func newProgressLine(out io.Writer, prefix, phase string, duration time.Duration) *progressLine {
	p := &progressLine{
		out:      out,
		prefix:   prefix,
		duration: duration,
		enabled:  isTerminal(out),
	}
	p.phase.Store(phase)
	return p
}

func (p *progressLine) Start(ctx context.Context) {
	if !p.enabled {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()
	p.print()

	p.done.Add(1)
	groutine.Go(ctx, "progress", func(ctx context.Context) {
		defer p.done.Done()
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.print()
			}
		}
	})
}

// SetPhase changes the label shown in parentheses.
func (p *progressLine) SetPhase(phase string) {
	p.phase.Store(phase)
}

func (p *progressLine) print() {
	elapsed := time.Since(p.started)
	seconds := int(elapsed.Seconds())
	if p.duration > 0 {
		seconds = 0
		if remaining := p.duration - elapsed; remaining > 0 {
			// round to the nearest second
			seconds = int(remaining.Seconds() + 0.5)
		}
	}
	fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, p.phase.Load().(string), seconds)
}

// Stop ends the updates and clears the line.
func (p *progressLine) Stop() {
	if !p.enabled {
		return
	}
	p.cancel()
	p.done.Wait()
	fmt.Fprint(p.out, clearLineSequence)
}
