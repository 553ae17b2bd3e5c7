// Package termui renders the turn event stream to a terminal. It is display
// only: nothing here feeds back into the turn loop.
package termui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"darner.dev/loop"
)

type Reporter struct {
	mu  sync.Mutex
	out io.Writer

	bold  func(a ...any) string
	faint func(a ...any) string
	red   func(a ...any) string
	cyan  func(a ...any) string
}

func New(out io.Writer) *Reporter {
	return &Reporter{
		out:   out,
		bold:  color.New(color.Bold).SprintFunc(),
		faint: color.New(color.Faint).SprintFunc(),
		red:   color.New(color.FgRed).SprintFunc(),
		cyan:  color.New(color.FgCyan).SprintFunc(),
	}
}

// Sink returns an EventSink rendering top-level turn events.
func (r *Reporter) Sink() loop.EventSink {
	return func(ev loop.TurnEvent) {
		r.render("", ev)
	}
}

// LaneSink returns a sink for subagent lane events, indented and prefixed
// with the lane id so nested activity reads hierarchically.
func (r *Reporter) LaneSink() loop.LaneSink {
	return func(laneID, parentLabel string, ev loop.TurnEvent) {
		r.render(laneID, ev)
	}
}

func (r *Reporter) render(lane string, ev loop.TurnEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := ""
	if lane != "" {
		prefix = r.faint(fmt.Sprintf("  [%s] ", lane))
	}
	switch ev := ev.(type) {
	case loop.TextDelta:
		fmt.Fprintf(r.out, "%s%s\n", prefix, ev.Text)
	case loop.ToolCallStart:
		fmt.Fprintf(r.out, "%s%s %s %s\n", prefix, r.cyan("⚙"), r.bold(ev.Name), r.faint(truncate(string(ev.Input), 80)))
	case loop.ToolResult:
		if ev.IsError {
			fmt.Fprintf(r.out, "%s%s %s: %s\n", prefix, r.red("✗"), ev.Name, firstLine(ev.Result))
		} else {
			fmt.Fprintf(r.out, "%s%s %s\n", prefix, r.faint("✓"), r.faint(ev.Name))
		}
	case loop.TurnComplete:
		fmt.Fprintf(r.out, "%s%s\n", prefix, r.faint(usageLine(ev.Usage)))
	case loop.TurnError:
		if ev.Interrupted {
			fmt.Fprintf(r.out, "%s%s\n", prefix, r.faint("interrupted"))
		} else {
			fmt.Fprintf(r.out, "%s%s %v\n", prefix, r.red("turn failed:"), ev.Err)
		}
	}
}

// System prints an out-of-band message, for REPL feedback.
func (r *Reporter) System(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s\n", r.faint(fmt.Sprintf(format, args...)))
}

// UsageSummary prints the session's aggregate token counters.
func (r *Reporter) UsageSummary(u loop.TurnUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s\n", r.bold("session usage"))
	fmt.Fprintf(r.out, "- input tokens:   %s\n", humanize.Comma(int64(u.InputTokens)))
	fmt.Fprintf(r.out, "- output tokens:  %s\n", humanize.Comma(int64(u.OutputTokens)))
	fmt.Fprintf(r.out, "- context tokens: %s\n", humanize.Comma(int64(u.ContextTokens)))
}

func usageLine(u loop.TurnUsage) string {
	return fmt.Sprintf("(%s in, %s out, context %s)",
		humanize.Comma(int64(u.InputTokens)),
		humanize.Comma(int64(u.OutputTokens)),
		humanize.Comma(int64(u.ContextTokens)))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
