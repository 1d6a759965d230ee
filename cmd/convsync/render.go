package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/registry"
	"github.com/go-go-golems/convsync/pkg/signals"
)

var (
	promptStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	statusStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	erroredStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
	signalStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	interruptedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00"))
)

// printer writes streamed replies, connection changes and signals. Deltas are
// written as they arrive; with markdown enabled the finished reply is
// rendered once through glamour instead.
type printer struct {
	out      io.Writer
	markdown bool
	renderer *glamour.TermRenderer

	mu      sync.Mutex
	printed map[string]int
}

func newPrinter(out io.Writer, markdown bool) *printer {
	p := &printer{out: out, printed: map[string]int{}}
	if markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(wrapWidth()))
		if err == nil {
			p.markdown = true
			p.renderer = r
		}
	}
	return p
}

// wrapWidth is the stdout terminal width, capped to keep prose readable.
func wrapWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return min(w-2, 120)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprint(p.out, promptStyle.Render("> "))
}

func (p *printer) Stream(sm assembler.StreamingMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sm.Status == assembler.StatusStreaming {
		if p.markdown {
			return
		}
		n := p.printed[sm.ID]
		if len(sm.Buffer) > n {
			_, _ = fmt.Fprint(p.out, sm.Buffer[n:])
			p.printed[sm.ID] = len(sm.Buffer)
		}
		return
	}

	n := p.printed[sm.ID]
	delete(p.printed, sm.ID)
	if p.markdown && sm.Buffer != "" {
		if rendered, err := p.renderer.Render(sm.Buffer); err == nil {
			_, _ = fmt.Fprint(p.out, rendered)
		} else {
			_, _ = fmt.Fprintln(p.out, sm.Buffer)
		}
	} else {
		if len(sm.Buffer) > n {
			_, _ = fmt.Fprint(p.out, sm.Buffer[n:])
		}
		_, _ = fmt.Fprintln(p.out)
	}
	if sm.Status == assembler.StatusInterrupted {
		_, _ = fmt.Fprintln(p.out, interruptedStyle.Render("[interrupted: "+sm.Reason+"]"))
	}
}

func (p *printer) Connection(ch registry.StateChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("[%s %s -> %s]", ch.Key, ch.From, ch.To)
	if ch.Err != nil {
		_, _ = fmt.Fprintln(p.out, erroredStyle.Render(line+" "+ch.Err.Error()))
		return
	}
	_, _ = fmt.Fprintln(p.out, statusStyle.Render(line))
}

func (p *printer) Signal(sig signals.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	payload := truncate(strings.TrimSpace(string(sig.Payload)), 120)
	_, _ = fmt.Fprintln(p.out, signalStyle.Render(fmt.Sprintf("[signal %s] %s", sig.Type, payload)))
	return nil
}

// truncate shortens s to at most n runes, ending in "..." when cut.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func (p *printer) Info(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, statusStyle.Render(fmt.Sprintf(format, args...)))
}
