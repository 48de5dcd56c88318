// Package render prints model output to the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// wrapWidth is the word-wrap column for rendered markdown.
const wrapWidth = 100

var errorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("9")).
	Bold(true)

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Markdown writes text to w, rendered with glamour when w is a terminal and
// forceRaw is false. Piped output is always written as-is.
func Markdown(w io.Writer, text string, forceRaw bool) error {
	out := text
	if !forceRaw && IsTerminal(w) {
		out = renderMarkdown(text)
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}

// renderMarkdown returns text unchanged if glamour fails.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return text
	}
	rendered, err := r.Render(text)
	if err != nil {
		return text
	}
	return rendered
}

// Error writes err to w, styled when w is a terminal.
func Error(w io.Writer, err error) {
	msg := "Error: " + err.Error()
	if IsTerminal(w) {
		msg = errorStyle.Render(msg)
	}
	_, _ = fmt.Fprintln(w, msg)
}
