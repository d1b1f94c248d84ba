// Package ui renders CLI output. Styles apply only when stdout is a color
// terminal; pipes and redirects get plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Color palette
var (
	primaryColor = lipgloss.Color("205") // Pink
	mutedColor   = lipgloss.Color("241") // Gray
	successColor = lipgloss.Color("78")  // Green
	warningColor = lipgloss.Color("214") // Orange
	errorColor   = lipgloss.Color("196") // Red
	infoColor    = lipgloss.Color("86")  // Cyan
)

// Printer writes styled output to one writer.
type Printer struct {
	out io.Writer

	title   lipgloss.Style
	header  lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	info    lipgloss.Style
}

// Stdout returns a Printer for os.Stdout.
func Stdout() *Printer {
	return New(os.Stdout)
}

// New creates a Printer. Colors are enabled only when out is a terminal
// whose color profile supports them.
func New(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	if !IsTerminal(out) {
		r.SetColorProfile(termenv.Ascii)
	} else {
		r.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
	}

	return &Printer{
		out:     out,
		title:   r.NewStyle().Bold(true).Foreground(primaryColor),
		header:  r.NewStyle().Bold(true).Foreground(mutedColor),
		muted:   r.NewStyle().Foreground(mutedColor),
		success: r.NewStyle().Foreground(successColor),
		warning: r.NewStyle().Foreground(warningColor),
		failure: r.NewStyle().Bold(true).Foreground(errorColor),
		info:    r.NewStyle().Foreground(infoColor),
	}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Title prints a bold heading.
func (p *Printer) Title(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.title.Render(fmt.Sprintf(format, args...)))
}

// Success prints a green check line.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints an orange warning line.
func (p *Printer) Warn(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.warning.Render("! "+fmt.Sprintf(format, args...)))
}

// Fail prints a red failure line.
func (p *Printer) Fail(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.failure.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Muted prints a gray line.
func (p *Printer) Muted(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.muted.Render(fmt.Sprintf(format, args...)))
}

// Println prints unstyled text.
func (p *Printer) Println(a ...interface{}) {
	fmt.Fprintln(p.out, a...)
}

// Status colors a feature or loop status.
func (p *Printer) Status(status string) string {
	return p.StatusText(status, status)
}

// StatusText renders text in the color of status.
func (p *Printer) StatusText(status, text string) string {
	switch status {
	case "completed", "verified", "running":
		return p.success.Render(text)
	case "in_progress", "stopping":
		return p.info.Render(text)
	case "waiting_approval", "ready":
		return p.warning.Render(text)
	case "failed":
		return p.failure.Render(text)
	default:
		return p.muted.Render(text)
	}
}

// Table prints rows in aligned columns under a header row. Widths are
// measured on rendered cells so styled text aligns too.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		var sb strings.Builder
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			sb.WriteString(cell)
			if i < len(cells)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		return strings.TrimRight(sb.String(), " ")
	}

	fmt.Fprintln(p.out, line(headers, &p.header))
	for _, row := range rows {
		fmt.Fprintln(p.out, line(row, nil))
	}
}
