// Package ui renders mirrord CLI output with lipgloss.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

var (
	blue  = lipgloss.Color("39")
	green = lipgloss.Color("76")
	red   = lipgloss.Color("204")
	amber = lipgloss.Color("214")
	grey  = lipgloss.Color("243")
	rule  = lipgloss.Color("238")
)

var (
	HeaderStyle  = lipgloss.NewStyle().Foreground(blue).Bold(true).Padding(0, 1)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(amber)
	MutedStyle   = lipgloss.NewStyle().Foreground(grey)
)

// ConfigureColor picks the color profile for stdout. Colors are dropped when
// noColor is set, NO_COLOR is present, or stdout is not a terminal.
func ConfigureColor(noColor bool) {
	_, envNoColor := os.LookupEnv("NO_COLOR")
	if noColor || envNoColor || !isTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func Muted(s string) string { return MutedStyle.Render(s) }

// Mirroring renders an image's mirroring flag.
func Mirroring(enabled bool) string {
	if enabled {
		return SuccessStyle.Render("enabled")
	}
	return WarnStyle.Render("disabled")
}

func SuccessMsg(format string, a ...any) string {
	return SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return ErrorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

type Pair struct {
	Key   string
	Value string
}

// KeyValues renders "key: value" lines with the values aligned.
func KeyValues(pairs ...Pair) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p.Key)+1)
	}
	var sb strings.Builder
	for _, p := range pairs {
		sb.WriteString(MutedStyle.Render(fmt.Sprintf("%-*s", width, p.Key+":")))
		sb.WriteString(" " + p.Value + "\n")
	}
	return sb.String()
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(rule)).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return cell
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
