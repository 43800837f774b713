package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
)

// interactive reports whether stdout is a terminal. Styled output is
// suppressed when piping.
func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTLINK_NO_COLOR") == ""
}

func styled(s lipgloss.Style, text string) string {
	if !interactive() {
		return text
	}
	return s.Render(text)
}
