package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	errRenderer = lipgloss.NewRenderer(os.Stderr)

	successStyle = errRenderer.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errorStyle   = errRenderer.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	warningStyle = errRenderer.NewStyle().Foreground(lipgloss.Color("214"))
	stepStyle    = errRenderer.NewStyle().Foreground(lipgloss.Color("39"))
	labelStyle   = errRenderer.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

var statusStyles = map[string]lipgloss.Style{
	"queued":      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	"in_progress": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	"completed":   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
	"cancelled":   lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Strikethrough(true),
}

func colorize(style lipgloss.Style, text string) string {
	if noColor {
		return text
	}
	return style.Render(text)
}

func statusLabel(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return status
	}
	return colorize(style, status)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(successStyle, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(errorStyle, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(warningStyle, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(labelStyle, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(stepStyle, "→ "+msg))
}
