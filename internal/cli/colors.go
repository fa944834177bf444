// Package cli provides colored terminal output for build diagnostics.
package cli

import (
	"os"

	"golang.org/x/term"
)

// ANSI color codes
const (
	reset   = "\033[0m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	cyan    = "\033[36m"
	magenta = "\033[35m"
	bold    = "\033[1m"
)

// ColorsEnabled controls whether colored output is enabled.
// Set to false to disable colors (e.g., via --no-color flag).
var ColorsEnabled = true

func init() {
	// Respect NO_COLOR environment variable (https://no-color.org/)
	if os.Getenv("NO_COLOR") != "" || !isTerminal() {
		ColorsEnabled = false
	}
}

// isTerminal checks if stdout is connected to a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// DisableColors turns off colored output.
func DisableColors() {
	ColorsEnabled = false
}

// colorize wraps text in ANSI color codes if colors are enabled.
func colorize(color, text string) string {
	if !ColorsEnabled {
		return text
	}
	return color + text + reset
}

// Error formats text in red (for errors, failures).
func Error(text string) string {
	return colorize(red, text)
}

// Success formats text in green (for success messages, completions).
func Success(text string) string {
	return colorize(green, text)
}

// Warning formats text in yellow (for warnings).
func Warning(text string) string {
	return colorize(yellow, text)
}

// Filename formats a filename/path in cyan.
func Filename(text string) string {
	return colorize(cyan, text)
}

// Number formats a number in magenta.
func Number(text string) string {
	return colorize(magenta, text)
}

// Bold formats text in bold (for emphasis, section headers).
func Bold(text string) string {
	return colorize(bold, text)
}
