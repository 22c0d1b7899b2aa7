package logger

import "github.com/mattn/go-isatty"

// isTerminal reports whether the sink is an interactive terminal, which
// gates colour output.
func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
