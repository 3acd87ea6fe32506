// Package logging provides the plain stdlib-log wrapper used throughout
// vhdgw, adding ANSI coloring for interactive terminals only.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

var colorEnabled = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

const (
	red    = "\x1b[31m"
	yellow = "\x1b[33m"
	reset  = "\x1b[0m"
)

func colorize(color, format string) string {
	if !colorEnabled {
		return format
	}
	return color + format + reset
}

// Errorf logs at error severity, matching log.Printf's formatting rules.
func Errorf(format string, args ...interface{}) {
	log.Output(2, fmt.Sprintf(colorize(red, "ERROR: "+format), args...))
}

// Warnf logs at warning severity.
func Warnf(format string, args ...interface{}) {
	log.Output(2, fmt.Sprintf(colorize(yellow, "WARN: "+format), args...))
}

// Infof logs at informational severity, uncolored.
func Infof(format string, args ...interface{}) {
	log.Output(2, fmt.Sprintf(format, args...))
}
