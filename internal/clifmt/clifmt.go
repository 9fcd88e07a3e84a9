package clifmt

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiBoldCyan   = "1;36"
	ansiGreen      = "32"
	ansiYellow     = "33"
	ansiRed        = "31"
	ansiDim        = "2"
	ansiBoldYellow = "1;33"
)

func Headerf(format string, args ...any) string {
	return colorize(ansiBoldCyan, fmt.Sprintf(format, args...))
}

func Success(text string) string { return colorize(ansiGreen, text) }

func Warn(text string) string { return colorize(ansiYellow, text) }

func Dim(text string) string { return colorize(ansiDim, text) }

func Key(text string) string { return colorize(ansiBoldYellow, text) }

// Status colours an operation status: green when it succeeded, red for
// failed, cancelled or timed out, dim while still running.
func Status(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "confirmed":
		return colorize(ansiGreen, status)
	case "failed", "cancelled", "timed_out", "expired":
		return colorize(ansiRed, status)
	default:
		return colorize(ansiDim, status)
	}
}

func colorize(code string, text string) string {
	if !useColor() {
		return text
	}
	return "\x1b[" + code + "m" + text + "\x1b[0m"
}

// useColor honours NO_COLOR and TERM=dumb and otherwise colours only a
// terminal stdout.
func useColor() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}
