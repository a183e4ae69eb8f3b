package cli

import (
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes. Blanked when stdout is not a terminal.
var (
	colorReset   = "\033[0m"
	colorBold    = "\033[1m"
	colorDim     = "\033[2m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
)

func init() {
	fd := os.Stdout.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return
	}
	for _, c := range []*string{
		&colorReset, &colorBold, &colorDim, &colorRed, &colorGreen,
		&colorYellow, &colorBlue, &colorMagenta, &colorCyan,
	} {
		*c = ""
	}
}

func statusColor(s string) string {
	switch s {
	case "completed", "healthy":
		return colorGreen
	case "failed", "critical":
		return colorRed
	case "partial", "warning", "dispatched":
		return colorYellow
	case "in-progress", "running":
		return colorBlue
	}
	return ""
}
