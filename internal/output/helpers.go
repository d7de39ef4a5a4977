package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/tanq16/grabber/internal/utils"
	"golang.org/x/term"
)

// ProgressLine renders a bar with percentage, byte counts and speed. Unknown
// totals render without a bar.
func ProgressLine(current, total int64, speed float64, width int) string {
	if total <= 0 {
		return debugStyle.Render(fmt.Sprintf("%s %s %s %s",
			StyleSymbols["bullet"], utils.FormatBytes(current), StyleSymbols["bullet"], utils.FormatSpeed(speed)))
	}
	if width <= 0 {
		width = 30
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	bar += strings.Repeat(" ", width-filled)
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s %s / %s %s %s", bar, percent*100, StyleSymbols["bullet"],
		utils.FormatBytes(current), utils.FormatBytes(total), StyleSymbols["bullet"], utils.FormatSpeed(speed)))
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
