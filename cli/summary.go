package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gammadia/noodles/scheduler"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
	"golang.org/x/term"
)

// emojiLabel returns the emoji followed by spacing equal to its rune count,
// ensuring consistent alignment regardless of emoji rendering width.
func emojiLabel(emoji string) string {
	return emoji + strings.Repeat(" ", utf8.RuneCountInString(emoji))
}

// terminalWidth returns the width of stdout, or 0 when it is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// formatItems formats a list of experiment names for display, truncating the
// list to fit on lineLength columns. Everything is shown in verbose mode.
func formatItems(items []string, lineLength int, verbose bool) string {
	nbItems := len(items)
	if nbItems < 1 {
		return ""
	}

	displayItems := 20
	if lineLength <= 0 {
		lineLength = 180
	}
	if verbose {
		displayItems = math.MaxInt32
		lineLength = math.MaxInt32
	}
	partial := nbItems > displayItems
	var nItems []string
	for displayItems > 0 {
		nItems = items[:min(nbItems, displayItems)]
		if uniseg.GraphemeClusterCount(strings.Join(nItems, " ")) <= lineLength {
			break
		}
		displayItems -= 1
		partial = true
	}

	return fmt.Sprintf("%s%s (%s%d)", strings.Join(nItems, " "), lo.Ternary(partial, " …", ""), emojiLabel("📝"), nbItems)
}

type summary struct {
	verbose bool
	// Columns available for experiment lists, the default when 0
	width int
}

// render returns the end of run report: duration, experiments by final state
// and run-wide flags.
func (s summary) render(result *scheduler.Result) string {
	duration := result.EndedAt.Sub(result.StartedAt).Truncate(time.Second)
	lines := []string{
		fmt.Sprintf("Run '%s' %s after %d rounds (%s%s)", result.RunID, s.verb(result), result.Rounds, emojiLabel("⏱️"), duration),
	}

	sections := []struct {
		emoji string
		state scheduler.ExperimentState
	}{
		{"✅", scheduler.ExperimentSucceeded},
		{"⚠️", scheduler.ExperimentFailed},
		{"⏳", scheduler.ExperimentPending},
		{"🧱", scheduler.ExperimentBlocked},
	}
	for _, section := range sections {
		names := lo.FilterMap(result.Experiments, func(e scheduler.ExperimentResult, _ int) (string, bool) {
			return e.Name, e.State == section.state
		})
		if len(names) > 0 {
			label := emojiLabel(section.emoji)
			lines = append(lines, label+formatItems(names, s.width-uniseg.GraphemeClusterCount(label), s.verbose))
		}
	}

	if result.ErrorFlag {
		lines = append(lines, emojiLabel("💥")+"errors were raised during the run")
	}
	return strings.Join(lines, "\n")
}

func (s summary) verb(result *scheduler.Result) string {
	switch {
	case result.Aborted:
		return "aborted"
	case result.Canceled:
		return "interrupted"
	default:
		return "finished"
	}
}
