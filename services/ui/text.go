package ui

import (
	"strings"

	"calx-go/types"
)

// Metrics is the text grid for one text size on a 128x32 panel.
type Metrics struct {
	Cols  int
	Rows  int
	Pitch int16
}

var metrics = [...]Metrics{
	types.TextSmall:  {Cols: 21, Rows: 4, Pitch: 8},
	types.TextNormal: {Cols: 16, Rows: 3, Pitch: 10},
	types.TextLarge:  {Cols: 10, Rows: 2, Pitch: 16},
}

func MetricsFor(s types.TextSize) Metrics {
	if int(s) < len(metrics) {
		return metrics[s]
	}
	return metrics[types.TextNormal]
}

// NextTextSize cycles Small, Normal, Large.
func NextTextSize(s types.TextSize) types.TextSize {
	return (s + 1) % types.TextSize(len(metrics))
}

// Lines splits text on newlines and cuts each paragraph into runs of at most
// cols runes. Trailing blank lines are dropped.
func Lines(text string, cols int) []string {
	if cols <= 0 {
		cols = 1
	}
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		r := []rune(para)
		if len(r) == 0 {
			out = append(out, "")
			continue
		}
		for len(r) > cols {
			out = append(out, string(r[:cols]))
			r = r[cols:]
		}
		out = append(out, string(r))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

// Fit truncates s to cols runes.
func Fit(s string, cols int) string {
	r := []rune(s)
	if len(r) <= cols {
		return s
	}
	return string(r[:cols])
}
