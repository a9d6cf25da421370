// Package main prints a one-line summary of the cadenza worker for shell
// prompts and terminal status bars.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/cadenza/internal/config"
	"github.com/thebtf/cadenza/internal/engine"
	"github.com/thebtf/cadenza/internal/feedback"
	"github.com/thebtf/cadenza/internal/session"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorRed    = "\033[31m"
)

func main() {
	format := flag.String("format", envOr("CADENZA_STATUSLINE_FORMAT", "default"), "Output format: default, compact or minimal")
	timeout := flag.Duration("timeout", 100*time.Millisecond, "Worker request timeout")
	flag.Parse()

	endpoint := fmt.Sprintf("http://%s:%d/api/status", config.DefaultWorkerHost, config.GetWorkerPort())
	fmt.Println(formatStatusLine(getStatus(endpoint, *timeout), *format, useColors()))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// useColors is on unless TERM is dumb or NO_COLOR is set;
// CADENZA_STATUSLINE_COLORS overrides both.
func useColors() bool {
	switch os.Getenv("CADENZA_STATUSLINE_COLORS") {
	case "false":
		return false
	case "true":
		return true
	}
	return os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

// getStatus fetches the engine status. Nil means the worker is offline or
// still starting.
func getStatus(endpoint string, timeout time.Duration) *engine.Status {
	client := &http.Client{Timeout: timeout}

	resp, err := client.Get(endpoint)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var st engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil
	}
	return &st
}

func paint(s, color string, on bool) string {
	if !on {
		return s
	}
	return color + s + colorReset
}

// formatStatusLine formats the status line output.
func formatStatusLine(st *engine.Status, format string, colors bool) string {
	prefix := paint("[cadenza]", colorCyan, colors)
	if st == nil {
		return prefix + " " + paint("○", colorGray, colors)
	}

	switch format {
	case "compact":
		return formatCompact(st, colors)
	case "minimal":
		return formatMinimal(st, colors)
	default:
		return formatDefault(st, colors)
	}
}

// stateIndicator is a filled dot while recording and a hollow one otherwise.
func stateIndicator(st *engine.Status, colors bool) string {
	switch {
	case st.State == session.StateRecording:
		return paint("●", colorRed, colors)
	case st.PendingStart:
		return paint("◐", colorYellow, colors)
	default:
		return paint("○", colorGreen, colors)
	}
}

func bandColor(b feedback.Band) string {
	switch b {
	case feedback.Match, feedback.SilentOK:
		return colorGreen
	case feedback.Near:
		return colorYellow
	default:
		return colorRed
	}
}

// formatDefault returns the default status line format.
func formatDefault(st *engine.Status, colors bool) string {
	// [cadenza] ● ave/Cello | page:2/5 | m.23 | 61.8→62 near | queue:1
	parts := []string{}

	if st.SourceID == "" {
		parts = append(parts, "no unit")
	} else {
		unit := st.SourceID
		if st.Part != "" {
			unit += "/" + st.Part
		}
		parts = append(parts, unit)
	}

	if st.Pages > 0 {
		parts = append(parts, fmt.Sprintf("page:%d/%d", st.Page+1, st.Pages))
	}
	if st.State == session.StateRecording {
		parts = append(parts, fmt.Sprintf("m.%d", st.Measure))
		if st.Band != "" {
			reading := fmt.Sprintf("%.1f→%.0f %s", float64(st.Live), float64(st.Expected), st.Band)
			parts = append(parts, paint(reading, bandColor(st.Band), colors))
		}
	}
	if st.QueueDepth > 0 {
		parts = append(parts, paint(fmt.Sprintf("queue:%d", st.QueueDepth), colorYellow, colors))
	}

	return paint("[cadenza]", colorCyan, colors) + " " + stateIndicator(st, colors) + " " + strings.Join(parts, " | ")
}

// formatCompact returns a compact status line.
func formatCompact(st *engine.Status, colors bool) string {
	// [c] ● 2/5 m.23
	result := fmt.Sprintf("%s %s %d/%d", paint("[c]", colorCyan, colors), stateIndicator(st, colors), st.Page+1, st.Pages)
	if st.State == session.StateRecording {
		result += fmt.Sprintf(" m.%d", st.Measure)
	}
	if st.QueueDepth > 0 {
		result += " " + paint("⚙", colorYellow, colors)
	}
	return result
}

// formatMinimal returns a minimal status line.
func formatMinimal(st *engine.Status, colors bool) string {
	// ● near
	result := stateIndicator(st, colors)
	if st.State == session.StateRecording && st.Band != "" {
		result += " " + paint(string(st.Band), bandColor(st.Band), colors)
	}
	return result
}
