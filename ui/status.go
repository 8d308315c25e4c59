package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/sagafm/saga/narration"
)

var (
	statusPlayingColor    = lipgloss.Color("#00FF00")
	statusGeneratingColor = lipgloss.Color("#00AAFF")
	statusErrorColor      = lipgloss.Color("#FF0000")
	statusDoneColor       = lipgloss.Color("#888888")
	counterStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle            = lipgloss.NewStyle().Foreground(statusErrorColor)
)

// statusDisplay renders the narration status bar from the playback
// state.
type statusDisplay struct {
	state narration.PlaybackState
}

func (s *statusDisplay) update(st narration.PlaybackState) {
	s.state = st
}

// compact returns the one-line status for the bottom bar, or "" when
// idle with nothing to report.
func (s *statusDisplay) compact() string {
	st := s.state

	var icon string
	var color lipgloss.Color
	switch {
	case st.Err != "":
		icon = "✗"
		color = statusErrorColor
	case st.IsPlaying && st.IsGenerating:
		icon = "▶⟳"
		color = statusPlayingColor
	case st.IsPlaying:
		icon = "▶"
		color = statusPlayingColor
	case st.IsGenerating || st.State == narration.StateConnecting:
		icon = "⟳"
		color = statusGeneratingColor
	case st.State == narration.StateComplete:
		icon = "■"
		color = statusDoneColor
	default:
		return ""
	}

	out := lipgloss.NewStyle().Foreground(color).Render(icon + " narration")

	if st.ChunksReceived > 0 {
		if st.TotalChunks > 0 {
			out += counterStyle.Render(fmt.Sprintf(" %d/%d", st.ChunksReceived, st.TotalChunks))
		} else {
			out += counterStyle.Render(fmt.Sprintf(" %d", st.ChunksReceived))
		}
	}
	if st.IsGenerating && st.ProgressPercent > 0 {
		out += counterStyle.Render(fmt.Sprintf(" %.0f%%", st.ProgressPercent))
	}
	return out
}

// errorLine returns the dismissible inline error, truncated to width,
// or "" when there is none.
func (s *statusDisplay) errorLine(width int) string {
	if s.state.Err == "" {
		return ""
	}
	msg := s.state.Err + "  (e to dismiss)"
	if width > 4 {
		msg = truncate.StringWithTail(msg, uint(width-2), "…")
	}
	return errorStyle.Render(msg)
}
