// Package ui is the terminal reader: glamour-rendered scene prose over
// a narration status bar. It observes the playback state store and
// never mutates it; all narration actions go through the controller.
package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/sagafm/saga/internal/backend"
	"github.com/sagafm/saga/narration"

	tea "github.com/charmbracelet/bubbletea"
)

// narrator is the slice of the narration controller the UI drives.
type narrator interface {
	PlayScene(ctx context.Context, sceneID string) error
	Stop()
	ClearError()
}

// sceneLoader fetches scene prose from the backend.
type sceneLoader interface {
	Scene(ctx context.Context, sceneID string) (*backend.Scene, error)
}

type sceneLoadedMsg struct{ scene *backend.Scene }

type sceneErrMsg struct{ err error }

type playbackMsg narration.PlaybackState

type narrationErrMsg struct{ err error }

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#AD58B4")).Padding(0, 1)
	choiceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#00AAFF"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5C5C5C"))
)

// Model is the top-level bubbletea model.
type Model struct {
	cfg      Config
	narrator narrator
	scenes   sceneLoader
	store    *narration.Store

	updates     chan narration.PlaybackState
	unsubscribe func()
	limiter     *rate.Limiter

	scene    *backend.Scene
	rendered string
	loadErr  string

	status  statusDisplay
	spinner spinner.Model

	width  int
	height int
}

// NewModel builds the reader for one starting scene.
func NewModel(cfg Config, ctrl narrator, scenes sceneLoader, store *narration.Store, sceneID string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := &Model{
		cfg:      cfg,
		narrator: ctrl,
		scenes:   scenes,
		store:    store,
		updates:  make(chan narration.PlaybackState, 1),
		// Pace re-renders from playback updates; the latest state
		// always wins, intermediates coalesce.
		limiter: rate.NewLimiter(rate.Limit(30), 5),
		spinner: sp,
		scene:   &backend.Scene{ID: sceneID},
	}
	m.unsubscribe = store.Subscribe(m.enqueue)
	return m
}

// enqueue delivers a playback update to the UI loop, latest-wins.
func (m *Model) enqueue(st narration.PlaybackState) {
	for {
		select {
		case m.updates <- st:
			return
		default:
			select {
			case <-m.updates:
			default:
			}
		}
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.loadScene(m.scene.ID),
		m.listenPlayback(),
		m.spinner.Tick,
	)
}

func (m *Model) loadScene(sceneID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		scene, err := m.scenes.Scene(ctx, sceneID)
		if err != nil {
			return sceneErrMsg{err}
		}
		return sceneLoadedMsg{scene}
	}
}

func (m *Model) listenPlayback() tea.Cmd {
	return func() tea.Msg {
		st := <-m.updates
		_ = m.limiter.Wait(context.Background())
		return playbackMsg(st)
	}
}

func (m *Model) playCurrent() tea.Cmd {
	sceneID := m.scene.ID
	return func() tea.Msg {
		if err := m.narrator.PlayScene(context.Background(), sceneID); err != nil {
			return narrationErrMsg{err}
		}
		return nil
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.rerender()
		return m, nil

	case sceneLoadedMsg:
		m.scene = msg.scene
		m.loadErr = ""
		m.rerender()
		return m, nil

	case sceneErrMsg:
		m.loadErr = msg.err.Error()
		return m, nil

	case playbackMsg:
		m.status.update(narration.PlaybackState(msg))
		return m, m.listenPlayback()

	case narrationErrMsg:
		// Already surfaced through the store; log for the debug file.
		log.Debug("narration action failed", "err", msg.err)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.narrator.Stop()
		m.unsubscribe()
		return m, tea.Quit

	case "enter", "p":
		return m, m.playCurrent()

	case "s":
		m.narrator.Stop()
		return m, nil

	case "e", "esc":
		m.narrator.ClearError()
		return m, nil
	}

	// Digits follow scene choices.
	if n, err := strconv.Atoi(msg.String()); err == nil {
		if n >= 1 && n <= len(m.scene.Next) {
			choice := m.scene.Next[n-1]
			m.narrator.Stop()
			return m, m.loadScene(choice.SceneID)
		}
	}
	return m, nil
}

// rerender re-runs glamour over the scene body for the current width.
func (m *Model) rerender() {
	if m.scene == nil || m.scene.Body == "" {
		m.rendered = ""
		return
	}
	if !m.cfg.GlamourEnabled {
		m.rendered = m.scene.Body
		return
	}

	width := m.width
	if m.cfg.GlamourMaxWidth > 0 && width > int(m.cfg.GlamourMaxWidth) {
		width = int(m.cfg.GlamourMaxWidth)
	}

	opts := []glamour.TermRendererOption{
		glamour.WithWordWrap(width),
	}
	if m.cfg.GlamourStyle == "" || m.cfg.GlamourStyle == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStylePath(m.cfg.GlamourStyle))
	}

	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		m.rendered = m.scene.Body
		return
	}
	out, err := r.Render(m.scene.Body)
	if err != nil {
		m.rendered = m.scene.Body
		return
	}
	m.rendered = out
}

func (m *Model) View() string {
	var b strings.Builder

	if m.scene != nil && m.scene.Title != "" {
		b.WriteString(titleStyle.Render(m.scene.Title))
		b.WriteString("\n")
	}

	switch {
	case m.loadErr != "":
		b.WriteString(errorStyle.Render("could not load scene: " + m.loadErr))
		b.WriteString("\n")
	case m.rendered == "":
		b.WriteString(m.spinner.View() + " loading scene\n")
	default:
		b.WriteString(m.rendered)
	}

	for i, choice := range m.sceneChoices() {
		b.WriteString(choiceStyle.Render(fmt.Sprintf("  %d. %s", i+1, choice.Label)))
		b.WriteString("\n")
	}

	if line := m.status.errorLine(m.width); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if bar := m.status.compact(); bar != "" {
		b.WriteString(bar)
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("enter: narrate · s: stop · q: quit"))
	return b.String()
}

func (m *Model) sceneChoices() []backend.Choice {
	if m.scene == nil {
		return nil
	}
	return m.scene.Next
}
