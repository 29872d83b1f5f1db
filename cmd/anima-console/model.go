package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mizkun/project-anima3-sub000/internal/backend"
	"github.com/mizkun/project-anima3-sub000/internal/command"
	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/store"
	"github.com/mizkun/project-anima3-sub000/internal/timeline"
	"github.com/mizkun/project-anima3-sub000/internal/tokens"
)

// commander is the part of *command.Client the console drives.
type commander interface {
	Start(ctx context.Context, patch domain.ConfigPatch) error
	Stop(ctx context.Context) error
	NextTurn(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Intervention(ctx context.Context, kind domain.InterventionType, content, target string) error
}

// controls are the session operations the console triggers besides commands.
type controls struct {
	commands   commander
	clearError func()
	reconnect  func(context.Context) error
	setVisible func(context.Context, bool)
	pollErrors <-chan error
}

var interventionTypes = []domain.InterventionType{
	domain.InterventionUpdateSituation,
	domain.InterventionGiveRevelation,
	domain.InterventionCharacterInstruction,
	domain.InterventionEndScene,
}

type snapshotMsg store.Snapshot

type commandDoneMsg struct {
	command domain.Command
	err     error
}

type tokensMsg struct {
	entries int
	count   int
	err     error
}

type reconnectDoneMsg struct {
	err error
}

type pollErrorMsg struct {
	err error
}

type model struct {
	ctl     controls
	updates <-chan store.Snapshot
	counter *tokens.Counter

	snap       store.Snapshot
	pending     domain.Command
	statusLine  string
	unreachable bool

	tokenEntries int
	tokenCount   int

	intervening bool
	kindIndex   int
	targetIndex int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    uiTheme

	width  int
	height int
}

func newModel(ctl controls, updates <-chan store.Snapshot, counter *tokens.Counter, initial store.Snapshot) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = domain.MaxInterventionLength
	input.Placeholder = "intervention content"

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctl:          ctl,
		updates:      updates,
		counter:      counter,
		snap:         initial,
		statusLine:   "connecting...",
		tokenEntries: -1,
		input:        input,
		timeline:     viewport.New(0, 0),
		spinner:      sp,
		theme:        newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitSnapshot(m.updates),
		waitPollError(m.ctl.pollErrors),
	)
}

// waitSnapshot delivers the next store snapshot as a message.
func waitSnapshot(ch <-chan store.Snapshot) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// waitPollError delivers the next failed status fetch as a message.
func waitPollError(ch <-chan error) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return pollErrorMsg{err: err}
	}
}

func (m model) countTokensCmd() tea.Cmd {
	if m.counter == nil || len(m.snap.Timeline) == m.tokenEntries {
		return nil
	}
	counter := m.counter
	modelName := m.snap.Config.ModelName
	entries := m.snap.Timeline
	return func() tea.Msg {
		n, err := counter.CountTimeline(modelName, entries)
		return tokensMsg{entries: len(entries), count: n, err: err}
	}
}

func (m model) runCommand(cmd domain.Command, fn func(context.Context) error) (model, tea.Cmd) {
	if m.pending != "" {
		m.statusLine = fmt.Sprintf("%s still in flight", m.pending)
		return m, nil
	}
	m.pending = cmd
	m.statusLine = fmt.Sprintf("%s...", cmd)
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		return commandDoneMsg{command: cmd, err: fn(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(10, msg.Width-30)
		m.resize()

	case tea.FocusMsg:
		cmds = append(cmds, m.visibilityCmd(true))

	case tea.BlurMsg:
		cmds = append(cmds, m.visibilityCmd(false))

	case snapshotMsg:
		prevSync := m.snap.LastSyncTime
		m.snap = store.Snapshot(msg)
		if !m.snap.LastSyncTime.Equal(prevSync) {
			m.unreachable = false
		}
		if m.snap.IsInitialized && m.statusLine == "connecting..." {
			m.statusLine = "synced"
		}
		m.resize()
		cmds = append(cmds, waitSnapshot(m.updates), m.countTokensCmd())

	case tokensMsg:
		if msg.err == nil {
			m.tokenEntries = msg.entries
			m.tokenCount = msg.count
		}

	case pollErrorMsg:
		m.unreachable = backend.IsUnavailable(msg.err)
		cmds = append(cmds, waitPollError(m.ctl.pollErrors))

	case commandDoneMsg:
		m.pending = ""
		switch {
		case msg.err == nil:
			m.statusLine = fmt.Sprintf("%s ok", msg.command)
			if msg.command == domain.CommandIntervention {
				m.intervening = false
				m.input.Reset()
				m.input.Blur()
				m.resize()
			}
		case backend.IsUnavailable(msg.err):
			m.unreachable = true
			m.statusLine = fmt.Sprintf("%s failed: backend unreachable", msg.command)
		case errors.Is(msg.err, domain.ErrCommandInFlight):
			m.statusLine = fmt.Sprintf("%s rejected: another command is in flight", msg.command)
		default:
			m.statusLine = fmt.Sprintf("%s failed: %s", msg.command, command.Message(msg.err))
		}

	case reconnectDoneMsg:
		if msg.err != nil {
			m.statusLine = "reconnect failed: " + msg.err.Error()
		} else {
			m.statusLine = "reconnected"
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		if m.intervening {
			return m.updateIntervention(msg)
		}
		return m.updateKeys(msg)
	}

	var cmd tea.Cmd
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	c := m.ctl.commands
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		return m.runCommand(domain.CommandStart, func(ctx context.Context) error {
			return c.Start(ctx, domain.ConfigPatch{})
		})
	case "x":
		return m.runCommand(domain.CommandStop, c.Stop)
	case "n":
		return m.runCommand(domain.CommandNextTurn, c.NextTurn)
	case "p":
		return m.runCommand(domain.CommandPause, c.Pause)
	case "r":
		return m.runCommand(domain.CommandResume, c.Resume)
	case "i":
		m.intervening = true
		cmd := m.input.Focus()
		m.resize()
		return m, cmd
	case "e":
		if m.ctl.clearError != nil {
			m.ctl.clearError()
		}
		return m, nil
	case "c":
		reconnect := m.ctl.reconnect
		if reconnect == nil {
			return m, nil
		}
		m.statusLine = "reconnecting..."
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return reconnectDoneMsg{err: reconnect(ctx)}
		}
	}

	var cmd tea.Cmd
	m.timeline, cmd = m.timeline.Update(msg)
	return m, cmd
}

func (m model) updateIntervention(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.intervening = false
		m.input.Blur()
		m.resize()
		return m, nil
	case "tab":
		m.kindIndex = (m.kindIndex + 1) % len(interventionTypes)
		return m, nil
	case "ctrl+t":
		if n := len(m.snap.Characters) + 1; n > 1 {
			m.targetIndex = (m.targetIndex + 1) % n
		}
		return m, nil
	case "enter":
		kind := interventionTypes[m.kindIndex]
		content := m.input.Value()
		target := m.target()
		c := m.ctl.commands
		// the draft stays in the panel until the backend accepts it
		return m.runCommand(domain.CommandIntervention, func(ctx context.Context) error {
			return c.Intervention(ctx, kind, content, target)
		})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// target returns the selected character name; index 0 means no target.
func (m model) target() string {
	if m.targetIndex == 0 || m.targetIndex > len(m.snap.Characters) {
		return ""
	}
	return m.snap.Characters[m.targetIndex-1].Name
}

func (m model) visibilityCmd(visible bool) tea.Cmd {
	setVisible := m.ctl.setVisible
	if setVisible == nil {
		return nil
	}
	return func() tea.Msg {
		setVisible(context.Background(), visible)
		return nil
	}
}

func (m *model) resize() {
	reserved := 6
	if m.intervening {
		reserved += 2
	}
	if m.snap.ErrorMessage != "" {
		reserved += 2
	}
	m.timeline.Width = max(0, m.width-2)
	m.timeline.Height = max(3, m.height-reserved)
	m.renderTimeline()
}

func (m *model) renderTimeline() {
	entries := timeline.NewestFirst(m.snap.Timeline)
	if len(entries) == 0 {
		m.timeline.SetContent(m.theme.muted.Render("no timeline entries yet"))
		return
	}
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, m.renderEntry(e))
	}
	m.timeline.SetContent(strings.Join(blocks, "\n\n"))
}
