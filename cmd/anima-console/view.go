package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

type uiTheme struct {
	header       lipgloss.Style
	title        lipgloss.Style
	muted        lipgloss.Style
	online       lipgloss.Style
	offline      lipgloss.Style
	banner       lipgloss.Style
	character    lipgloss.Style
	intervention lipgloss.Style
	think        lipgloss.Style
	act          lipgloss.Style
	talk         lipgloss.Style
	footer       lipgloss.Style
	inputPanel   lipgloss.Style
	statuses     map[domain.SimulationStatus]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		title:   lipgloss.NewStyle().Foreground(blue).Bold(true),
		muted:   lipgloss.NewStyle().Foreground(muted),
		online:  lipgloss.NewStyle().Foreground(mint).Bold(true),
		offline: lipgloss.NewStyle().Foreground(pink).Bold(true),
		banner: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Background(pink).
			Padding(0, 1),
		character:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		intervention: lipgloss.NewStyle().Foreground(amber).Bold(true),
		think:        lipgloss.NewStyle().Foreground(muted).Italic(true),
		act:          lipgloss.NewStyle().Foreground(blue),
		talk:         lipgloss.NewStyle().Foreground(lipgloss.Color("#f3f3ff")),
		footer:       lipgloss.NewStyle().Foreground(muted),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(amber).
			Padding(0, 1),
		statuses: map[domain.SimulationStatus]lipgloss.Style{
			domain.StatusRunning:   lipgloss.NewStyle().Foreground(mint).Bold(true),
			domain.StatusIdle:      lipgloss.NewStyle().Foreground(blue).Bold(true),
			domain.StatusPaused:    lipgloss.NewStyle().Foreground(amber).Bold(true),
			domain.StatusCompleted: lipgloss.NewStyle().Foreground(muted).Bold(true),
			domain.StatusError:     lipgloss.NewStyle().Foreground(pink).Bold(true),
		},
	}
}

func (t uiTheme) status(s domain.SimulationStatus) string {
	style, ok := t.statuses[s]
	if !ok {
		style = t.muted
	}
	return style.Render(string(s))
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(m.theme.header.Render(m.headerLine()))
	b.WriteString("\n")

	if m.snap.ErrorMessage != "" {
		b.WriteString(m.theme.banner.Render("⚠ " + m.snap.ErrorMessage + "  (e to dismiss)"))
		b.WriteString("\n")
	}

	b.WriteString(m.timeline.View())
	b.WriteString("\n")

	if m.intervening {
		target := m.target()
		if target == "" {
			target = "-"
		}
		label := fmt.Sprintf("[%s → %s] ", interventionTypes[m.kindIndex], target)
		b.WriteString(m.theme.inputPanel.Render(m.theme.intervention.Render(label) + m.input.View()))
		b.WriteString("\n")
		b.WriteString(m.theme.footer.Render("enter send · tab type · ctrl+t target · esc cancel"))
		b.WriteString("\n")
	}

	b.WriteString(m.footerLine())
	return b.String()
}

func (m model) headerLine() string {
	parts := []string{
		m.theme.title.Render("Anima"),
		m.theme.status(m.snap.Status),
	}
	if m.snap.Provisional {
		parts = append(parts, m.theme.muted.Render("(pending)"))
	}
	parts = append(parts, fmt.Sprintf("turn %d/%d", m.snap.CurrentTurn, m.snap.MaxTurns))
	if m.snap.SceneName != "" {
		parts = append(parts, "scene: "+m.snap.SceneName)
	}

	conn := m.snap.Connection
	switch {
	case m.unreachable:
		parts = append(parts, m.theme.offline.Render("✕ backend unreachable"))
	case conn.Connected:
		parts = append(parts, m.theme.online.Render("● live"))
	case conn.ReconnectAttempts > 0:
		parts = append(parts, m.theme.offline.Render(fmt.Sprintf("○ reconnecting (%d)", conn.ReconnectAttempts)))
	default:
		parts = append(parts, m.theme.offline.Render("○ offline"))
	}
	return strings.Join(parts, "  ")
}

func (m model) footerLine() string {
	status := m.statusLine
	if m.pending != "" {
		status = m.spinner.View() + " " + status
	}

	tokens := "tokens: -"
	if m.tokenEntries >= 0 {
		tokens = fmt.Sprintf("tokens ≈ %d (%s)", m.tokenCount, m.snap.Config.ModelName)
	}

	sync := "never synced"
	if !m.snap.LastSyncTime.IsZero() {
		sync = "synced " + m.snap.LastSyncTime.Format("15:04:05")
	}

	keys := "s start · x stop · n next · p pause · r resume · i intervene · c reconnect · e clear · q quit"
	return m.theme.footer.Render(strings.Join([]string{status, tokens, sync}, " · ") + "\n" + keys)
}

func (m model) renderEntry(e domain.TimelineEntry) string {
	head := fmt.Sprintf("#%d ", e.Step)
	var body []string

	switch {
	case e.Intervention != nil:
		label := string(e.Intervention.Type)
		if e.Intervention.TargetCharacter != "" {
			label += " → " + e.Intervention.TargetCharacter
		}
		head += m.theme.intervention.Render("介入 " + label)
		body = append(body, "  "+e.Content)
	case e.Turn != nil:
		head += m.theme.character.Render(e.Character)
		if e.Turn.Think != "" {
			body = append(body, "  "+m.theme.think.Render(domain.ThinkPrefix+e.Turn.Think))
		}
		if e.Turn.Act != "" {
			body = append(body, "  "+m.theme.act.Render(domain.ActPrefix+e.Turn.Act))
		}
		if e.Turn.Talk != "" {
			body = append(body, "  "+m.theme.talk.Render(domain.TalkPrefix+e.Turn.Talk))
		}
	default:
		head += m.theme.character.Render(e.Character) + m.theme.muted.Render(" ["+string(e.ActionType)+"]")
		body = append(body, "  "+e.Content)
	}

	if e.Timestamp != "" {
		head += "  " + m.theme.muted.Render(e.Timestamp)
	}
	return strings.Join(append([]string{head}, body...), "\n")
}
