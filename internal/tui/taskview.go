package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// Loader fetches the latest snapshot of a task and its subtasks.
type Loader func(ctx context.Context) (*models.Task, []models.Subtask, error)

type snapshotMsg struct {
	task     *models.Task
	subtasks []models.Subtask
	err      error
}

type pollMsg time.Time

// TaskView is a live view of one task's progress. It polls the loader until
// the task reaches a terminal status or the user quits.
type TaskView struct {
	load     Loader
	interval time.Duration
	spinner  spinner.Model

	task     *models.Task
	subtasks []models.Subtask
	err      error
	width    int

	titleStyle    lipgloss.Style
	questionStyle lipgloss.Style
	pendingStyle  lipgloss.Style
	doneStyle     lipgloss.Style
	failedStyle   lipgloss.Style
	mutedStyle    lipgloss.Style
	scoreStyle    lipgloss.Style
	boxStyle      lipgloss.Style
}

// NewTaskView creates a TaskView that refreshes every interval.
func NewTaskView(load Loader, interval time.Duration) TaskView {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return TaskView{
		load:     load,
		interval: interval,
		spinner:  s,
		width:    80,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1),
		questionStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")),
		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),
		failedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		scoreStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("45")),
		boxStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
	}
}

// Task returns the last loaded task, or nil.
func (m TaskView) Task() *models.Task {
	return m.task
}

// Err returns the last load error.
func (m TaskView) Err() error {
	return m.err
}

func (m TaskView) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m TaskView) fetch() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		task, subtasks, err := load(ctx)
		return snapshotMsg{task: task, subtasks: subtasks, err: err}
	}
}

func (m TaskView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.task = msg.task
			m.subtasks = msg.subtasks
		}
		if m.task != nil && m.task.Status.Terminal() {
			return m, tea.Quit
		}
		interval := m.interval
		return m, tea.Tick(interval, func(t time.Time) tea.Msg { return pollMsg(t) })
	case pollMsg:
		return m, m.fetch()
	}
	return m, nil
}

func (m TaskView) View() string {
	var b strings.Builder

	if m.task == nil {
		if m.err != nil {
			b.WriteString(m.failedStyle.Render("error: " + m.err.Error()))
		} else {
			b.WriteString(m.spinner.View() + " loading task...")
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.titleStyle.Render(string(m.task.Status)))
	b.WriteString(" ")
	b.WriteString(m.questionStyle.Render(m.task.Question))
	b.WriteString("\n\n")

	resolved := 0
	for _, s := range m.subtasks {
		if s.Status.Terminal() {
			resolved++
		}
	}
	if len(m.subtasks) > 0 {
		b.WriteString(m.mutedStyle.Render(fmt.Sprintf("%d/%d subtasks resolved", resolved, len(m.subtasks))))
		b.WriteString("\n")
	}
	for _, s := range m.subtasks {
		b.WriteString(m.subtaskLine(s))
		b.WriteString("\n")
	}

	switch m.task.Status {
	case models.TaskStatusAnalyzing:
		b.WriteString("\n" + m.spinner.View() + " synthesizing assessment...\n")
	case models.TaskStatusCompleted:
		if a := m.task.Analysis; a != nil {
			b.WriteString("\n")
			b.WriteString(m.boxStyle.Width(m.contentWidth()).Render(
				m.scoreStyle.Render(fmt.Sprintf("Overall: %d/100", a.OverallScore)) + "\n\n" + a.Overview))
			b.WriteString("\n")
		}
	case models.TaskStatusFailed:
		b.WriteString("\n" + m.failedStyle.Render("failed: "+m.task.Error) + "\n")
	}

	if m.err != nil {
		b.WriteString(m.failedStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	if !m.task.Status.Terminal() {
		b.WriteString(m.mutedStyle.Render("\nq to quit") + "\n")
	}
	return b.String()
}

func (m TaskView) subtaskLine(s models.Subtask) string {
	var icon string
	style := m.pendingStyle
	switch s.Status {
	case models.SubtaskStatusCompleted:
		icon, style = "✓", m.doneStyle
	case models.SubtaskStatusFailed:
		icon, style = "✗", m.failedStyle
	default:
		icon = m.spinner.View()
	}
	desc := truncate(s.Description, m.contentWidth()-len(s.ExternalRef)-6)
	return fmt.Sprintf(" %s %s %s", icon, m.mutedStyle.Render(s.ExternalRef), style.Render(desc))
}

func (m TaskView) contentWidth() int {
	if m.width < 40 {
		return 40
	}
	return m.width - 4
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
