package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/drydock/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// TaskDetailModel manages the task detail screen
type TaskDetailModel struct {
	client   *Client
	taskID   string
	task     *models.Task
	runs     []models.Run
	audit    []models.AuditEntry
	viewport viewport.Model
}

// NewTaskDetailModel creates a new task detail model
func NewTaskDetailModel(client *Client) *TaskDetailModel {
	return &TaskDetailModel{
		client:   client,
		viewport: viewport.New(80, 20),
	}
}

// SetTask sets the task ID to display
func (m *TaskDetailModel) SetTask(id string) {
	m.taskID = id
	m.task = nil
	m.runs = nil
	m.audit = nil
	m.viewport.SetContent("Loading task details...")
	m.viewport.GotoTop()
}

// TaskID returns the displayed task.
func (m *TaskDetailModel) TaskID() string { return m.taskID }

// SetSize sets the dimensions
func (m *TaskDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
}

// Refresh fetches task details
func (m *TaskDetailModel) Refresh() tea.Cmd {
	id := m.taskID
	return func() tea.Msg {
		task, err := m.client.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		runs, err := m.client.TaskRuns(id)
		if err != nil {
			return errMsg{err}
		}
		audit, err := m.client.TaskAudit(id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task, runs, audit}
	}
}

// Update handles messages
func (m *TaskDetailModel) Update(msg tea.Msg) tea.Cmd {
	if msg, ok := msg.(taskDetailLoadedMsg); ok {
		if msg.task.ID != m.taskID {
			return nil
		}
		m.task = msg.task
		m.runs = msg.runs
		m.audit = msg.audit
		m.viewport.SetContent(m.render())
		return nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return cmd
}

// View renders the task detail
func (m *TaskDetailModel) View() string {
	return m.viewport.View()
}

func (m *TaskDetailModel) render() string {
	t := m.task
	var b strings.Builder

	title := t.EntryPoint()
	if title == "" {
		title = string(t.Type)
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(renderField("ID", t.ID))
	b.WriteString(renderField("Type", string(t.Type)))
	b.WriteString(renderField("State", formatState(t.State)))
	if t.ExecutionID != "" {
		b.WriteString(renderField("Execution", t.ExecutionID))
	}
	if t.ExecutorHost != "" {
		b.WriteString(renderField("Executor", fmt.Sprintf("%s/%d", t.ExecutorHost, t.ExecutorPID)))
	}
	b.WriteString(renderField("Bounced", fmt.Sprintf("%d", t.Bounced)))
	if t.Error != "" {
		b.WriteString(renderField("Error", stateFailed.Render(t.Error)))
	}
	b.WriteString(renderField("Data", string(t.Data)))

	b.WriteString(sectionStyle.Render("Timeline"))
	b.WriteString("\n")
	for _, ts := range []struct {
		label string
		at    int64
	}{
		{"created", t.Time.Created},
		{"started", t.Time.Started},
		{"completed", t.Time.Completed},
		{"failed", t.Time.Failed},
		{"cancelled", t.Time.Cancelled},
	} {
		if ts.at != 0 {
			b.WriteString(fmt.Sprintf("  %-10s %s\n", ts.label, formatTime(ts.at)))
		}
	}

	if len(m.runs) > 0 {
		b.WriteString(sectionStyle.Render("Runs"))
		b.WriteString("\n")
		for _, run := range m.runs {
			exitStr := fmt.Sprintf("%d", run.ExitCode)
			if run.ExitCode == 0 {
				exitStr = stateCompleted.Render("0")
			} else {
				exitStr = stateFailed.Render(exitStr)
			}
			b.WriteString(fmt.Sprintf("  %s pid %d (exit: %s)\n", formatTime(run.StartedAt), run.PID, exitStr))
			if run.Stdout != "" {
				b.WriteString(fmt.Sprintf("    stdout → %s\n", tail(run.Stdout, 200)))
			}
			if run.Stderr != "" {
				b.WriteString(fmt.Sprintf("    stderr → %s\n", stateFailed.Render(tail(run.Stderr, 200))))
			}
		}
	}

	if len(m.audit) > 0 {
		b.WriteString(sectionStyle.Render("Decisions"))
		b.WriteString("\n")
		for _, e := range m.audit {
			line := fmt.Sprintf("  %s %-14s %s", formatTime(e.Timestamp), e.Action, e.Outcome)
			if e.Details != "" {
				line += "  " + labelStyle.Render(e.Details)
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func formatTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).Format(time.DateTime)
}

// tail keeps the last n bytes of s on one line.
func tail(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n+3:]
}
