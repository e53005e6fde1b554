package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/drydock/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	stateCreated   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	stateStarted   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	stateCanceling = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // Magenta
	stateCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	stateFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	stateCanceled  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Grey
)

// TaskItem implements list.Item for the task list
type TaskItem struct {
	Task *models.Task
}

func (i TaskItem) FilterValue() string { return i.Task.ID + " " + i.Task.EntryPoint() }

func (i TaskItem) Title() string {
	label := i.Task.EntryPoint()
	if label == "" {
		label = string(i.Task.Type)
	}
	return fmt.Sprintf("%s  %s", shortID(i.Task.ID), label)
}

func (i TaskItem) Description() string {
	desc := formatState(i.Task.State)
	if i.Task.ExecutorHost != "" {
		desc += fmt.Sprintf(" • %s/%d", i.Task.ExecutorHost, i.Task.ExecutorPID)
	}
	if i.Task.Time.Created != 0 {
		desc += " • " + time.Unix(i.Task.Time.Created, 0).Format(time.DateTime)
	}
	return desc
}

func formatState(state models.TaskState) string {
	switch state {
	case models.TaskStateCreated:
		return stateCreated.Render("○ created")
	case models.TaskStateStarted:
		return stateStarted.Render("◑ started")
	case models.TaskStateCanceling:
		return stateCanceling.Render("◐ canceling")
	case models.TaskStateCompleted:
		return stateCompleted.Render("● completed")
	case models.TaskStateFailed:
		return stateFailed.Render("✗ failed")
	case models.TaskStateCanceled:
		return stateCanceled.Render("⊘ canceled")
	default:
		return string(state)
	}
}

var stateFilters = []models.TaskState{
	"",
	models.TaskStateCreated,
	models.TaskStateStarted,
	models.TaskStateCanceling,
	models.TaskStateCompleted,
	models.TaskStateFailed,
	models.TaskStateCanceled,
}

// TaskListModel manages the task list screen
type TaskListModel struct {
	client      *Client
	list        list.Model
	filterIndex int
	loading     bool
}

// NewTaskListModel creates a new task list model
func NewTaskListModel(client *Client) *TaskListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Tasks [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	l.Styles.Title = listTitleStyle

	return &TaskListModel{
		client:  client,
		list:    l,
		loading: true,
	}
}

// SetSize sets the list dimensions
func (m *TaskListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SelectedTask returns the currently selected task
func (m *TaskListModel) SelectedTask() *models.Task {
	if item, ok := m.list.SelectedItem().(TaskItem); ok {
		return item.Task
	}
	return nil
}

// Filtering reports whether the list is capturing keys for its filter
// prompt.
func (m *TaskListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Filter returns the state the list is restricted to.
func (m *TaskListModel) Filter() models.TaskState {
	return stateFilters[m.filterIndex]
}

// SetFilter restricts the list to state. It reports false for an unknown
// state.
func (m *TaskListModel) SetFilter(state models.TaskState) bool {
	for i, s := range stateFilters {
		if s == state {
			m.filterIndex = i
			m.list.Title = "Tasks [" + filterLabel(s) + "]"
			return true
		}
	}
	return false
}

// CycleFilter cycles through state filters
func (m *TaskListModel) CycleFilter() {
	m.SetFilter(stateFilters[(m.filterIndex+1)%len(stateFilters)])
}

func filterLabel(s models.TaskState) string {
	if s == "" {
		return "all"
	}
	return string(s)
}

// Refresh fetches tasks from the API
func (m *TaskListModel) Refresh() tea.Cmd {
	state := m.Filter()
	return func() tea.Msg {
		tasks, err := m.client.ListTasks(state)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

// Update handles messages
func (m *TaskListModel) Update(msg tea.Msg) tea.Cmd {
	if msg, ok := msg.(tasksLoadedMsg); ok {
		m.loading = false
		items := make([]list.Item, len(msg.tasks))
		for i, t := range msg.tasks {
			items[i] = TaskItem{Task: t}
		}
		return m.list.SetItems(items)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return cmd
}

// View renders the task list
func (m *TaskListModel) View() string {
	if m.loading {
		return "Loading tasks..."
	}
	return m.list.View()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
