// Package tui provides `drydock top`, a live terminal view of a controller.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/drydock/internal/controlplane"
	"github.com/fentz26/drydock/internal/pool"
)

// RefreshInterval is how often the dashboard polls the controller.
const RefreshInterval = 2 * time.Second

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

type mode int

const (
	modeList mode = iota
	modeDetail
	modeLocks
)

// App is the main TUI application model.
type App struct {
	client  *Client
	list    *TaskListModel
	detail  *TaskDetailModel
	cmdbar  *CmdBarModel
	mode    mode
	locks   []controlplane.ServerLock
	online  bool
	workers *pool.Stats
	width   int
	height  int
}

// New creates a new TUI application talking to the controller at apiAddr.
func New(apiAddr string) *App {
	client := NewClient(apiAddr)
	return &App{
		client: client,
		list:   NewTaskListModel(client),
		detail: NewTaskDetailModel(client),
		cmdbar: NewCmdBarModel(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.list.Refresh(), a.fetchStatus(), a.tick())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		body := max(msg.Height-4, 3)
		a.list.SetSize(msg.Width, body)
		a.detail.SetSize(msg.Width, body)
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.fetchStatus(), a.tick())

	case statusMsg:
		a.online = msg.online
		a.workers = msg.workers
		return a, nil

	case locksLoadedMsg:
		a.locks = msg.locks
		return a, nil

	case taskDetailLoadedMsg:
		return a, a.detail.Update(msg)

	case tasksLoadedMsg:
		return a, a.list.Update(msg)

	case setFilterMsg:
		if !a.list.SetFilter(msg.state) {
			a.cmdbar.SetMessage(fmt.Sprintf("Unknown state: %s", msg.state))
			return a, nil
		}
		a.mode = modeList
		return a, a.list.Refresh()

	case showTaskMsg:
		return a, a.showTask(msg.id)

	case cmdResultMsg:
		a.cmdbar.SetMessage(msg.message)
		return a, a.refresh()

	case errMsg:
		a.cmdbar.SetMessage("Error: " + msg.Error())
		return a, nil
	}

	if a.mode == modeList {
		return a, a.list.Update(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.String() == "ctrl+c" {
		return tea.Quit
	}

	if a.cmdbar.Focused() {
		if msg.String() == "enter" {
			input := a.cmdbar.Submit()
			return a.cmdbar.Execute(a.client, input, a.selectedID)
		}
		return a.cmdbar.Update(msg)
	}

	if a.mode == modeList && a.list.Filtering() {
		return a.list.Update(msg)
	}

	switch msg.String() {
	case "q":
		return tea.Quit
	case ":":
		return a.cmdbar.Focus()
	case "esc":
		if a.mode != modeList {
			a.mode = modeList
			return a.list.Refresh()
		}
	case "enter":
		if a.mode == modeList {
			if t := a.list.SelectedTask(); t != nil {
				return a.showTask(t.ID)
			}
		}
	case "f":
		if a.mode == modeList {
			a.list.CycleFilter()
			return a.list.Refresh()
		}
	case "l":
		a.mode = modeLocks
		return a.fetchLocks()
	case "c":
		if id := a.selectedID(); id != "" {
			return a.cmdbar.Execute(a.client, "cancel "+id, a.selectedID)
		}
	case "r":
		return a.refresh()
	}

	switch a.mode {
	case modeList:
		return a.list.Update(msg)
	case modeDetail:
		return a.detail.Update(msg)
	}
	return nil
}

func (a *App) showTask(id string) tea.Cmd {
	a.mode = modeDetail
	a.detail.SetTask(id)
	return a.detail.Refresh()
}

// selectedID is the task the current view points at.
func (a *App) selectedID() string {
	switch a.mode {
	case modeDetail:
		return a.detail.TaskID()
	case modeList:
		if t := a.list.SelectedTask(); t != nil {
			return t.ID
		}
	}
	return ""
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		return a.detail.Refresh()
	case modeLocks:
		return a.fetchLocks()
	}
	return a.list.Refresh()
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		online, err := a.client.CheckHealth()
		if err != nil || !online {
			return statusMsg{}
		}
		// The endpoint may run without a pool.
		workers, _ := a.client.Workers()
		return statusMsg{online: true, workers: workers}
	}
}

func (a *App) fetchLocks() tea.Cmd {
	return func() tea.Msg {
		locks, err := a.client.Locks()
		if err != nil {
			return errMsg{err}
		}
		return locksLoadedMsg{locks}
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	status := onlineStyle.Render("● CONTROLLER")
	if !a.online {
		status = offlineStyle.Render("○ CONTROLLER")
	}
	header := titleStyle.Render("drydock") + "  " + status
	if a.workers != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).
			Render(fmt.Sprintf("[workers %d/%d]", a.workers.Active, a.workers.Capacity))
	}
	b.WriteString(header + "\n")

	switch a.mode {
	case modeList:
		b.WriteString(a.list.View())
	case modeDetail:
		b.WriteString(a.detail.View())
	case modeLocks:
		b.WriteString(a.renderLocks())
	}
	b.WriteString("\n")
	b.WriteString(a.cmdbar.View())
	b.WriteString("\n")

	var help string
	switch a.mode {
	case modeList:
		help = " ↑↓:nav | enter:detail | f:filter | c:cancel | l:locks | /:search | q:quit"
	case modeDetail:
		help = " ↑↓:scroll | c:cancel | r:refresh | esc:back | q:quit"
	case modeLocks:
		help = fmt.Sprintf(" Locked servers: %d | r:refresh | esc:back | q:quit", len(a.locks))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(help))
	return b.String()
}

func (a *App) renderLocks() string {
	if len(a.locks) == 0 {
		return mutedStyle.Render("\n  No server is locked.\n")
	}
	now := time.Now().Unix()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n  %-38s %-38s %s\n", "SERVER", "HOLDER", "EXPIRES"))
	for _, l := range a.locks {
		expires := fmt.Sprintf("in %ds", l.ExpiredAt-now)
		if l.ExpiredAt < now {
			expires = offlineStyle.Render("expired")
		}
		b.WriteString(fmt.Sprintf("  %-38s %-38s %s\n", l.ServerID, l.Locker, expires))
	}
	return b.String()
}
