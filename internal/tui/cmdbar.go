package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/drydock/internal/models"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
	message string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "cancel [id] | filter <state> | show <id>"
	ti.CharLimit = 256
	return &CmdBarModel{
		input: ti,
	}
}

// Focused reports whether the bar is taking input.
func (m *CmdBarModel) Focused() bool { return m.focused }

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := m.input.Value()
	m.Blur()
	return val
}

// SetMessage shows msg until the bar is focused again.
func (m *CmdBarModel) SetMessage(msg string) { m.message = msg }

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.Blur()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		return cmdBarStyle.Render(prompt + m.input.View())
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render("Press : to enter a command")
}

type setFilterMsg struct {
	state models.TaskState
}

type showTaskMsg struct {
	id string
}

// Execute processes a command. selected returns the id of the highlighted
// task.
func (m *CmdBarModel) Execute(client *Client, input string, selected func() string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "filter":
		if len(args) != 1 {
			return result("Usage: filter <state|all>")
		}
		state := models.TaskState(args[0])
		if state == "all" {
			state = ""
		}
		return func() tea.Msg { return setFilterMsg{state} }

	case "show":
		if len(args) != 1 {
			return result("Usage: show <id>")
		}
		return func() tea.Msg { return showTaskMsg{args[0]} }

	case "cancel":
		taskID := selected()
		if len(args) > 0 {
			taskID = args[0]
		}
		if taskID == "" {
			return result("No task selected")
		}
		return func() tea.Msg {
			t, err := client.CancelTask(taskID)
			if err != nil {
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{fmt.Sprintf("Cancel requested for %s (task %s)", shortID(taskID), shortID(t.ID))}
		}
	}
	return result(fmt.Sprintf("Unknown command: %s", cmd))
}

func result(msg string) tea.Cmd {
	return func() tea.Msg { return cmdResultMsg{msg} }
}
