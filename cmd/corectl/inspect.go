package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/icp-tools/corectl/startup"
)

var (
	inspectTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4")).
				Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedExtStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#7D56F4"))

	inspectHelpStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666666"))
)

// inspectModel browses the started composition: one row per extension in
// load order (optionally name-filtered), its link state, and its
// declared imports/exports.
type inspectModel struct {
	sys       *startup.System
	selected  int
	filtering bool
	filter    textinput.Model
}

func newInspectModel(sys *startup.System) *inspectModel {
	ti := textinput.New()
	ti.Prompt = "/"
	ti.Placeholder = "filter by name"
	ti.Width = 40
	return &inspectModel{sys: sys, filter: ti}
}

func (m *inspectModel) Init() tea.Cmd {
	return nil
}

func (m *inspectModel) visible() []string {
	query := strings.TrimSpace(m.filter.Value())
	if query == "" {
		return m.sys.Order
	}
	var out []string
	for _, name := range m.sys.Order {
		if strings.Contains(name, query) {
			out = append(out, name)
		}
	}
	return out
}

func (m *inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	if m.filtering {
		switch keyMsg.String() {
		case "esc", "enter":
			m.filtering = false
			m.filter.Blur()
			m.selected = 0
		case "ctrl+c":
			return m, tea.Quit
		default:
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			m.selected = 0
			return m, cmd
		}
		return m, nil
	}

	switch keyMsg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "/":
		m.filtering = true
		m.filter.Focus()
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.visible())-1 {
			m.selected++
		}
	}
	return m, nil
}

func (m *inspectModel) View() string {
	var b strings.Builder

	b.WriteString(inspectTitleStyle.Render("Extension Inspector"))
	b.WriteString("\n\n")

	if m.filtering {
		b.WriteString(m.filter.View())
		b.WriteString("\n\n")
	}

	names := m.visible()
	if len(names) == 0 {
		b.WriteString("No extensions match.\n")
		b.WriteString(inspectHelpStyle.Render("esc clear • q quit"))
		return b.String()
	}

	for i, name := range names {
		line := fmt.Sprintf("%s [%s]", nameStyle.Render(name), stateStyle.Render(m.sys.Linker.State(name)))
		cursor := "  "
		if i == m.selected {
			cursor = "> "
			line = selectedExtStyle.Render(cursor + line)
		} else {
			line = cursor + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.selected < len(names) {
		ext := m.sys.Manifest.Find(names[m.selected])
		if ext != nil {
			b.WriteString("imports:\n")
			for _, imp := range ext.Imports {
				b.WriteString(fmt.Sprintf("  %s (%s)\n", imp.Name, stateStyle.Render(imp.Provider)))
			}
			b.WriteString("exports:\n")
			for _, exp := range ext.Exports {
				b.WriteString(fmt.Sprintf("  %s: %s\n", exp.Name, strings.Join(exp.Funcs, ", ")))
			}
			if cmd, ok := m.sys.CLI[names[m.selected]]; ok {
				b.WriteString(fmt.Sprintf("cli: %s\n", cmd.Name))
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(inspectHelpStyle.Render("↑/↓ select • / filter • q quit"))
	return b.String()
}

func runInspector(sys *startup.System) error {
	p := tea.NewProgram(newInspectModel(sys), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
