package permission

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TerminalPrompter presents the three-way permission choice in the terminal.
// Used when the daemon runs in the foreground; the desktop frontend supplies
// its own Prompter over the gateway.
type TerminalPrompter struct{}

// NewTerminalPrompter creates a terminal prompter.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{}
}

// Prompt blocks until the user picks a choice or the context ends. Quitting
// the prompt without a selection counts as Deny.
func (p *TerminalPrompter) Prompt(ctx context.Context, class, reason string) (Choice, error) {
	m := newPromptModel(class, reason)
	prog := tea.NewProgram(m, tea.WithContext(ctx))

	final, err := prog.Run()
	if err != nil {
		return ChoiceDeny, fmt.Errorf("permission prompt failed: %w", err)
	}

	result, ok := final.(promptModel)
	if !ok || !result.decided {
		return ChoiceDeny, nil
	}
	return result.choice, nil
}

var (
	promptTitleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	promptReasonStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	promptSelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	promptOptionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	promptHelpStyle     = lipgloss.NewStyle().Faint(true)
)

// promptOptions are the three-way choice, in display order. Index maps to
// Choice via optionChoices.
var promptOptions = []string{"Deny", "Allow once", "Always allow"}

var optionChoices = []Choice{ChoiceDeny, ChoiceAllowOnce, ChoiceAlwaysAllow}

type promptModel struct {
	class   string
	reason  string
	cursor  int
	choice  Choice
	decided bool
}

func newPromptModel(class, reason string) promptModel {
	return promptModel{class: class, reason: reason}
}

func (m promptModel) Init() tea.Cmd {
	return nil
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(promptOptions)-1 {
			m.cursor++
		}
	case "enter":
		m.choice = optionChoices[m.cursor]
		m.decided = true
		return m, tea.Quit
	case "q", "esc", "ctrl+c":
		// Abandoning the prompt is a denial.
		m.choice = ChoiceDeny
		m.decided = true
		return m, tea.Quit
	}
	return m, nil
}

func (m promptModel) View() string {
	s := promptTitleStyle.Render(fmt.Sprintf("Permission request: %s", m.class)) + "\n"
	s += promptReasonStyle.Render(m.reason) + "\n\n"

	for i, opt := range promptOptions {
		if i == m.cursor {
			s += promptSelectedStyle.Render("> "+opt) + "\n"
		} else {
			s += promptOptionStyle.Render("  "+opt) + "\n"
		}
	}

	s += "\n" + promptHelpStyle.Render("↑/↓ select · enter confirm · esc deny")
	return s
}
