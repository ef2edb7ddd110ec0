// Package tui provides the interactive consent view for iglood.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/iglood/internal/consent"
	"github.com/fentz26/iglood/internal/models"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	promptItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

const pollInterval = time.Second

// App is the consent TUI model.
type App struct {
	client       *Client
	prompts      []consent.Prompt
	selectedIdx  int
	viewport     viewport.Model
	width        int
	height       int
	message      string
	daemonOnline bool
}

// New creates the consent TUI attached to the daemon at apiAddr.
func New(apiAddr string) *App {
	return &App{
		client:   NewClient(apiAddr),
		viewport: viewport.New(80, 12),
	}
}

// Run starts the TUI and blocks until it quits.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type promptsLoadedMsg struct {
	prompts []consent.Prompt
	online  bool
}

type resolvedMsg struct {
	requestID string
	err       error
}

type tickMsg time.Time

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchPrompts(), a.tick())
}

func (a *App) fetchPrompts() tea.Cmd {
	return func() tea.Msg {
		prompts, err := a.client.ListPrompts()
		if err != nil {
			return promptsLoadedMsg{online: false}
		}
		return promptsLoadedMsg{prompts: prompts, online: true}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) resolve(approved, remember, bulk bool) tea.Cmd {
	if len(a.prompts) == 0 {
		return nil
	}
	p := a.prompts[a.selectedIdx]
	res := consent.Resolution{Approved: approved, Remember: remember}
	if bulk {
		// Grant or deny every operation for this app in one write.
		for _, op := range models.Operations {
			res.Bulk = append(res.Bulk, models.Selection{Operation: op, Kind: models.AnyKind()})
		}
	}
	return func() tea.Msg {
		err := a.client.Resolve(p.Request.ID, res)
		return resolvedMsg{requestID: p.Request.ID, err: err}
	}
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "up", "k":
			if a.selectedIdx > 0 {
				a.selectedIdx--
			}

		case "down", "j":
			if a.selectedIdx < len(a.prompts)-1 {
				a.selectedIdx++
			}

		case "a":
			return a, a.resolve(true, false, false)
		case "d":
			return a, a.resolve(false, false, false)
		case "A":
			return a, a.resolve(true, true, false)
		case "D":
			return a, a.resolve(false, true, false)
		case "b":
			return a, a.resolve(true, false, true)

		case "r":
			return a, a.fetchPrompts()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width - 4
		a.viewport.Height = msg.Height - 12

	case promptsLoadedMsg:
		a.prompts = msg.prompts
		a.daemonOnline = msg.online
		if a.selectedIdx >= len(a.prompts) {
			a.selectedIdx = max(0, len(a.prompts)-1)
		}

	case resolvedMsg:
		if msg.err != nil {
			a.message = fmt.Sprintf("resolve %s: %v", msg.requestID, msg.err)
		} else {
			a.message = fmt.Sprintf("resolved %s", msg.requestID)
		}
		return a, a.fetchPrompts()

	case tickMsg:
		return a, tea.Batch(a.fetchPrompts(), a.tick())
	}

	return a, nil
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder

	status := offlineStyle.Render("daemon offline")
	if a.daemonOnline {
		status = onlineStyle.Render("daemon online")
	}
	b.WriteString(titleStyle.Render("iglood consent") + "  " + status + "\n\n")

	if len(a.prompts) == 0 {
		b.WriteString(promptItemStyle.Render(helpStyle.Render("no pending requests")) + "\n")
	}
	for i, p := range a.prompts {
		line := fmt.Sprintf("%s  %s  %s  waiting %s",
			p.Request.CallingApp,
			p.Request.Operation,
			kindLabel(p),
			time.Since(p.CreatedAt).Round(time.Second))
		if i == a.selectedIdx {
			b.WriteString(selectedStyle.Render(line) + "\n")
		} else {
			b.WriteString(promptItemStyle.Render(line) + "\n")
		}
	}

	if len(a.prompts) > 0 && a.selectedIdx < len(a.prompts) {
		a.viewport.SetContent(detailView(a.prompts[a.selectedIdx]))
		b.WriteString("\n" + panelStyle.Render(a.viewport.View()) + "\n")
	}

	if a.message != "" {
		b.WriteString("\n" + helpStyle.Render(a.message) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render(
		"a approve · d deny · A/D remember · b grant all ops · r refresh · q quit"))
	return b.String()
}

func kindLabel(p consent.Prompt) string {
	if p.Request.Operation != models.OpSignEvent || p.Kind.Wildcard() {
		return ""
	}
	return "kind=" + p.Kind.String()
}

func detailView(p consent.Prompt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "request   %s\n", p.Request.ID)
	fmt.Fprintf(&b, "app       %s\n", p.Request.CallingApp)
	fmt.Fprintf(&b, "operation %s\n", p.Request.Operation)
	if k := kindLabel(p); k != "" {
		fmt.Fprintf(&b, "event     %s\n", k)
	}
	for _, key := range []string{"event", "plaintext", "ciphertext", "pubkey"} {
		if v := p.Request.Param(key); v != "" {
			fmt.Fprintf(&b, "%-9s %s\n", key, truncate(v, 200))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
