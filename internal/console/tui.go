package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/QuangTrungK22/Discord-P2P/internal/node"
)

const (
	statusInterval = 2 * time.Second
	maxScrollback  = 500
)

// chatMsg carries one delivered chat line into the model.
type chatMsg node.Chat

// tickMsg refreshes the status bar.
type tickMsg time.Time

// Model is the bubbletea model for the full-screen chat view.
type Model struct {
	ctx   context.Context
	n     *node.Node
	con   *Console
	lines []string
	input []rune

	width  int
	height int
}

// NewModel returns a chat view bound to n. ctx scopes the operations the
// typed commands run.
func NewModel(ctx context.Context, n *node.Node) Model {
	return Model{
		ctx:   ctx,
		n:     n,
		con:   New(n),
		lines: []string{dimStyle.Render("type 'help' for commands")},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitChat(m.n.Messages()), tick())
}

func waitChat(ch <-chan node.Chat) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return nil
		}
		return chatMsg(c)
	}
}

func tick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := string(m.input)
			m.input = nil
			out, quit := m.con.Exec(m.ctx, line)
			if out != "" {
				m = m.push(out)
			}
			if quit {
				return m, tea.Quit
			}
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case tea.KeySpace:
			m.input = append(m.input, ' ')
		case tea.KeyRunes:
			m.input = append(m.input, msg.Runes...)
		}
		return m, nil

	case chatMsg:
		m = m.push(FormatChat(node.Chat(msg), false))
		return m, waitChat(m.n.Messages())

	case tickMsg:
		return m, tick()
	}
	return m, nil
}

func (m Model) push(out string) Model {
	lines := append(m.lines, strings.Split(out, "\n")...)
	if len(lines) > maxScrollback {
		lines = lines[len(lines)-maxScrollback:]
	}
	m.lines = lines
	return m
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading…"
	}
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("  segchat  "))
	sb.WriteString("\n")

	// title(1) + divider(1) + status(1) + input(1)
	body := m.height - 4
	if body < 1 {
		body = 1
	}
	lines := m.lines
	if len(lines) > body {
		lines = lines[len(lines)-body:]
	}
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString(strings.Repeat("\n", body-len(lines)+1))

	sb.WriteString(strings.Repeat("─", m.width))
	sb.WriteString("\n")
	sb.WriteString(m.statusBar())
	sb.WriteString("\n")
	sb.WriteString("> " + string(m.input))
	return sb.String()
}

func (m Model) statusBar() string {
	st := m.n.Status()
	net := errorStyle.Render("offline")
	if st.Online {
		net = okStyle.Render("online")
	}
	ch := "no channel"
	if st.Channel != "" {
		ch = "#" + st.Channel
	}
	parts := []string{st.DisplayName, net, fmt.Sprintf("%d peers", st.Peers), ch}
	if st.Live.Hosting {
		parts = append(parts, "● live")
	}
	return dimStyle.Render(strings.Join(parts, "  |  "))
}
