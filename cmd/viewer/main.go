// Terminal viewer: joins a session by code, shows the incoming frame
// stream (as stats; a terminal cannot paint JPEG frames), and forwards
// keyboard input to the sharer once remote control is granted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/klmarjun/TeamViewerClone/pkg/client"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

type viewState int

const (
	stateEnterCode viewState = iota
	stateJoining
	stateConnected
	stateClosed
)

type joinedMsg struct{ c *client.Client }

type joinFailedMsg struct{ err error }

type eventMsg client.Event

type frameMsg int // frame size in bytes

type streamClosedMsg struct{}

type model struct {
	serverURL string

	state     viewState
	codeInput string
	errText   string

	client         *client.Client
	frames         int
	frameBytes     int64
	controlAllowed bool
	forwarding     bool
}

func initialModel(serverURL string) model {
	return model{serverURL: serverURL, state: stateEnterCode}
}

func (m model) Init() tea.Cmd {
	return nil
}

// joinCmd dials the broker and joins the session.
func joinCmd(serverURL, code string) tea.Cmd {
	return func() tea.Msg {
		c, err := client.Dial(serverURL)
		if err != nil {
			return joinFailedMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Join(ctx, code); err != nil {
			c.Close()
			return joinFailedMsg{err: err}
		}
		return joinedMsg{c: c}
	}
}

func waitEvent(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-c.Events()
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func waitFrame(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-c.Frames()
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg(len(frame))
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case joinedMsg:
		m.client = msg.c
		m.state = stateConnected
		m.errText = ""
		return m, tea.Batch(waitEvent(m.client), waitFrame(m.client))

	case joinFailedMsg:
		m.state = stateEnterCode
		if errors.Is(msg.err, client.ErrJoinFailed) {
			m.errText = "invalid session code, or the sharer is offline"
		} else {
			m.errText = msg.err.Error()
		}
		return m, nil

	case eventMsg:
		switch msg.Type {
		case "control-status":
			m.controlAllowed = msg.Allowed
			if !msg.Allowed {
				m.forwarding = false
			}
		case "sharer-disconnected":
			m.state = stateClosed
			m.errText = "sharer disconnected"
			return m, nil
		}
		return m, waitEvent(m.client)

	case frameMsg:
		m.frames++
		m.frameBytes += int64(msg)
		return m, waitFrame(m.client)

	case streamClosedMsg:
		if m.state == stateConnected {
			m.state = stateClosed
			m.errText = "connection lost"
		}
		return m, nil
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		if m.client != nil {
			m.client.Close()
		}
		return m, tea.Quit
	}

	switch m.state {
	case stateEnterCode:
		switch msg.Type {
		case tea.KeyEnter:
			code := strings.TrimSpace(m.codeInput)
			if code == "" {
				return m, nil
			}
			m.state = stateJoining
			m.errText = ""
			return m, joinCmd(m.serverURL, code)
		case tea.KeyBackspace:
			if len(m.codeInput) > 0 {
				m.codeInput = m.codeInput[:len(m.codeInput)-1]
			}
		case tea.KeyRunes:
			m.codeInput += strings.ToUpper(string(msg.Runes))
		}
		return m, nil

	case stateConnected:
		// While forwarding, every key goes to the sharer.
		if m.forwarding && msg.Type != tea.KeyTab {
			for _, event := range []string{"keydown", "keyup"} {
				if err := m.client.SendInput(client.InputEvent{
					InputType: "keyboard",
					Event:     event,
					Key:       msg.String(),
				}); err != nil {
					m.errText = "send input: " + err.Error()
					m.forwarding = false
					break
				}
			}
			return m, nil
		}
		switch {
		case msg.Type == tea.KeyTab && m.controlAllowed:
			m.forwarding = !m.forwarding
		case msg.String() == "r":
			if err := m.client.RequestControl(); err != nil {
				m.errText = "request control: " + err.Error()
			}
		case msg.String() == "q":
			m.client.Close()
			return m, tea.Quit
		}
		return m, nil

	case stateClosed:
		if msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Remote Screen Viewer"))
	b.WriteString("\n\n")

	switch m.state {
	case stateEnterCode:
		b.WriteString("Session code: " + codeStyle.Render(m.codeInput+"▌"))
		b.WriteString("\n")
		if m.errText != "" {
			b.WriteString(errorStyle.Render(m.errText) + "\n")
		}
		b.WriteString(helpStyle.Render("enter: join • ctrl+c: quit"))

	case stateJoining:
		b.WriteString(statusStyle.Render("Joining session..."))

	case stateConnected:
		b.WriteString(fmt.Sprintf("Frames received: %d (%.1f KB)\n", m.frames, float64(m.frameBytes)/1024))
		if m.controlAllowed {
			b.WriteString(okStyle.Render("Remote control: granted"))
			if m.forwarding {
				b.WriteString(okStyle.Render("  [forwarding keys]"))
			}
		} else {
			b.WriteString(statusStyle.Render("Remote control: not granted"))
		}
		b.WriteString("\n")
		if m.errText != "" {
			b.WriteString(errorStyle.Render(m.errText) + "\n")
		}
		b.WriteString(helpStyle.Render("r: request control • tab: toggle key forwarding • q: quit"))

	case stateClosed:
		b.WriteString(errorStyle.Render(m.errText) + "\n")
		b.WriteString(helpStyle.Render("q: quit"))
	}

	b.WriteString("\n")
	return b.String()
}

func main() {
	server := flag.String("server", "ws://localhost:8080/ws", "Broker WebSocket URL")
	flag.Parse()

	p := tea.NewProgram(initialModel(*server))
	if _, err := p.Run(); err != nil {
		log.Fatalf("viewer error: %v", err)
	}
}
