// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/dosa/pkg/door"
	"github.com/Thermoquad/dosa/pkg/wsapi"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive door control",
	Long: `Full-screen terminal UI for driving the door.

Keys:
  o  open        c  close       s  stop
  h  home        z  zero        a  clear alarm
  m  move to a percentage (type a value, enter to go)
  q  quit`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type daemonEventMsg struct {
	kind string
	data []byte
}

type daemonGoneMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	client *daemonClient
	events chan daemonEventMsg
	gone   chan daemonGoneMsg

	status     door.Status
	version    string
	haveStatus bool

	// Last command acknowledgement or failure.
	lastResult string
	lastError  bool

	// Move-to-percent input
	percentInput textinput.Model
	entering     bool

	width    int
	height   int
	quitting bool
}

func initialControlModel(client *daemonClient) controlModel {
	ti := textinput.New()
	ti.Placeholder = "50"
	ti.CharLimit = 5
	ti.Width = 8

	return controlModel{
		client: client,
		events: make(chan daemonEventMsg, 16),
		gone:   make(chan daemonGoneMsg, 1),

		percentInput: ti,
	}
}

// readDaemon pumps daemon messages into the model's channels. Runs once as
// a goroutine for the life of the TUI.
func (m controlModel) readDaemon() {
	for {
		kind, data, err := m.client.next(24 * time.Hour)
		if err != nil {
			m.gone <- daemonGoneMsg{err: err}
			return
		}
		m.events <- daemonEventMsg{kind: kind, data: data}
	}
}

func (m controlModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.events:
			return ev
		case g := <-m.gone:
			return g
		}
	}
}

func (m controlModel) Init() tea.Cmd {
	return m.waitForEvent()
}

//////////////////////////////////////////////////////////////
// Update
//////////////////////////////////////////////////////////////

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case daemonGoneMsg:
		m.lastResult = fmt.Sprintf("connection lost: %v", msg.err)
		m.lastError = true
		m.quitting = true
		return m, tea.Quit

	case daemonEventMsg:
		m.applyEvent(msg)
		return m, m.waitForEvent()

	case tea.KeyMsg:
		if m.entering {
			return m.updatePercentEntry(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *controlModel) applyEvent(ev daemonEventMsg) {
	switch ev.kind {
	case "status":
		var st wsapi.StatusMessage
		if json.Unmarshal(ev.data, &st) == nil {
			m.status = st.Door
			m.version = st.Version
			m.haveStatus = true
		}
	case "response":
		var reply wsapi.ResponseMessage
		if json.Unmarshal(ev.data, &reply) == nil {
			if reply.Success {
				m.lastResult = fmt.Sprintf("%s: ok", reply.Command)
				m.lastError = false
			} else {
				m.lastResult = fmt.Sprintf("%s: %s", reply.Command, reply.Message)
				m.lastError = true
			}
		}
	case "error":
		var wsErr wsapi.ErrorMessage
		if json.Unmarshal(ev.data, &wsErr) == nil {
			m.lastResult = wsErr.Message
			m.lastError = true
		}
	}
}

func (m controlModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	send := func(req wsapi.Request) (tea.Model, tea.Cmd) {
		if err := m.client.send(req); err != nil {
			m.lastResult = err.Error()
			m.lastError = true
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "o":
		return send(wsapi.Request{Type: wsapi.CmdOpen})
	case "c":
		return send(wsapi.Request{Type: wsapi.CmdClose})
	case "s":
		return send(wsapi.Request{Type: wsapi.CmdStop})
	case "h":
		return send(wsapi.Request{Type: wsapi.CmdHome})
	case "z":
		return send(wsapi.Request{Type: wsapi.CmdZero})
	case "a":
		return send(wsapi.Request{Type: wsapi.CmdClearAlarm})
	case "m":
		m.entering = true
		m.percentInput.SetValue("")
		m.percentInput.Focus()
		return m, textinput.Blink
	}
	return m, nil
}

func (m controlModel) updatePercentEntry(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.entering = false
		m.percentInput.Blur()
		return m, nil
	case "enter":
		m.entering = false
		m.percentInput.Blur()
		percent, err := strconv.ParseFloat(strings.TrimSpace(m.percentInput.Value()), 64)
		if err != nil {
			m.lastResult = fmt.Sprintf("not a number: %q", m.percentInput.Value())
			m.lastError = true
			return m, nil
		}
		if err := m.client.send(wsapi.Request{Type: wsapi.CmdMove, Percent: &percent}); err != nil {
			m.lastResult = err.Error()
			m.lastError = true
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.percentInput, cmd = m.percentInput.Update(msg)
	return m, cmd
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

func (m controlModel) View() string {
	if m.quitting {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))
	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))
	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)
	okStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1)

	var b strings.Builder
	b.WriteString(titleStyle.Render("Dosa Door Control"))
	if m.version != "" {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  (daemon %s)", m.version)))
	}
	b.WriteString("\n\n")

	if !m.haveStatus {
		b.WriteString("Waiting for status...\n")
		return b.String()
	}

	state := string(m.status.State)
	switch m.status.State {
	case door.StateAlarm, door.StateFault:
		state = errorStyle.Render(state)
	case door.StateOpen, door.StateClosed:
		state = okStyle.Render(state)
	}

	inner := fmt.Sprintf("%s %s\n%s %.3f mm\n%s %s",
		labelStyle.Render("State:   "), state,
		labelStyle.Render("Position:"), m.status.PositionMM,
		labelStyle.Render("Travel:  "), renderTravelBar(m.status.PositionPercent, 30))
	if m.status.AlarmCode != "" {
		inner += fmt.Sprintf("\n%s %s", labelStyle.Render("Alarm:   "), errorStyle.Render(m.status.AlarmCode))
	}
	if m.status.FaultMessage != "" {
		inner += fmt.Sprintf("\n%s %s", labelStyle.Render("Fault:   "), errorStyle.Render(m.status.FaultMessage))
	}
	b.WriteString(boxStyle.Render(inner))
	b.WriteString("\n\n")

	if m.entering {
		b.WriteString(fmt.Sprintf("Move to percent: %s  (enter to go, esc to cancel)\n", m.percentInput.View()))
	} else if m.lastResult != "" {
		if m.lastError {
			b.WriteString(errorStyle.Render(m.lastResult))
		} else {
			b.WriteString(okStyle.Render(m.lastResult))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render("o open  c close  s stop  h home  z zero  a clear alarm  m move  q quit"))
	b.WriteString("\n")
	return b.String()
}

// renderTravelBar draws the door's travel as a fixed-width bar, closed on
// the left and open on the right.
func renderTravelBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %.1f%%",
		strings.Repeat("#", filled),
		strings.Repeat("-", width-filled),
		percent)
}

//////////////////////////////////////////////////////////////
// Command entry point
//////////////////////////////////////////////////////////////

func runControl(cmd *cobra.Command, args []string) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	model := initialControlModel(client)
	go model.readDaemon()

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
