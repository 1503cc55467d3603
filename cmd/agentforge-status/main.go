// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// agentforge-status is an operator TUI that connects to agentforged's
// /ws status feed and renders a live, auto-updating table of every
// agent's status, project, task, and age. It is read-only: control
// operations (spawn/kill/send) go through the chat connectors or a
// direct HTTP client, not this viewer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/agent-forge/agentforge/internal/broadcast"
	"github.com/agent-forge/agentforge/internal/core"
	"github.com/agent-forge/agentforge/lib/process"
	"github.com/agent-forge/agentforge/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		url         string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("agentforge-status", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://127.0.0.1:8080/ws", "agentforged status feed WebSocket URL")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Full())
		return nil
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("agentforge-status requires an interactive terminal on stdout")
	}

	program := tea.NewProgram(newModel(url), tea.WithAltScreen())
	attachProgram(program)
	_, err := program.Run()
	return err
}

// statusEnvelope mirrors the JSON shape internal/httpapi writes to the
// /ws status feed: a type discriminator plus a type-dependent payload.
type statusEnvelope struct {
	Type    broadcast.Kind  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type snapshotMsg core.Snapshot

type connStateMsg struct {
	connected bool
	err       error
}

type model struct {
	url       string
	connected bool
	lastError error
	agents    map[string]core.Snapshot
	width     int
	height    int

	spin   spinner.Model
	styles styles
}

type styles struct {
	header    func(string) string
	statusOK  func(string) string
	statusBad func(string) string
	dim       func(string) string
}

func newModel(url string) model {
	styles := newStyles()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	return model{
		url:    url,
		agents: make(map[string]core.Snapshot),
		spin:   sp,
		styles: styles,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(connectCmd(m.url), m.spin.Tick)
}

// connectCmd dials the status feed and streams decoded frames back to
// the bubbletea program via program.Send from a background goroutine,
// the same pattern the retrieval pack's own dashboards use for a
// long-lived background data source feeding tea.Msg values.
func connectCmd(url string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return connStateMsg{connected: false, err: err}
		}
		go streamLoop(ctx, conn)
		return connStateMsg{connected: true}
	}
}

// streamLoop is started once per successful dial. It has no access to
// the running tea.Program, so it is wired up by run() reassigning
// programRef before Init runs; see attachProgram.
var programRef *tea.Program

func attachProgram(p *tea.Program) { programRef = p }

func streamLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.CloseNow()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if programRef != nil {
				programRef.Send(connStateMsg{connected: false, err: err})
			}
			return
		}
		var envelope statusEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type != broadcast.KindAgentUpdate {
			continue
		}
		var snapshot core.Snapshot
		if err := json.Unmarshal(envelope.Payload, &snapshot); err != nil {
			continue
		}
		if programRef != nil {
			programRef.Send(snapshotMsg(snapshot))
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case connStateMsg:
		m.connected = msg.connected
		m.lastError = msg.err

	case snapshotMsg:
		snapshot := core.Snapshot(msg)
		m.agents[snapshot.AgentID] = snapshot

	case spinner.TickMsg:
		if !m.connected {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m model) View() string {
	header := m.styles.header(fmt.Sprintf("agentforge-status  %s", m.url))
	if !m.connected {
		status := m.spin.View() + " connecting..."
		if m.lastError != nil {
			status = m.styles.statusBad("disconnected: " + m.lastError.Error())
		}
		return header + "\n\n" + status + "\n\n(press q to quit)"
	}

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		return header + "\n\n" + m.styles.dim("no agents yet") + "\n\n(press q to quit)"
	}

	out := header + "\n\n"
	out += fmt.Sprintf("%-8s %-14s %-14s %-8s %s\n", "ID", "PROJECT", "STATUS", "SUBAGT", "TASK")
	for _, id := range ids {
		agent := m.agents[id]
		statusText := string(agent.Status)
		if agent.Status == core.StatusError || agent.Status == core.StatusWaitingInput {
			statusText = m.styles.statusBad(statusText)
		} else {
			statusText = m.styles.statusOK(statusText)
		}
		age := time.Since(agent.LastActivity).Round(time.Second)
		out += fmt.Sprintf("%-8s %-14s %-14s %-8d %s %s\n",
			agent.AgentID, agent.Project, statusText, agent.SubAgentCount,
			truncate(agent.Task, 40), m.styles.dim(age.String()))
	}
	out += "\n(press q to quit)"
	return out
}

// newStyles constructs the viewer's color palette against a fixed
// ANSI256 profile, matching the teacher's own terminal-renderer setup
// for bubbletea displays: auto-detection produces uncolored output
// whenever stdout isn't a real TTY (as in CI or a piped invocation),
// which is undesirable for an always-interactive alt-screen program.
func newStyles() styles {
	renderer := lipgloss.NewRenderer(os.Stdout, termenv.WithProfile(termenv.ANSI256))
	renderer.SetColorProfile(termenv.ANSI256)

	headerStyle := renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	okStyle := renderer.NewStyle().Foreground(lipgloss.Color("2"))
	badStyle := renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle := renderer.NewStyle().Foreground(lipgloss.Color("8"))

	return styles{
		header:    func(s string) string { return headerStyle.Render(s) },
		statusOK:  func(s string) string { return okStyle.Render(s) },
		statusBad: func(s string) string { return badStyle.Render(s) },
		dim:       func(s string) string { return dimStyle.Render(s) },
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
