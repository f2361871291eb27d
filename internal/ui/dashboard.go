package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kihw/modhub-central-management-sub000/internal/bus"
	"github.com/kihw/modhub-central-management-sub000/internal/control/client"
)

const (
	pollInterval  = time.Second
	eventWindow   = 2 * time.Minute
	maxEventLines = 8
	maxRuleLines  = 8
)

// Model renders a live view of the daemon polled over the control socket.
type Model struct {
	client *client.Client

	status  client.DaemonStatus
	mods    client.ModsResult
	rules   client.RulesResult
	events  client.EventsResult
	lastErr error
	width   int
	height  int
}

// New creates a dashboard backed by the given control client.
func New(c *client.Client) *Model {
	return &Model{client: c, width: 120, height: 40}
}

// Messages
type (
	tickMsg struct{}
	pollMsg struct {
		status client.DaemonStatus
		mods   client.ModsResult
		rules  client.RulesResult
		events client.EventsResult
		err    error
	}
)

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *Model) pollCmd() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
		defer cancel()
		var msg pollMsg
		msg.status, msg.err = c.Status(ctx)
		if msg.err != nil {
			return msg
		}
		if msg.mods, msg.err = c.Mods(ctx); msg.err != nil {
			return msg
		}
		if msg.rules, msg.err = c.Rules(ctx); msg.err != nil {
			return msg
		}
		msg.events, msg.err = c.Events(ctx, eventWindow)
		return msg
	}
}

func (m *Model) Init() tea.Cmd { return tea.Batch(m.pollCmd(), tickCmd()) }

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.pollCmd(), tickCmd())
	case pollMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.mods = msg.mods
			m.rules = msg.rules
			m.events = msg.events
		}
	}
	return m, nil
}

// Styles
var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("81")).Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	gaugeFill   = "█"
	gaugeEmpty  = "░"
	cardStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("60")).
			Padding(0, 1).
			MarginRight(1)
)

func (m *Model) View() string {
	header := titleStyle.Render("ModHub Dashboard") + "  " +
		subtleStyle.Render(fmt.Sprintf("up %s | strategy %s | dropped events %d",
			(time.Duration(m.status.UptimeSeconds)*time.Second).Round(time.Second),
			m.status.ConflictStrategy, m.status.DroppedEvents))
	if m.lastErr != nil {
		header += "  " + errStyle.Render("daemon unreachable: "+m.lastErr.Error())
	}

	var resourceCard string
	if snap := m.status.Snapshot; snap != nil {
		lines := []string{
			fmt.Sprintf("CPU  %s", gaugeBar(snap.CPUPercent, 24)),
			fmt.Sprintf("Mem  %s  %.1f/%.1f GiB", gaugeBar(snap.MemoryPercent, 24),
				bytesToGiB(snap.MemoryUsed), bytesToGiB(snap.MemoryTotal)),
			fmt.Sprintf("Disk %s", gaugeBar(snap.DiskPercent, 24)),
			fmt.Sprintf("Procs %d   Swap %3.0f%%", snap.ProcessCount, snap.SwapPercent),
		}
		for _, gpu := range snap.GPUs {
			lines = append(lines, fmt.Sprintf("GPU %s %4.0f%% %2.0f°C",
				truncate(gpu.Name, 12), gpu.UtilizationPct, gpu.TemperatureC))
		}
		resourceCard = card("Resources", strings.Join(lines, "\n"))
	} else {
		resourceCard = card("Resources", subtleStyle.Render("waiting for first sample"))
	}

	modLines := make([]string, 0, len(m.mods.Mods))
	for _, mod := range m.mods.Mods {
		marker := subtleStyle.Render("·")
		if mod.Active {
			marker = activeStyle.Render("●")
		}
		modLines = append(modLines, fmt.Sprintf("%s %-16s p%-3d %s",
			marker, truncate(mod.ID, 16), mod.Priority, subtleStyle.Render(mod.Type)))
	}
	if len(modLines) == 0 {
		modLines = append(modLines, subtleStyle.Render("no mods registered"))
	}
	modsCard := card("Mods", strings.Join(modLines, "\n"))

	ruleLines := make([]string, 0, len(m.rules.Rules))
	for i, rule := range m.rules.Rules {
		if i >= maxRuleLines {
			break
		}
		state := subtleStyle.Render("idle")
		if !rule.Enabled {
			state = subtleStyle.Render("off")
		} else if rule.Satisfied {
			state = activeStyle.Render("firing")
		}
		ruleLines = append(ruleLines, fmt.Sprintf("%-18s p%-3d x%-4d %s",
			truncate(rule.ID, 18), rule.Priority, rule.ExecutionCount, state))
	}
	if len(ruleLines) == 0 {
		ruleLines = append(ruleLines, subtleStyle.Render("no rules registered"))
	}
	rulesCard := card("Rules", strings.Join(ruleLines, "\n"))

	eventsCard := card("Events", renderEvents(m.events.Events))

	line1 := lipgloss.JoinHorizontal(lipgloss.Top, resourceCard, modsCard)
	line2 := lipgloss.JoinHorizontal(lipgloss.Top, rulesCard, eventsCard)

	return lipgloss.JoinVertical(lipgloss.Left, header, line1, line2,
		subtleStyle.Render("q to quit"))
}

func renderEvents(events []bus.Event) string {
	if len(events) == 0 {
		return subtleStyle.Render("no recent events")
	}
	start := 0
	if len(events) > maxEventLines {
		start = len(events) - maxEventLines
	}
	lines := make([]string, 0, maxEventLines)
	for _, ev := range events[start:] {
		line := fmt.Sprintf("%s %-18s s%d %s",
			ev.Timestamp.Format("15:04:05"), truncate(ev.Type, 18), ev.Severity, ev.Source)
		if ev.Severity >= 6 {
			line = errStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Helpers
func gaugeBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int((pct / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat(gaugeFill, filled),
		strings.Repeat(gaugeEmpty, width-filled),
		pct)
}

func card(title, body string) string {
	return cardStyle.Render(labelStyle.Render(title) + "\n" + body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func bytesToGiB(b uint64) float64 { return float64(b) / (1024 * 1024 * 1024) }

// Run starts the dashboard program against the given socket path.
func Run(socketPath string) error {
	c, err := client.New(socketPath)
	if err != nil {
		return err
	}
	prog := tea.NewProgram(New(c), tea.WithAltScreen())
	_, err = prog.Run()
	return err
}
