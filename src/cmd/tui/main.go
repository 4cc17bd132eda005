package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/gateway"
	"troupe-main/src/internal/script"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const refreshEvery = 2 * time.Second

// client talks to a running troupe server.
type client struct {
	base      string
	key       string
	adminUser string
	adminPass string
	http      *http.Client
}

func (c *client) get(ctx context.Context, path string, admin bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if admin {
		req.SetBasicAuth(c.adminUser, c.adminPass)
	} else if c.key != "" {
		req.Header.Set("X-Server-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("X-Server-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

type snapshot struct {
	stats         gateway.Stats
	conversations []script.State
	sessions      []entry.Session
	channels      map[string]map[string]any
	err           error
	at            time.Time
}

type snapshotMsg snapshot

type tickMsg time.Time

type actionMsg struct{ text string }

type Model struct {
	viewport viewport.Model
	list     list.Model
	tabIndex int
	ctx      context.Context
	cancel   context.CancelFunc
	client   *client
	snap     snapshot
	selected int
	status   string
}

type item string

func (i item) FilterValue() string { return string(i) }

type itemDelegate struct{}

func (d itemDelegate) Height() int { return 1 }

func (d itemDelegate) Spacing() int { return 0 }

func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd {
	return nil
}

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(item)
	if !ok {
		return
	}
	text := string(i)
	var st lipgloss.Style
	if index == m.Index() {
		st = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).PaddingLeft(2)
	} else {
		st = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).PaddingLeft(2)
	}
	fmt.Fprint(w, st.Render(text))
}

func initialModel(ctx context.Context, cancel context.CancelFunc, c *client) Model {
	m := Model{
		ctx:    ctx,
		cancel: cancel,
		client: c,
		status: "connecting to " + c.base,
	}
	m.viewport = viewport.New(100, 20)

	items := []list.Item{
		item("Conversations"),
		item("Sessions"),
		item("Scheduler"),
		item("Channels"),
	}
	m.list = list.New(items, itemDelegate{}, 80, 6)
	m.list.Title = "Troupe Monitor"
	m.list.SetShowHelp(false)
	m.list.Select(0)
	return m
}

func (m Model) fetch() tea.Cmd {
	c := m.client
	ctx := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var s snapshot
		s.at = time.Now()
		if err := c.get(ctx, "/api/v1/stats", false, &s.stats); err != nil {
			s.err = err
			return snapshotMsg(s)
		}
		if err := c.get(ctx, "/api/v1/conversations", false, &s.conversations); err != nil {
			s.err = err
		}
		if err := c.get(ctx, "/api/v1/sessions", false, &s.sessions); err != nil && s.err == nil {
			s.err = err
		}
		if c.adminUser != "" {
			// admin credentials are optional for the monitor
			_ = c.get(ctx, "/api/admin/v1/channels", true, &s.channels)
		}
		return snapshotMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// act runs a conversation action against the selected conversation.
func (m Model) act(verb string) tea.Cmd {
	if m.selected >= len(m.snap.conversations) {
		return nil
	}
	id := m.snap.conversations[m.selected].ConversationID
	c := m.client
	ctx := m.ctx
	return func() tea.Msg {
		if err := c.post(ctx, "/api/v1/conversations/"+id+"/"+verb); err != nil {
			return actionMsg{text: verb + " failed: " + err.Error()}
		}
		return actionMsg{text: verb + " " + id}
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds := []tea.Cmd{cmd}

	m.list, cmd = m.list.Update(msg)
	cmds = append(cmds, cmd)
	m.tabIndex = m.list.Index()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if msg.Width == 0 || msg.Height == 0 {
			return m, nil
		}
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-16, 5)
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(8)
	case tickMsg:
		cmds = append(cmds, m.fetch(), tick())
	case snapshotMsg:
		m.snap = snapshot(msg)
		if m.snap.err != nil {
			m.status = "error: " + m.snap.err.Error()
		} else {
			m.status = "updated " + m.snap.at.Format("15:04:05")
		}
		if m.selected >= len(m.snap.conversations) {
			m.selected = max(len(m.snap.conversations)-1, 0)
		}
	case actionMsg:
		m.status = msg.text
		cmds = append(cmds, m.fetch())
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "r":
			cmds = append(cmds, m.fetch())
		case "j":
			if m.selected+1 < len(m.snap.conversations) {
				m.selected++
			}
		case "k":
			if m.selected > 0 {
				m.selected--
			}
		case "p":
			if m.tabIndex == 0 {
				cmds = append(cmds, m.act("pause"))
			}
		case "u":
			if m.tabIndex == 0 {
				cmds = append(cmds, m.act("resume"))
			}
		case "t":
			if m.tabIndex == 0 {
				cmds = append(cmds, m.act("trigger"))
			}
		case "x":
			if m.tabIndex == 0 {
				cmds = append(cmds, m.act("cancel"))
			}
		}
	}
	m.viewport.SetContent(tabView(m))
	return m, tea.Batch(cmds...)
}

var (
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func tabView(m Model) string {
	var b strings.Builder
	switch m.tabIndex {
	case 0:
		if len(m.snap.conversations) == 0 {
			return "No conversations"
		}
		fmt.Fprintf(&b, "%-20s %-10s %-10s %-14s %-6s %s\n", "CONVERSATION", "MODE", "STATUS", "TARGET", "STAGE", "PENDING")
		for i, c := range m.snap.conversations {
			line := fmt.Sprintf("%-20s %-10s %-10s %-14s %-6d %d", c.ConversationID, c.Mode, c.Status, c.TargetID, c.CurrentStageIndex, len(c.PendingTaskIDs))
			if c.Reason != "" {
				line += "  " + c.Reason
			}
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> "+line) + "\n")
			} else {
				b.WriteString("  " + line + "\n")
			}
		}
	case 1:
		if len(m.snap.sessions) == 0 {
			return "No sessions"
		}
		fmt.Fprintf(&b, "%-14s %-20s %-9s %-8s %-9s %s\n", "SESSION", "CONVERSATION", "STATUS", "ENTERED", "FOLLOWUPS", "NEXT")
		for _, s := range m.snap.sessions {
			entered := 0
			for _, a := range s.Arrivals {
				if a.Entered {
					entered++
				}
			}
			next := "-"
			if !s.NextFollowUp.IsZero() {
				next = s.NextFollowUp.Local().Format("15:04:05")
			}
			fmt.Fprintf(&b, "%-14s %-20s %-9s %d/%-6d %-9d %s\n", s.ID, s.ConversationID, s.Status, entered, len(s.Roles), s.FollowUps, next)
		}
	case 2:
		st := m.snap.stats.Scheduler
		fmt.Fprintf(&b, "Tasks total:   %d\nSucceeded:     %d\nFailed:        %d\nPending:       %d\nIn flight:     %d\nAvg latency:   %s\nEMA latency:   %s\n\nScripts loaded: %d\n",
			st.Total, st.Succeeded, st.Failed, st.Pending, st.InFlight, st.AvgLatency, st.EMALatency, m.snap.stats.Scripts)
		b.WriteString("\nConversations by status:\n")
		for status, n := range m.snap.stats.Conversations {
			fmt.Fprintf(&b, "  %-10s %d\n", status, n)
		}
	case 3:
		if m.snap.channels == nil {
			return "Channels: " + strings.Join(m.snap.stats.Channels, ", ") + "\n\n" + dimStyle.Render("(set admin credentials for channel details)")
		}
		data, _ := json.MarshalIndent(m.snap.channels, "", "  ")
		b.Write(data)
	default:
		return "Invalid tab"
	}
	return b.String()
}

func helpView() string {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("242")).
		Padding(0, 1).
		Border(lipgloss.NormalBorder()).
		Render(`↑↓ segment | j/k select conversation | r refresh | q quit
Conversations: p pause | u resume | t trigger stage | x cancel`)
}

func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Top,
		lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).MaxHeight(10).Render(m.list.View()),
		dimStyle.Render(m.status),
		m.viewport.View(),
		helpView(),
	)
}

func main() {
	var configFile, addr string
	flag.StringVar(&configFile, "config", "", "config path")
	flag.StringVar(&addr, "addr", "", "server address, defaults to the configured one")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if addr == "" {
		host := cfg.Server.EffectiveHost
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	if !strings.HasPrefix(addr, "http") {
		addr = "http://" + addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	c := &client{
		base:      strings.TrimRight(addr, "/"),
		key:       cfg.Server.Key,
		adminUser: cfg.Server.AdminUser,
		adminPass: cfg.Server.AdminPass,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
	p := tea.NewProgram(initialModel(ctx, cancel, c), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		slog.Error("TUI error", "err", err)
		os.Exit(1)
	}
}
