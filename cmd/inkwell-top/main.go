// inkwell-top is a small terminal dashboard over the queue stats endpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	labelColumn = lipgloss.NewStyle().Width(12)
)

type queueStats struct {
	QueueName  string `json:"queueName"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Retrying   int    `json:"retrying"`
	Total      int    `json:"total"`
}

type statsMsg struct {
	stats queueStats
	err   error
}

type tickMsg time.Time

type model struct {
	baseURL  string
	interval time.Duration
	client   *http.Client

	stats     queueStats
	lastErr   error
	fetchedAt time.Time
	width     int
}

func fetchStatsCmd(m model) tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.baseURL + "/v1/queue/stats")
		if err != nil {
			return statsMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statsMsg{err: fmt.Errorf("status %d from %s", resp.StatusCode, m.baseURL)}
		}
		var s queueStats
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{stats: s}
	}
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStatsCmd(m), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchStatsCmd(m)
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchStatsCmd(m), tickCmd(m.interval))
	case statsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.stats = msg.stats
		m.lastErr = nil
		m.fetchedAt = time.Now()
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("inkwell queue") + "  " + mutedStyle.Render(m.baseURL) + "\n\n")

	row := func(label string, v int, style lipgloss.Style) {
		b.WriteString(labelColumn.Render(label) + style.Render(fmt.Sprintf("%6d", v)) + "\n")
	}
	row("pending", m.stats.Pending, warnStyle)
	row("processing", m.stats.Processing, okStyle)
	row("retrying", m.stats.Retrying, warnStyle)
	row("completed", m.stats.Completed, mutedStyle)
	row("failed", m.stats.Failed, errorStyle)
	b.WriteString(labelColumn.Render("total") + fmt.Sprintf("%6d", m.stats.Total) + "\n")

	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(errorStyle.Render("error: "+m.lastErr.Error()) + "\n")
	} else if !m.fetchedAt.IsZero() {
		b.WriteString(mutedStyle.Render("updated "+m.fetchedAt.Format("15:04:05")) + "\n")
	}
	b.WriteString(mutedStyle.Render("r refresh  q quit"))

	return panelStyle.Render(b.String()) + "\n"
}

func main() {
	baseURL := flag.String("api", envOr("INKWELL_API", "http://localhost:8080"), "inkwell API base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	m := model{
		baseURL:  strings.TrimRight(*baseURL, "/"),
		interval: *interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "inkwell-top:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
