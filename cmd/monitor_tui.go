// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/derv/pkg/derv"
)

// Error log entry
type monitorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Per-address state
type addrState struct {
	reading  string
	status   string
	ok       uint64
	failed   uint64
	lastSeen time.Time
}

type pollMsg struct {
	at         time.Time
	rtt        time.Duration
	reply      *derv.Reply
	err        error
	validation []derv.ValidationError
	sinkErr    error
}

type monitorTickMsg time.Time

type monitorModel struct {
	connInfo      string
	cmd           *derv.Command
	interval      time.Duration
	showAll       bool
	stats         *derv.Statistics
	units         []addrState
	table         table.Model
	eventLog      []monitorLogEntry
	maxLogEntries int
	lastRTT       time.Duration
	width         int
	height        int
	quitting      bool
}

func newMonitorModel(connInfo string, c *derv.Command, interval time.Duration, showAll bool) monitorModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 3},
			{Title: "Addr", Width: 6},
			{Title: "Reading", Width: 34},
			{Title: "Status", Width: 18},
			{Title: "OK", Width: 7},
			{Title: "Fail", Width: 7},
			{Title: "Last seen", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(len(c.Addresses)+1),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	st.Selected = st.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(st)

	m := monitorModel{
		connInfo:      connInfo,
		cmd:           c,
		interval:      interval,
		showAll:       showAll,
		stats:         derv.NewStatistics(),
		units:         make([]addrState, len(c.Addresses)),
		table:         t,
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
	for i := range m.units {
		m.units[i].status = "waiting"
	}
	m.table.SetRows(m.rows())
	return m
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTick()
}

func monitorTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.addLogEntry("Statistics reset", false)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.stats.CalculateRates()
		return m, monitorTick()

	case pollMsg:
		m.applyPoll(msg)
		m.table.SetRows(m.rows())
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *monitorModel) applyPoll(msg pollMsg) {
	m.lastRTT = msg.rtt
	if msg.err != nil {
		m.stats.Update(nil, msg.err, nil)
		m.addLogEntry(fmt.Sprintf("POLL FAILED: %v", msg.err), true)
		return
	}

	r := msg.reply
	m.stats.Update(r, nil, msg.validation)
	for _, v := range msg.validation {
		if v.Type != derv.AnomalyUnitError {
			m.addLogEntry(v.Message, true)
		}
	}
	if msg.sinkErr != nil {
		m.addLogEntry(fmt.Sprintf("SINK: %v", msg.sinkErr), true)
	}

	for i := range m.units {
		u := &m.units[i]
		addr := m.cmd.Addresses[i]
		if kind, failed := r.ErrorFor(uint8(i + 1)); failed {
			u.failed++
			u.status = kind.String()
			m.addLogEntry(fmt.Sprintf("addr %d: %s", addr, kind), true)
			continue
		}
		u.ok++
		u.status = "ok"
		u.lastSeen = msg.at
		u.reading = derv.FormatReading(r.EchoCode, r.Slot(i))
		if m.showAll {
			m.addLogEntry(fmt.Sprintf("addr %d: %s", addr, u.reading), false)
		}
	}
}

func (m monitorModel) rows() []table.Row {
	rows := make([]table.Row, len(m.units))
	for i, u := range m.units {
		seen := "-"
		if !u.lastSeen.IsZero() {
			seen = u.lastSeen.Format("15:04:05.000")
		}
		rows[i] = table.Row{
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%d", m.cmd.Addresses[i]),
			u.reading,
			u.status,
			fmt.Sprintf("%d", u.ok),
			fmt.Sprintf("%d", u.failed),
			seen,
		}
	}
	return rows
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, monitorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("DERV - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s on segment %d every %s | 'r' reset, 'q' quit",
		m.connInfo, derv.FormatCode(m.cmd.Code), m.cmd.Port, m.interval)))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.table.View()))
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	var cleanPercent float64
	if st.TotalReplies > 0 {
		cleanPercent = float64(st.ValidReplies) * 100.0 / float64(st.TotalReplies)
	}
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Polls:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalReplies)),
		statsLabelStyle.Render("Clean:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidReplies, cleanPercent)),
		statsLabelStyle.Render("RTT:"), statsValueStyle.Render(m.lastRTT.Round(time.Millisecond).String()),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Timeouts:"), errorStyle.Render(fmt.Sprintf("%d", st.UnitTimeouts)),
		statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", st.CRCErrors)),
		statsLabelStyle.Render("Size:"), errorStyle.Render(fmt.Sprintf("%d", st.BadRxSize)),
		statsLabelStyle.Render("Missing:"), warningStyle.Render(fmt.Sprintf("%d", st.MissingFeature)),
	))
	if st.DecodeErrors > 0 || st.Anomalies > 0 {
		statsContent.WriteString(fmt.Sprintf("\n%s %s   %s %s",
			statsLabelStyle.Render("Decode Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeErrors)),
			statsLabelStyle.Render("Anomalies:"), warningStyle.Render(fmt.Sprintf("%d", st.Anomalies)),
		))
	}
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - len(m.units) - 16
	if logHeight < 5 {
		logHeight = 5
	}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	logContent := strings.Builder{}
	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}
	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
