package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case dataLoadedMsg:
		m.refreshing = false
		if msg.err != nil {
			m.setStatus("Failed to load: " + msg.err.Error())
			return m, nil
		}
		m.health = msg.health
		m.tasks = msg.tasks
		m.events = msg.events
		m.cycle = msg.cycle
		m.table.SetRows(taskRows(m.tasks))
		m.feed.SetContent(renderEvents(m.events))
		m.feed.GotoBottom()
		return m, nil

	case resultsLoadedMsg:
		if msg.err != nil {
			m.setStatus("Failed to load results: " + msg.err.Error())
			return m, nil
		}
		task := msg.task
		m.selected = &task
		m.detail.SetContent(renderDetail(task, msg.results, m.detail.Width))
		m.detail.GotoTop()
		m.screen = screenDetail
		return m, nil

	case tickMsg:
		cmds := []tea.Cmd{tickCmd()}
		if m.statusMsg != "" && time.Since(m.statusTime) > 5*time.Second {
			m.statusMsg = ""
		}
		if !m.refreshing {
			m.refreshing = true
			cmds = append(cmds, m.load())
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		if m.screen == screenDetail && msg.String() == "q" {
			m.screen = screenTasks
			return m, nil
		}
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, keys.Back):
		if m.screen != screenTasks {
			m.screen = screenTasks
		}
		return m, nil

	case key.Matches(msg, keys.Refresh):
		m.refreshing = true
		return m, m.load()
	}

	var cmd tea.Cmd
	switch m.screen {
	case screenTasks:
		switch {
		case key.Matches(msg, keys.Switch):
			m.screen = screenEvents
			return m, nil
		case key.Matches(msg, keys.Filter):
			m.filter = (m.filter + 1) % len(statusFilters)
			m.table.SetCursor(0)
			if f := statusFilters[m.filter]; f != "" {
				m.setStatus("Showing " + string(f) + " tasks")
			} else {
				m.setStatus("Showing all tasks")
			}
			return m, m.load()
		case key.Matches(msg, keys.Open):
			if i := m.table.Cursor(); i >= 0 && i < len(m.tasks) {
				return m, m.loadResults(m.tasks[i])
			}
			return m, nil
		}
		m.table, cmd = m.table.Update(msg)

	case screenEvents:
		if key.Matches(msg, keys.Switch) {
			m.screen = screenTasks
			return m, nil
		}
		m.feed, cmd = m.feed.Update(msg)

	case screenDetail:
		m.detail, cmd = m.detail.Update(msg)
	}
	return m, cmd
}

// resize fits the table and viewports under the header and above the footer.
func (m *Model) resize() {
	w := m.width - 2
	if w < 40 {
		w = 40
	}
	h := m.height - headerLines - footerLines
	if h < 5 {
		h = 5
	}
	m.table.SetColumns(taskColumns(w))
	m.table.SetWidth(w)
	m.table.SetHeight(h)
	m.detail.Width, m.detail.Height = w, h
	m.feed.Width, m.feed.Height = w, h
}
