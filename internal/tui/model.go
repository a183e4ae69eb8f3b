// Package tui is a read-only dashboard over the autofix store: health,
// the task ledger, recent events and per-task result history.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/imkarma/autofix/internal/health"
	"github.com/imkarma/autofix/internal/store"
)

// screen represents which view the TUI is showing.
type screen int

const (
	screenTasks  screen = iota // Task table (main)
	screenEvents               // Bus history
	screenDetail               // One task and its results
)

const refreshInterval = 2 * time.Second

// statusFilters cycles with the filter key; "" shows every task.
var statusFilters = []store.TaskStatus{
	"",
	store.StatusPending,
	store.StatusDispatched,
	store.StatusInProgress,
	store.StatusCompleted,
	store.StatusFailed,
}

// Ledger is what the dashboard reads.
type Ledger interface {
	ListTasks(status store.TaskStatus) ([]store.TaskRequest, error)
	ListResults() ([]store.TaskResult, error)
	ResultsForTask(taskID string) ([]store.TaskResult, error)
	ListEvents(eventType string, limit int) ([]store.Event, error)
	ListCycles(limit int) ([]store.CycleRun, error)
}

type keyMap struct {
	Quit    key.Binding
	Back    key.Binding
	Open    key.Binding
	Switch  key.Binding
	Filter  key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Back:    key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
	Open:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "details")),
	Switch:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "tasks/events")),
	Filter:  key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "filter")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

// Model is the top-level bubbletea model.
type Model struct {
	ledger Ledger
	width  int
	height int

	screen screen
	filter int // index into statusFilters

	health store.SystemHealth
	tasks  []store.TaskRequest
	events []store.Event
	cycle  *store.CycleRun

	table  table.Model
	detail viewport.Model
	feed   viewport.Model

	selected   *store.TaskRequest
	statusMsg  string
	statusTime time.Time
	refreshing bool
	quitting   bool
}

// New creates a new TUI model.
func New(ledger Ledger) Model {
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())

	return Model{
		ledger: ledger,
		screen: screenTasks,
		table:  t,
		detail: viewport.New(80, 20),
		feed:   viewport.New(80, 20),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), tickCmd())
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type dataLoadedMsg struct {
	health store.SystemHealth
	tasks  []store.TaskRequest
	events []store.Event
	cycle  *store.CycleRun
	err    error
}

type resultsLoadedMsg struct {
	task    store.TaskRequest
	results []store.TaskResult
	err     error
}

// load reads everything the main screens show.
func (m Model) load() tea.Cmd {
	ledger := m.ledger
	status := statusFilters[m.filter]
	return func() tea.Msg {
		results, err := ledger.ListResults()
		if err != nil {
			return dataLoadedMsg{err: err}
		}
		tasks, err := ledger.ListTasks(status)
		if err != nil {
			return dataLoadedMsg{err: err}
		}
		events, err := ledger.ListEvents("", 200)
		if err != nil {
			return dataLoadedMsg{err: err}
		}
		cycles, err := ledger.ListCycles(1)
		if err != nil {
			return dataLoadedMsg{err: err}
		}
		msg := dataLoadedMsg{health: health.Compute(results), tasks: tasks, events: events}
		if len(cycles) > 0 {
			msg.cycle = &cycles[0]
		}
		return msg
	}
}

func (m Model) loadResults(task store.TaskRequest) tea.Cmd {
	ledger := m.ledger
	return func() tea.Msg {
		results, err := ledger.ResultsForTask(task.ID)
		return resultsLoadedMsg{task: task, results: results, err: err}
	}
}

func (m *Model) setStatus(msg string) {
	m.statusMsg = msg
	m.statusTime = time.Now()
}
