package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/eachlabs/modflow/internal/pipeline"
)

// Messages
type updateMsg pipeline.Update
type runDoneMsg struct{}
type runErrMsg struct{ err error }

// RunModel is the bubbletea model for a live pipeline run.
type RunModel struct {
	viewport viewport.Model
	spinner  spinner.Model
	renderer *Renderer

	title  string
	states []pipeline.ModuleState
	done   bool
	err    error
	width  int
	height int
	ready  bool
}

// NewRunModel creates the live view model.
func NewRunModel(title string, r *Renderer) RunModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle.Foreground(purple)

	if r == nil {
		r = NewRenderer(false, 0)
	}
	return RunModel{
		viewport: viewport.New(80, 20),
		spinner:  sp,
		renderer: r,
		title:    title,
	}
}

func (m RunModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(m.width, m.height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = m.height - headerHeight - footerHeight
		}
		m.refresh()

	case updateMsg:
		m.apply(pipeline.Update(msg))
		m.refresh()

	case runDoneMsg:
		m.done = true

	case runErrMsg:
		m.err = msg.err
		m.done = true

	case spinner.TickMsg:
		if !m.done {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *RunModel) apply(u pipeline.Update) {
	for len(m.states) <= u.Index {
		m.states = append(m.states, pipeline.ModuleState{})
	}
	m.states[u.Index] = u.State
}

func (m *RunModel) refresh() {
	follow := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderer.Run(m.states))
	if follow {
		m.viewport.GotoBottom()
	}
}

// States returns the latest module states seen by the view.
func (m RunModel) States() []pipeline.ModuleState {
	return m.states
}

func (m RunModel) counts() (settled, failed, open int) {
	for _, st := range m.states {
		switch st.Status {
		case pipeline.StatusSettled:
			settled++
		case pipeline.StatusFailed:
			failed++
		default:
			open++
		}
	}
	return
}

func (m RunModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title) + "\n")
	b.WriteString(strings.Repeat("─", max(m.width, 1)) + "\n")
	b.WriteString(m.viewport.View() + "\n")

	settled, failed, open := m.counts()
	status := fmt.Sprintf("%d settled · %d failed · %d open", settled, failed, open)
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "  ")
	case !m.done:
		b.WriteString(m.spinner.View() + " ")
	}
	b.WriteString(statusStyle.Render(status) + "  " + helpStyle.Render("↑/↓ scroll • q to quit"))
	return b.String()
}

// Live drives a RunModel from pipeline updates.
type Live struct {
	program *tea.Program
}

// NewLive creates a live view. Run must be called for updates to be
// delivered.
func NewLive(title string, r *Renderer, opts ...tea.ProgramOption) *Live {
	return &Live{program: tea.NewProgram(NewRunModel(title, r), opts...)}
}

// Observe can be passed to pipeline.WithObserver. It blocks until the
// program is running and returns at once after it exits.
func (l *Live) Observe(u pipeline.Update) {
	l.program.Send(updateMsg(u))
}

// Done marks the run finished.
func (l *Live) Done() {
	l.program.Send(runDoneMsg{})
}

// Fail shows err and marks the run finished.
func (l *Live) Fail(err error) {
	l.program.Send(runErrMsg{err: err})
}

// Run shows the view until the user quits and returns the last states.
func (l *Live) Run() ([]pipeline.ModuleState, error) {
	final, err := l.program.Run()
	if err != nil {
		return nil, err
	}
	return final.(RunModel).States(), nil
}
