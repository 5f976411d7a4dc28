package tui

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/pipeline"
	"github.com/eachlabs/modflow/internal/transcript"
)

func state(t *testing.T, status pipeline.Status, err error, contents ...string) pipeline.ModuleState {
	t.Helper()
	var msgs []transcript.Message
	for i, c := range contents {
		role := transcript.RoleBot
		if i == 0 {
			role = transcript.RoleUser
		}
		msgs = append(msgs, transcript.NewMessage(role, c))
	}
	tr, err2 := transcript.New(msgs...)
	require.NoError(t, err2)
	return pipeline.ModuleState{
		Module: module.Module{ID: "summary", Title: "Summary", Description: "Short summary", Messages: tr, Streaming: true},
		Status: status,
		Err:    err,
	}
}

func TestRendererModule(t *testing.T) {
	out := NewRenderer(false, 0).Module(state(t, pipeline.StatusFailed, errors.New("model overloaded"), "Summarize it", "First line"))

	for _, want := range []string{"Summary", "Short summary", "failed", "Summarize it", "First line", "Error: model overloaded"} {
		assert.Contains(t, out, want)
	}
	assert.Less(t, strings.Index(out, "Summarize it"), strings.Index(out, "First line"))
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, nil)

	st := state(t, pipeline.StatusStreaming, nil, "p")
	p.Observe(pipeline.Update{Kind: pipeline.UpdateSeeded, State: st})
	p.Observe(pipeline.Update{Kind: pipeline.UpdateStreaming, State: st})
	p.Observe(pipeline.Update{Kind: pipeline.UpdateAppended, State: st})
	p.Observe(pipeline.Update{Kind: pipeline.UpdateCompleted, State: state(t, pipeline.StatusSettled, nil, "p", "a", "b")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "streaming summary")
	assert.Contains(t, lines[1], "summary (3 messages)")

	buf.Reset()
	p.Print([]pipeline.ModuleState{state(t, pipeline.StatusSettled, nil, "p", "answer")})
	assert.Contains(t, buf.String(), "answer")
}

func TestRunModel(t *testing.T) {
	m := NewRunModel("modflow", nil)
	assert.Equal(t, "Loading...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = next.(RunModel)

	next, _ = m.Update(updateMsg(pipeline.Update{Index: 1, Kind: pipeline.UpdateCompleted, State: state(t, pipeline.StatusSettled, nil, "p", "done line")}))
	m = next.(RunModel)
	next, _ = m.Update(updateMsg(pipeline.Update{Index: 0, Kind: pipeline.UpdateFailed, State: state(t, pipeline.StatusFailed, errors.New("boom"), "q")}))
	m = next.(RunModel)

	require.Len(t, m.States(), 2)
	view := m.View()
	assert.Contains(t, view, "modflow")
	assert.Contains(t, view, "1 settled · 1 failed · 0 open")

	next, _ = m.Update(runErrMsg{err: errors.New("source unreachable")})
	m = next.(RunModel)
	assert.Contains(t, m.View(), "Error: source unreachable")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestLive_FailKeepsViewUntilQuit(t *testing.T) {
	live := NewLive("modflow", NewRenderer(false, 0),
		tea.WithInput(nil), tea.WithOutput(io.Discard), tea.WithoutSignalHandler())

	done := make(chan tea.Model, 1)
	go func() {
		final, err := live.program.Run()
		assert.NoError(t, err)
		done <- final
	}()

	live.Fail(errors.New("missing required parameters"))
	live.program.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	final := (<-done).(RunModel)
	require.Error(t, final.err)
	assert.Equal(t, "missing required parameters", final.err.Error())
	assert.True(t, final.done)
}
