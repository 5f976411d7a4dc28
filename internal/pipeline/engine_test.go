package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/scrape"
	"github.com/eachlabs/modflow/internal/stream"
	"github.com/eachlabs/modflow/internal/transcript"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newModule(t *testing.T, id string, streaming bool, contents ...string) module.Module {
	t.Helper()
	var seed []transcript.Message
	for i, c := range contents {
		role := transcript.RoleUser
		if i > 0 {
			role = transcript.RoleBot
		}
		seed = append(seed, transcript.NewMessage(role, c))
	}
	tr, err := transcript.New(seed...)
	require.NoError(t, err)
	return module.Module{ID: id, Title: strings.ToUpper(id), Messages: tr, Streaming: streaming}
}

func contents(m module.Module) []string {
	var out []string
	for _, msg := range m.Messages.Messages() {
		out = append(out, msg.Content)
	}
	return out
}

func completion(text string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"text":    "",
		"choices": []map[string]string{{"text": text}},
	})
	return data
}

type fakeSession struct {
	prompt string
	h      stream.Handler
	closes atomic.Int32
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeOpener struct {
	opened chan *fakeSession
	err    error
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{opened: make(chan *fakeSession, 16)}
}

func (f *fakeOpener) open(ctx context.Context, prompt string, h stream.Handler) (Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{prompt: prompt, h: h}
	f.opened <- s
	return s, nil
}

func (f *fakeOpener) next(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(time.Second):
		t.Fatal("no session opened")
		return nil
	}
}

// requireClosed waits for the session to be closed. The run may still be
// attaching it when the module settles.
func requireClosed(t *testing.T, s *fakeSession) {
	t.Helper()
	require.Eventually(t, func() bool { return s.closes.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func waitRun(t *testing.T, run *Run) []ModuleState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	states, err := run.Wait(ctx)
	require.NoError(t, err)
	return states
}

func TestRun_TailSplice(t *testing.T) {
	op := newFakeOpener()
	e := New(op.open)

	run, err := e.Start(context.Background(), []module.Module{newModule(t, "m", true, "prompt")}, "")
	require.NoError(t, err)
	defer run.Close()

	s := op.next(t)
	assert.Equal(t, "prompt", s.prompt)

	s.h.OnAppend(transcript.Bot("provisional"))
	snap := run.Snapshot()
	assert.Equal(t, []string{"prompt", "provisional"}, contents(snap[0].Module))
	assert.Equal(t, StatusStreaming, snap[0].Status)

	s.h.OnComplete(completion("a\nb\n\nc"))

	states := waitRun(t, run)
	require.Len(t, states, 1)
	assert.Equal(t, StatusSettled, states[0].Status)
	assert.NoError(t, states[0].Err)
	assert.Equal(t, []string{"prompt", "a", "b", "c"}, contents(states[0].Module))

	msgs := states[0].Module.Messages.Messages()
	for _, m := range msgs[1:] {
		assert.Equal(t, transcript.RoleBot, m.Role)
	}
	requireClosed(t, s)
}

func TestRun_TailSpliceKeepsEarlierPartials(t *testing.T) {
	op := newFakeOpener()
	run, err := New(op.open).Start(context.Background(), []module.Module{newModule(t, "m", true, "p")}, "")
	require.NoError(t, err)
	defer run.Close()

	s := op.next(t)
	s.h.OnAppend(transcript.Bot("one"))
	s.h.OnAppend(transcript.Bot("two"))
	s.h.OnComplete(completion("x\n   \ny\r\n"))

	states := waitRun(t, run)
	assert.Equal(t, []string{"p", "one", "x", "y"}, contents(states[0].Module))
}

func TestRun_LateEventsIgnored(t *testing.T) {
	op := newFakeOpener()
	run, err := New(op.open).Start(context.Background(), []module.Module{newModule(t, "m", true, "p")}, "")
	require.NoError(t, err)
	defer run.Close()

	s := op.next(t)
	s.h.OnAppend(transcript.Bot("last"))
	s.h.OnComplete(completion("done"))
	s.h.OnAppend(transcript.Bot("late"))
	s.h.OnError(&stream.UpstreamError{Message: "late error"})
	s.h.OnComplete(completion("again"))

	states := waitRun(t, run)
	assert.Equal(t, StatusSettled, states[0].Status)
	assert.NoError(t, states[0].Err)
	assert.Equal(t, []string{"p", "done"}, contents(states[0].Module))
}

func TestRun_FetchFailureAbortsEverything(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mods := []module.Module{
		newModule(t, "a", true, "Summarize {scrapedContent}"),
		newModule(t, "b", false, "Static {scrapedContent}"),
	}
	before := []module.Module{mods[0].Clone(), mods[1].Clone()}

	var observed atomic.Int32
	op := newFakeOpener()
	e := New(op.open, WithObserver(func(Update) { observed.Add(1) }))

	run, err := e.Start(context.Background(), mods, srv.URL)
	require.Error(t, err)
	assert.Nil(t, run)

	var setup *SetupError
	require.True(t, errors.As(err, &setup))
	var ferr *scrape.FetchError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusInternalServerError, ferr.Status)
	assert.Equal(t, "failed to fetch the URL: Internal Server Error", err.Error())

	assert.Equal(t, before, mods)
	assert.Zero(t, observed.Load())
	assert.Len(t, op.opened, 0)
}

func TestRun_ScrapedContentSubstitution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><header>Menu</header><h1>Go</h1><p>Is <a href="/">fun</a>.</p></body></html>`))
	}))
	defer srv.Close()

	mods := []module.Module{
		newModule(t, "a", true, "Summarize:\n{scrapedContent}"),
		newModule(t, "b", false, "Intro", "Source was {scrapedContent} ({other})"),
	}

	op := newFakeOpener()
	run, err := New(op.open).Start(context.Background(), mods, srv.URL)
	require.NoError(t, err)
	defer run.Close()

	s := op.next(t)
	assert.Equal(t, "Summarize:\nGo\nIs .", s.prompt)

	snap := run.Snapshot()
	assert.Equal(t, []string{"Intro", "Source was Go\nIs . ({other})"}, contents(snap[1].Module))
	assert.Equal(t, StatusSettled, snap[1].Status)

	// Inputs are untouched.
	assert.Equal(t, "Summarize:\n{scrapedContent}", mods[0].Messages.At(0).Content)
}

func TestRun_LogsUnresolvedTokens(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	mods := []module.Module{
		newModule(t, "a", false, "plain"),
		newModule(t, "b", false, "Source was {scrapedContent} ({other})"),
	}

	run, err := New(newFakeOpener().open, WithLogger(zap.New(core))).Start(context.Background(), mods, "")
	require.NoError(t, err)
	defer run.Close()
	waitRun(t, run)

	entries := logs.FilterMessage("unresolved prompt tokens").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "b", fields["module"])
	assert.Equal(t, []interface{}{"scrapedContent", "other"}, fields["tokens"])
}

func TestRun_MissingSource(t *testing.T) {
	op := newFakeOpener()
	_, err := New(op.open, RequireSource(true)).Start(context.Background(), []module.Module{newModule(t, "a", true, "p")}, "")
	require.ErrorIs(t, err, ErrMissingSource)
	assert.Equal(t, "missing required parameters", err.Error())
}

func TestRun_SetupValidation(t *testing.T) {
	_, err := New(nil).Start(context.Background(), []module.Module{newModule(t, "a", true, "p")}, "")
	require.ErrorIs(t, err, ErrNoOpener)

	_, err = New(nil).Start(context.Background(), []module.Module{newModule(t, "a", false, "p"), newModule(t, "a", false, "q")}, "")
	require.Error(t, err)

	states, err := New(nil).Execute(context.Background(), []module.Module{newModule(t, "a", false, "p")}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, states[0].Status)
}

func TestRun_ErrorIsolation(t *testing.T) {
	op := newFakeOpener()
	mods := []module.Module{
		newModule(t, "a", true, "prompt-a"),
		newModule(t, "b", true, "prompt-b"),
		newModule(t, "c", false, "static"),
	}
	run, err := New(op.open).Start(context.Background(), mods, "")
	require.NoError(t, err)
	defer run.Close()

	sessions := map[string]*fakeSession{}
	for i := 0; i < 2; i++ {
		s := op.next(t)
		sessions[s.prompt] = s
	}

	sa, sb := sessions["prompt-a"], sessions["prompt-b"]
	sa.h.OnAppend(transcript.Bot("partial-a"))
	sb.h.OnAppend(transcript.Bot("partial-b"))
	sa.h.OnError(&stream.UpstreamError{Message: "model overloaded"})
	sb.h.OnAppend(transcript.Bot("final-b"))
	sb.h.OnComplete(completion("b1\nb2"))

	states := waitRun(t, run)

	assert.Equal(t, StatusFailed, states[0].Status)
	require.Error(t, states[0].Err)
	assert.Equal(t, "model overloaded", states[0].Err.Error())
	assert.True(t, stream.IsUpstream(states[0].Err))
	assert.Equal(t, []string{"prompt-a", "partial-a"}, contents(states[0].Module))

	assert.Equal(t, StatusSettled, states[1].Status)
	assert.Equal(t, []string{"prompt-b", "partial-b", "b1", "b2"}, contents(states[1].Module))

	assert.Equal(t, StatusSettled, states[2].Status)
	assert.Equal(t, []string{"static"}, contents(states[2].Module))

	requireClosed(t, sa)
}

func TestRun_OpenerErrorIsModuleScoped(t *testing.T) {
	op := newFakeOpener()
	op.err = errors.New("dial refused")

	states, err := New(op.open).Execute(context.Background(), []module.Module{
		newModule(t, "a", true, "p"),
		newModule(t, "b", false, "q"),
	}, "")
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, states[0].Status)
	assert.EqualError(t, states[0].Err, "dial refused")
	assert.Equal(t, StatusSettled, states[1].Status)
}

func TestRun_CloseSettlesOpenModules(t *testing.T) {
	op := newFakeOpener()
	var mu sync.Mutex
	var kinds []UpdateKind
	e := New(op.open, WithObserver(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, u.Kind)
	}))

	run, err := e.Start(context.Background(), []module.Module{newModule(t, "a", true, "p")}, "")
	require.NoError(t, err)

	s := op.next(t)
	s.h.OnAppend(transcript.Bot("partial"))

	require.NoError(t, run.Close())
	require.NoError(t, run.Close())

	states := waitRun(t, run)
	assert.Equal(t, StatusFailed, states[0].Status)
	assert.ErrorIs(t, states[0].Err, ErrClosed)
	assert.Equal(t, []string{"p", "partial"}, contents(states[0].Module))
	requireClosed(t, s)
	assert.Equal(t, int32(1), s.closes.Load())

	// Events after close are dropped.
	s.h.OnAppend(transcript.Bot("late"))
	assert.Equal(t, []string{"p", "partial"}, contents(run.Snapshot()[0].Module))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []UpdateKind{UpdateSeeded, UpdateStreaming, UpdateAppended, UpdateFailed}, kinds)
}

func TestRun_ContextCancelClosesRun(t *testing.T) {
	op := newFakeOpener()
	ctx, cancel := context.WithCancel(context.Background())

	run, err := New(op.open).Start(ctx, []module.Module{newModule(t, "a", true, "p")}, "")
	require.NoError(t, err)
	s := op.next(t)

	cancel()
	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
	requireClosed(t, s)
	assert.ErrorIs(t, run.Snapshot()[0].Err, ErrClosed)
}

func TestRun_WaitHonorsContext(t *testing.T) {
	op := newFakeOpener()
	run, err := New(op.open).Start(context.Background(), []module.Module{newModule(t, "a", true, "p")}, "")
	require.NoError(t, err)
	defer run.Close()
	op.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	states, err := run.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusStreaming, states[0].Status)
}

func TestRun_MaxSessions(t *testing.T) {
	op := newFakeOpener()
	run, err := New(op.open, WithMaxSessions(1)).Start(context.Background(), []module.Module{
		newModule(t, "a", true, "p"),
		newModule(t, "b", true, "p"),
	}, "")
	require.NoError(t, err)
	defer run.Close()

	first := op.next(t)
	select {
	case <-op.opened:
		t.Fatal("second session opened while the first was live")
	case <-time.After(30 * time.Millisecond):
	}

	first.h.OnAppend(transcript.Bot("x"))
	first.h.OnComplete(completion("x"))

	second := op.next(t)
	second.h.OnAppend(transcript.Bot("y"))
	second.h.OnComplete(completion("y"))

	states := waitRun(t, run)
	for _, st := range states {
		assert.Equal(t, StatusSettled, st.Status)
	}
}

func TestRun_BridgeEndToEnd(t *testing.T) {
	answers := map[string][][]byte{
		"write a haiku": {
			stream.MessageFrame("old pond"),
			stream.FinalFrame("frog", "old pond\nfrog jumps in\nsound of water"),
		},
		"fail please": {
			stream.MessageFrame("hmm"),
			stream.ErrorFrame("content policy"),
		},
	}
	d := &stream.BridgeDialer{Produce: func(ctx context.Context, prompt string, emit func([]byte) error) error {
		for _, f := range answers[prompt] {
			if err := emit(f); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return nil
	}}

	mods := []module.Module{
		newModule(t, "haiku", true, "write a haiku"),
		newModule(t, "bad", true, "fail please"),
		newModule(t, "note", false, "just text"),
	}

	var mu sync.Mutex
	ids := map[string]int{}
	e := New(DialOpener(d, ""), WithObserver(func(u Update) {
		if u.Kind != UpdateAppended && u.Kind != UpdateCompleted {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		last, _ := u.State.Module.Messages.Last()
		ids[last.ID]++
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	states, err := e.Execute(ctx, mods, "")
	require.NoError(t, err)

	assert.Equal(t, StatusSettled, states[0].Status)
	assert.Equal(t, []string{"write a haiku", "old pond", "old pond", "frog jumps in", "sound of water"}, contents(states[0].Module))

	assert.Equal(t, StatusFailed, states[1].Status)
	assert.EqualError(t, states[1].Err, "content policy")
	assert.Equal(t, []string{"fail please", "hmm"}, contents(states[1].Module))

	assert.Equal(t, StatusSettled, states[2].Status)

	all := map[string]bool{}
	for _, st := range states {
		for _, m := range st.Module.Messages.Messages() {
			require.False(t, all[m.ID], "duplicate id %s", m.ID)
			all[m.ID] = true
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for id, n := range ids {
		assert.Equal(t, 1, n, "id %s observed as new more than once", id)
	}
}

func TestCompletionMessages(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a\nb\n\nc", []string{"a", "b", "c"}},
		{"", nil},
		{"\n\n", nil},
		{"  \n x \r\n", []string{" x "}},
		{"single", []string{"single"}},
	}
	for _, tt := range tests {
		var got []string
		for _, m := range completionMessages(tt.in) {
			assert.Equal(t, transcript.RoleBot, m.Role)
			got = append(got, m.Content)
		}
		assert.Equal(t, tt.want, got, "completionMessages(%q)", tt.in)
	}
}
