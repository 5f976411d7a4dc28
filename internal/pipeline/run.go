package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/stream"
	"github.com/eachlabs/modflow/internal/transcript"
)

// Status is a module's progress within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

// Done reports whether the module will not change any more.
func (s Status) Done() bool {
	return s == StatusSettled || s == StatusFailed
}

// UpdateKind names what changed in an Update.
type UpdateKind string

const (
	UpdateSeeded    UpdateKind = "seeded"
	UpdateStreaming UpdateKind = "streaming"
	UpdateAppended  UpdateKind = "appended"
	UpdateCompleted UpdateKind = "completed"
	UpdateFailed    UpdateKind = "failed"
)

// ModuleState is a read-only view of one module in a run.
type ModuleState struct {
	Module module.Module
	Status Status
	Err    error
}

// Update reports a change to the module at Index.
type Update struct {
	Index int
	Kind  UpdateKind
	State ModuleState
}

// Modules extracts the modules from states, in order.
func Modules(states []ModuleState) []module.Module {
	out := make([]module.Module, len(states))
	for i, s := range states {
		out[i] = s.Module
	}
	return out
}

// Run is one execution of a pipeline. It owns every session it opens.
type Run struct {
	engine    *Engine
	ctx       context.Context
	cancel    context.CancelFunc
	slots     []*slot
	sem       *semaphore.Weighted
	streaming int

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	stopOwner func() bool
}

// slot holds one module. mu serializes every change to it, so an append can
// never race the tail-splice of a completion.
type slot struct {
	run   *Run
	index int

	mu        sync.Mutex
	mod       module.Module
	status    Status
	err       error
	session   Session
	settled   bool
	acquired  bool
	finishing sync.Once
}

func newRun(ctx context.Context, e *Engine, mods []module.Module) *Run {
	r := &Run{
		engine: e,
		slots:  make([]*slot, len(mods)),
		done:   make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	if e.maxSessions > 0 {
		r.sem = semaphore.NewWeighted(int64(e.maxSessions))
	}

	for i, m := range mods {
		s := &slot{run: r, index: i, mod: m, status: StatusSettled, settled: true}
		if m.Streaming {
			s.status = StatusPending
			s.settled = false
			r.streaming++
			r.wg.Add(1)
		}
		r.slots[i] = s
	}

	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	stop := context.AfterFunc(ctx, func() { r.Close() })
	r.mu.Lock()
	r.stopOwner = stop
	r.mu.Unlock()
	return r
}

// Snapshot returns the current state of every module, in order.
func (r *Run) Snapshot() []ModuleState {
	out := make([]ModuleState, len(r.slots))
	for i, s := range r.slots {
		s.mu.Lock()
		out[i] = s.stateLocked()
		s.mu.Unlock()
	}
	return out
}

// Done is closed once every module has settled or failed.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until every module is done or ctx ends, then returns a
// snapshot.
func (r *Run) Wait(ctx context.Context) ([]ModuleState, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Close closes every open session. Modules still streaming are marked failed
// with ErrClosed and keep their last transcript. Close is idempotent.
func (r *Run) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		stop := r.stopOwner
		r.mu.Unlock()
		if stop != nil {
			stop()
		}
		for _, s := range r.slots {
			s.mu.Lock()
			if s.settled {
				s.mu.Unlock()
				continue
			}
			s.failLocked(ErrClosed)
			u := s.update(UpdateFailed)
			s.mu.Unlock()

			s.finish()
			r.engine.notify(u)
		}
	})
	return nil
}

func (r *Run) startModule(s *slot) {
	logger := r.engine.logger.With(zap.String("module", s.mod.ID))

	if r.sem != nil {
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			// Only a closed run cancels r.ctx, and Close settles the slot.
			return
		}
		s.mu.Lock()
		if s.settled {
			s.mu.Unlock()
			r.sem.Release(1)
			return
		}
		s.acquired = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	promptText, ok := s.mod.Prompt()
	if !ok {
		s.failLocked(ErrNoPrompt)
		u := s.update(UpdateFailed)
		s.mu.Unlock()
		s.finish()
		r.engine.notify(u)
		return
	}
	s.status = StatusStreaming
	u := s.update(UpdateStreaming)
	s.mu.Unlock()
	r.engine.notify(u)

	logger.Debug("opening stream session")
	sess, err := r.engine.opener(r.ctx, promptText, s.handler())
	if err != nil {
		logger.Warn("stream session failed to open", zap.Error(err))
		s.fail(err)
		return
	}
	s.attach(sess)
}

func (s *slot) handler() stream.Handler {
	return stream.Handler{
		OnAppend:   s.onAppend,
		OnError:    s.fail,
		OnComplete: s.onComplete,
	}
}

func (s *slot) onAppend(msg transcript.Message) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	next, err := s.mod.Messages.Append(msg)
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	s.mod.Messages = next
	u := s.update(UpdateAppended)
	s.mu.Unlock()

	s.run.engine.notify(u)
}

func (s *slot) onComplete(payload json.RawMessage) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	text, err := stream.CompletionText(payload)
	if err != nil {
		s.mu.Unlock()
		s.fail(&stream.ProtocolError{Op: "complete", Err: err})
		return
	}
	next, err := s.mod.Messages.SpliceTail(1, completionMessages(text)...)
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return
	}
	s.mod.Messages = next
	s.status = StatusSettled
	s.settled = true
	u := s.update(UpdateCompleted)
	s.mu.Unlock()

	s.run.engine.logger.Debug("module completed",
		zap.String("module", u.State.Module.ID),
		zap.Int("messages", next.Len()))
	s.finish()
	s.run.engine.notify(u)
}

// fail settles the module with err attached. Later events are ignored.
func (s *slot) fail(err error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.failLocked(err)
	u := s.update(UpdateFailed)
	s.mu.Unlock()

	s.run.engine.logger.Warn("module failed",
		zap.String("module", u.State.Module.ID),
		zap.Error(err))
	s.finish()
	s.run.engine.notify(u)
}

func (s *slot) failLocked(err error) {
	s.status = StatusFailed
	s.err = err
	s.settled = true
}

// attach records the session, closing it at once if the module settled
// while the session was being opened.
func (s *slot) attach(sess Session) {
	s.mu.Lock()
	s.session = sess
	settled := s.settled
	s.mu.Unlock()
	if settled {
		_ = sess.Close()
	}
}

// finish closes the session, frees the concurrency slot and marks the
// module done for Wait. Only the first call has an effect.
func (s *slot) finish() {
	s.finishing.Do(func() {
		s.mu.Lock()
		sess := s.session
		acquired := s.acquired
		s.mu.Unlock()

		if sess != nil {
			_ = sess.Close()
		}
		if acquired {
			s.run.sem.Release(1)
		}
		s.run.wg.Done()
	})
}

func (s *slot) update(kind UpdateKind) Update {
	return Update{Index: s.index, Kind: kind, State: s.stateLocked()}
}

func (s *slot) stateLocked() ModuleState {
	return ModuleState{Module: s.mod.Clone(), Status: s.status, Err: s.err}
}

// String implements fmt.Stringer for log output.
func (m ModuleState) String() string {
	if m.Err != nil {
		return fmt.Sprintf("%s [%s: %v]", m.Module.ID, m.Status, m.Err)
	}
	return fmt.Sprintf("%s [%s]", m.Module.ID, m.Status)
}
