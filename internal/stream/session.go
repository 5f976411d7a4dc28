package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eachlabs/modflow/internal/transcript"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateOpen
	StateListening
	StateCompleted
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateListening:
		return "listening"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives a session's callbacks. Callbacks of one session never run
// concurrently with each other. Nil fields are skipped.
type Handler struct {
	OnAppend   func(transcript.Message)
	OnError    func(error)
	OnComplete func(payload json.RawMessage)
}

// Transition describes a state change, reported to the Observer.
type Transition struct {
	SessionID string
	From      State
	To        State
	Err       error
}

// Observer is notified of every state transition.
type Observer func(Transition)

type options struct {
	timeout  time.Duration
	observer Observer
}

// Option configures Open.
type Option func(*options)

// WithTimeout bounds the whole session. Zero, the default, means no deadline.
// When the deadline passes the session reports a ProtocolError and closes.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithObserver installs a transition observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// Session is one prompt/response exchange over an open channel.
type Session struct {
	id       string
	dialer   Dialer
	endpoint string
	prompt   string
	handler  Handler
	opts     options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closed    atomic.Bool
	completed atomic.Bool
	closeOnce sync.Once

	// cbMu serializes callback delivery.
	cbMu sync.Mutex

	mu        sync.Mutex
	state     State
	conn      Conn
	stopOwner func() bool
	timer     *time.Timer
}

// Open starts a session: it dials endpoint, sends prompt as the single
// outbound frame and then delivers inbound frames to h until the session is
// closed. Open does not block on the network; dial and send failures are
// reported through h.OnError.
//
// Cancelling ctx closes the session.
func Open(ctx context.Context, d Dialer, endpoint, prompt string, h Handler, opts ...Option) (*Session, error) {
	if d == nil {
		return nil, fmt.Errorf("stream: dialer is required")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:       transcript.NewID(),
		dialer:   d,
		endpoint: endpoint,
		prompt:   prompt,
		handler:  h,
		opts:     o,
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	// Either may fire before Open returns, so both are published under mu.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	var timer *time.Timer
	if o.timeout > 0 {
		timer = time.AfterFunc(o.timeout, s.expire)
	}
	s.mu.Lock()
	s.stopOwner, s.timer = stop, timer
	s.mu.Unlock()

	go s.run()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the receive loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close terminates the channel. It is safe to call more than once and from
// inside a callback. Events not yet dispatched when Close runs are dropped;
// a callback already being dispatched on another goroutine may still finish.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		stop, timer := s.stopOwner, s.timer
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		if timer != nil {
			timer.Stop()
		}

		s.transition(StateClosed, nil)

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (s *Session) run() {
	defer close(s.done)

	conn, err := s.dialer.Dial(s.ctx, s.endpoint)
	if err != nil {
		s.fail(&ProtocolError{Op: "dial", Err: err})
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	// Close may have run while dialing and found no conn to close.
	if s.closed.Load() {
		_ = conn.Close()
		return
	}
	s.transition(StateOpen, nil)

	frame, err := EncodePrompt(s.prompt)
	if err != nil {
		s.fail(&ProtocolError{Op: "encode", Err: err})
		return
	}
	if err := conn.Send(s.ctx, frame); err != nil {
		s.fail(&ProtocolError{Op: "send", Err: err})
		return
	}
	s.transition(StateListening, nil)

	for {
		data, err := conn.Receive(s.ctx)
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				if s.completed.Load() {
					s.Close()
					return
				}
				err = ErrStreamEnded
			}
			s.fail(&ProtocolError{Op: "receive", Err: err})
			return
		}
		if !s.handle(data) {
			return
		}
	}
}

// handle processes one frame and reports whether the loop should continue.
func (s *Session) handle(data []byte) bool {
	c, err := Classify(data)
	if err != nil {
		s.fail(&ProtocolError{Op: "decode", Err: err})
		return false
	}

	switch c.Kind {
	case KindError:
		uerr := &UpstreamError{Message: c.Message}
		s.transition(StateErrored, uerr)
		s.deliver(func() {
			if s.handler.OnError != nil {
				s.handler.OnError(uerr)
			}
		})

	case KindAppend:
		msg := transcript.Bot(c.Text)
		if c.Complete {
			s.completed.Store(true)
			s.transition(StateCompleted, nil)
		}
		s.deliver(func() {
			if s.handler.OnAppend != nil {
				s.handler.OnAppend(msg)
			}
			if c.Complete && s.handler.OnComplete != nil && !s.closed.Load() {
				s.handler.OnComplete(c.Payload)
			}
		})
	}
	return true
}

// fail reports an unrecoverable error and closes the session.
func (s *Session) fail(err error) {
	s.transition(StateErrored, err)
	s.deliver(func() {
		if s.handler.OnError != nil {
			s.handler.OnError(err)
		}
	})
	s.Close()
}

func (s *Session) expire() {
	if s.closed.Load() {
		return
	}
	s.fail(&ProtocolError{Op: "timeout", Err: context.DeadlineExceeded})
}

func (s *Session) deliver(fn func()) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if s.closed.Load() {
		return
	}
	fn()
}

func (s *Session) transition(to State, err error) {
	s.mu.Lock()
	from := s.state
	if from == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	if s.opts.observer != nil {
		s.opts.observer(Transition{SessionID: s.id, From: from, To: to, Err: err})
	}
}
