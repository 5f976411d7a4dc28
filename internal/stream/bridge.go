package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Producer generates inbound frames for a prompt by calling emit. Returning
// nil ends the stream cleanly; returning an error surfaces it as a transport
// failure.
type Producer func(ctx context.Context, prompt string, emit func(frame []byte) error) error

// BridgeDialer serves a Producer in-process behind the Conn interface, so
// SDK-backed streams speak the same frame protocol as a websocket feed.
type BridgeDialer struct {
	Produce Producer
	// Buffer is the number of frames queued ahead of the reader.
	Buffer int
}

// Dial implements Dialer. The endpoint is ignored.
func (d *BridgeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.Produce == nil {
		return nil, errors.New("bridge: producer is required")
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &bridgeConn{
		produce:  d.Produce,
		frames:   make(chan []byte, d.Buffer),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
		ctx:      cctx,
		cancel:   cancel,
	}, nil
}

type bridgeConn struct {
	produce  Producer
	frames   chan []byte
	closed   chan struct{}
	finished chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	sent     atomic.Bool

	mu  sync.Mutex
	err error
}

func (c *bridgeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if !c.sent.CompareAndSwap(false, true) {
		return errors.New("bridge: prompt already sent")
	}
	prompt, err := DecodePrompt(frame)
	if err != nil {
		return err
	}

	go func() {
		defer close(c.finished)
		err := c.produce(c.ctx, prompt, c.emit)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
	}()
	return nil
}

func (c *bridgeConn) emit(frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *bridgeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.finished:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *bridgeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
	})
	return nil
}
