package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeDialer_DeliversProducedFrames(t *testing.T) {
	d := &BridgeDialer{Produce: func(ctx context.Context, prompt string, emit func([]byte) error) error {
		if err := emit(MessageFrame("echo: " + prompt)); err != nil {
			return err
		}
		return emit(FinalFrame("", "echo: "+prompt))
	}}

	rec := &recorder{}
	s, err := Open(context.Background(), d, "", "ping", rec.handler())
	require.NoError(t, err)

	events := rec.waitFor(t, 3)
	assert.Equal(t, []string{"append:echo: ping", "append:", "complete"}, events)

	// The producer finished after completion, so the session closes itself.
	<-s.Done()
	assert.Equal(t, StateClosed, s.State())
}

func TestBridgeDialer_ProducerError(t *testing.T) {
	d := &BridgeDialer{Produce: func(ctx context.Context, prompt string, emit func([]byte) error) error {
		return errors.New("upstream unavailable")
	}}

	rec := &recorder{}
	s, err := Open(context.Background(), d, "", "ping", rec.handler())
	require.NoError(t, err)
	<-s.Done()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	var perr *ProtocolError
	require.True(t, errors.As(rec.errs[0], &perr))
	assert.Contains(t, perr.Error(), "upstream unavailable")
}

func TestBridgeDialer_CloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})
	d := &BridgeDialer{Produce: func(ctx context.Context, prompt string, emit func([]byte) error) error {
		defer close(stopped)
		<-ctx.Done()
		return ctx.Err()
	}}

	s, err := Open(context.Background(), d, "", "ping", Handler{})
	require.NoError(t, err)

	conn, err := d.Dial(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	s.Close()
	<-s.Done()
	<-stopped
}

func TestBridgeDialer_RequiresProducer(t *testing.T) {
	_, err := (&BridgeDialer{}).Dial(context.Background(), "")
	assert.Error(t, err)
}
