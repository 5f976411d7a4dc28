package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDuplicateID is returned when a message id already exists in a transcript.
var ErrDuplicateID = errors.New("duplicate message id")

// Transcript is an append-only ordered sequence of messages.
//
// A Transcript is a value: every mutating operation returns a new Transcript
// and leaves the receiver untouched, so a snapshot handed to a reader can
// never change underneath it. The zero value is an empty transcript.
type Transcript struct {
	msgs []Message
}

// New builds a transcript from seed messages. Messages without an id get one
// minted; a repeated id is rejected.
func New(seed ...Message) (Transcript, error) {
	var t Transcript
	for _, m := range seed {
		if m.ID == "" {
			m.ID = NewID()
		}
		next, err := t.Append(m)
		if err != nil {
			return Transcript{}, err
		}
		t = next
	}
	return t, nil
}

// Len returns the number of messages.
func (t Transcript) Len() int {
	return len(t.msgs)
}

// Messages returns a copy of the messages in order.
func (t Transcript) Messages() []Message {
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// At returns the message at index i.
func (t Transcript) At(i int) Message {
	return t.msgs[i]
}

// First returns the first message, if any.
func (t Transcript) First() (Message, bool) {
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[0], true
}

// Last returns the last message, if any.
func (t Transcript) Last() (Message, bool) {
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

// Contains reports whether a message with the given id is present.
func (t Transcript) Contains(id string) bool {
	for _, m := range t.msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Append returns a transcript with m added at the tail.
func (t Transcript) Append(m Message) (Transcript, error) {
	if m.ID == "" {
		return t, fmt.Errorf("append: message id is required")
	}
	if t.Contains(m.ID) {
		return t, fmt.Errorf("append %s: %w", m.ID, ErrDuplicateID)
	}
	return Transcript{msgs: t.with(len(t.msgs), m)}, nil
}

// SpliceTail returns a transcript with the last n messages removed and repl
// appended in their place. n larger than Len removes everything; repl may be
// empty. Ids in repl must not collide with the surviving messages or each other.
func (t Transcript) SpliceTail(n int, repl ...Message) (Transcript, error) {
	if n < 0 {
		return t, fmt.Errorf("splice: negative count %d", n)
	}
	keep := len(t.msgs) - n
	if keep < 0 {
		keep = 0
	}

	out := Transcript{msgs: t.with(keep)}
	for _, m := range repl {
		next, err := out.Append(m)
		if err != nil {
			return t, fmt.Errorf("splice: %w", err)
		}
		out = next
	}
	return out, nil
}

// Map returns a transcript whose message contents are rewritten by fn.
// Ids, roles and order are preserved.
func (t Transcript) Map(fn func(string) string) Transcript {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		m.Content = fn(m.Content)
		out[i] = m
	}
	return Transcript{msgs: out}
}

// with copies the first keep messages and appends extra. The result never
// shares a backing array with t.
func (t Transcript) with(keep int, extra ...Message) []Message {
	out := make([]Message, 0, keep+len(extra))
	out = append(out, t.msgs[:keep]...)
	return append(out, extra...)
}

// MarshalJSON encodes the transcript as a message array.
func (t Transcript) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Messages())
}
