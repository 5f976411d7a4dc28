// Package stream consumes the chunked response feed of a generative text
// service and turns it into transcript appends, errors and a completion.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame types on the inbound channel.
const (
	FrameError   = "error"
	FrameMessage = "message"
)

// Kind is the outcome of classifying one inbound frame.
type Kind int

const (
	// KindIgnore marks frames with an unknown type. They are dropped silently.
	KindIgnore Kind = iota
	// KindAppend marks a message frame; Complete says whether it is terminal.
	KindAppend
	// KindError marks a structured upstream error.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindAppend:
		return "append"
	case KindError:
		return "error"
	default:
		return "ignore"
	}
}

// Classification is what a single inbound frame means to a session.
type Classification struct {
	Kind Kind
	// Text is the message text for KindAppend.
	Text string
	// Complete is set when the message payload carries the terminal choices
	// marker. Completion is layered on top of the append, never instead of it.
	Complete bool
	// Payload is the raw data object of a message frame, forwarded verbatim
	// on completion.
	Payload json.RawMessage
	// Message is the upstream error text for KindError.
	Message string
}

type inboundFrame struct {
	Type    json.RawMessage `json:"type"`
	Message json.RawMessage `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type messageData struct {
	Text    *string         `json:"text"`
	Choices json.RawMessage `json:"choices"`
}

// Classify parses one inbound frame. Every heuristic about the feed's shape,
// including completion by presence of "choices", lives here.
func Classify(frame []byte) (Classification, error) {
	if !json.Valid(frame) {
		return Classification{}, fmt.Errorf("invalid frame: %q", truncate(frame, 64))
	}
	// Valid JSON that is not an object carries no type.
	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return Classification{Kind: KindIgnore}, nil
	}

	var typ string
	if err := json.Unmarshal(in.Type, &typ); err != nil {
		return Classification{Kind: KindIgnore}, nil
	}

	switch typ {
	case FrameError:
		return Classification{Kind: KindError, Message: rawText(in.Message)}, nil

	case FrameMessage:
		if isNull(in.Data) {
			return Classification{}, fmt.Errorf("message frame without data")
		}
		var data messageData
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return Classification{}, fmt.Errorf("invalid message data: %w", err)
		}
		c := Classification{
			Kind:     KindAppend,
			Complete: truthy(data.Choices),
			Payload:  append(json.RawMessage(nil), in.Data...),
		}
		if data.Text != nil {
			c.Text = *data.Text
		}
		return c, nil

	default:
		return Classification{Kind: KindIgnore}, nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// rawText renders an error message field. Strings are unquoted; anything
// else is passed through as its JSON text so no detail is lost.
func rawText(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// truthy follows the feed's convention for the completion marker: absent,
// null, false, zero and the empty string do not complete a stream.
func truthy(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

type promptFrame struct {
	Prompt string `json:"prompt"`
}

// EncodePrompt builds the single outbound frame sent after connecting.
func EncodePrompt(prompt string) ([]byte, error) {
	return json.Marshal(promptFrame{Prompt: prompt})
}

// DecodePrompt is the inverse of EncodePrompt, used by in-process bridges.
func DecodePrompt(frame []byte) (string, error) {
	var p promptFrame
	if err := json.Unmarshal(frame, &p); err != nil {
		return "", fmt.Errorf("invalid prompt frame: %w", err)
	}
	return p.Prompt, nil
}

// Choice is one entry of a terminal payload's choices list.
type Choice struct {
	Text string `json:"text"`
}

type outboundData struct {
	Text    string   `json:"text"`
	Choices []Choice `json:"choices,omitempty"`
}

type outboundFrame struct {
	Type    string        `json:"type"`
	Message string        `json:"message,omitempty"`
	Data    *outboundData `json:"data,omitempty"`
}

// MessageFrame encodes a non-terminal message frame.
func MessageFrame(text string) []byte {
	data, _ := json.Marshal(outboundFrame{Type: FrameMessage, Data: &outboundData{Text: text}})
	return data
}

// FinalFrame encodes a terminal message frame whose choices carry full.
func FinalFrame(text, full string) []byte {
	data, _ := json.Marshal(outboundFrame{
		Type: FrameMessage,
		Data: &outboundData{Text: text, Choices: []Choice{{Text: full}}},
	})
	return data
}

// ErrorFrame encodes an upstream error frame.
func ErrorFrame(message string) []byte {
	data, _ := json.Marshal(outboundFrame{Type: FrameError, Message: message})
	return data
}

// CompletionText extracts choices[0].text from a terminal payload.
func CompletionText(payload json.RawMessage) (string, error) {
	var p struct {
		Choices []Choice `json:"choices"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("invalid completion payload: %w", err)
	}
	if len(p.Choices) == 0 {
		return "", fmt.Errorf("completion payload has no choices")
	}
	return p.Choices[0].Text, nil
}
