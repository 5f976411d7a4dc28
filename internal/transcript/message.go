// Package transcript holds the ordered message history of a module.
package transcript

import (
	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBot
}

// Message is a single transcript entry. Messages are values; a store replaces
// them wholesale and never edits one in place.
type Message struct {
	ID      string `json:"id" toml:"id" yaml:"id"`
	Role    Role   `json:"role" toml:"role" yaml:"role"`
	Content string `json:"content" toml:"content" yaml:"content"`
}

// NewID mints a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// NewMessage creates a message with a freshly minted id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      NewID(),
		Role:    role,
		Content: content,
	}
}

// Bot is shorthand for NewMessage(RoleBot, content).
func Bot(content string) Message {
	return NewMessage(RoleBot, content)
}
