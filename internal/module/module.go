// Package module defines the steps of a prompt pipeline.
package module

import (
	"fmt"

	"github.com/eachlabs/modflow/internal/transcript"
)

// Input describes a value a module asks the user for.
type Input struct {
	ID          string `json:"id" toml:"id" yaml:"id"`
	Type        string `json:"type" toml:"type" yaml:"type"`
	Label       string `json:"label" toml:"label" yaml:"label"`
	Placeholder string `json:"placeholder,omitempty" toml:"placeholder" yaml:"placeholder,omitempty"`
}

// Module is one named step of a pipeline. Messages starts as the seed
// transcript; for a streaming module the pipeline grows it with the answer.
type Module struct {
	ID          string                `json:"id"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Command     string                `json:"command,omitempty"`
	Icon        string                `json:"icon,omitempty"`
	Categories  []string              `json:"categories,omitempty"`
	Inputs      []Input               `json:"inputs,omitempty"`
	Messages    transcript.Transcript `json:"messages"`
	Streaming   bool                  `json:"stream"`
}

// Validate checks the module is runnable.
func (m Module) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("module: id is required")
	}
	if m.Title == "" {
		return fmt.Errorf("module: title is required for %s", m.ID)
	}
	if m.Streaming && m.Messages.Len() == 0 {
		return fmt.Errorf("module: %s streams but has no prompt message", m.ID)
	}
	seen := make(map[string]bool, len(m.Inputs))
	for _, in := range m.Inputs {
		if in.ID == "" {
			return fmt.Errorf("module: %s has an input without id", m.ID)
		}
		if seen[in.ID] {
			return fmt.Errorf("module: %s has duplicate input %s", m.ID, in.ID)
		}
		seen[in.ID] = true
	}
	for _, msg := range m.Messages.Messages() {
		if !msg.Role.Valid() {
			return fmt.Errorf("module: %s message %s has unknown role %q", m.ID, msg.ID, msg.Role)
		}
	}
	return nil
}

// Prompt returns the content of the first message, which seeds a stream.
func (m Module) Prompt() (string, bool) {
	first, ok := m.Messages.First()
	if !ok {
		return "", false
	}
	return first.Content, true
}

// HasCategory reports whether the module is tagged with category.
func (m Module) HasCategory(category string) bool {
	for _, c := range m.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with m.
func (m Module) Clone() Module {
	out := m
	out.Categories = append([]string(nil), m.Categories...)
	out.Inputs = append([]Input(nil), m.Inputs...)
	return out
}

// ValidateAll validates every module and checks ids are unique.
func ValidateAll(mods []Module) error {
	seen := make(map[string]bool, len(mods))
	for _, m := range mods {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("module: duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// dedupe keeps the first occurrence of each category.
func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
