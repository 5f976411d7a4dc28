package module

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/eachlabs/modflow/internal/transcript"
)

// Format is a definition file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported module file %s (want .toml, .yaml or .yml)", path)
	}
}

// MessageDef is a seed message as written in a definition file.
type MessageDef struct {
	Role    string `toml:"role" yaml:"role"`
	Content string `toml:"content" yaml:"content"`
}

// Definition is a module as written in a definition file.
type Definition struct {
	ID          string       `toml:"id" yaml:"id"`
	Title       string       `toml:"title" yaml:"title"`
	Description string       `toml:"description" yaml:"description,omitempty"`
	Command     string       `toml:"command" yaml:"command,omitempty"`
	Icon        string       `toml:"icon" yaml:"icon,omitempty"`
	Categories  []string     `toml:"categories" yaml:"categories,omitempty"`
	Inputs      []Input      `toml:"inputs" yaml:"inputs,omitempty"`
	Messages    []MessageDef `toml:"messages" yaml:"messages"`
	Stream      bool         `toml:"stream" yaml:"stream,omitempty"`
}

// File is the top level of a definition file.
type File struct {
	Modules []Definition `toml:"module" yaml:"modules"`
}

// Build turns a definition into a module. Seed messages get fresh ids and
// default to the user role.
func (d Definition) Build() (Module, error) {
	seed := make([]transcript.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		role := transcript.Role(strings.ToLower(strings.TrimSpace(m.Role)))
		if role == "" {
			role = transcript.RoleUser
		}
		seed = append(seed, transcript.NewMessage(role, m.Content))
	}

	msgs, err := transcript.New(seed...)
	if err != nil {
		return Module{}, fmt.Errorf("module %s: %w", d.ID, err)
	}

	mod := Module{
		ID:          d.ID,
		Title:       d.Title,
		Description: d.Description,
		Command:     d.Command,
		Icon:        d.Icon,
		Categories:  dedupe(d.Categories),
		Inputs:      append([]Input(nil), d.Inputs...),
		Messages:    msgs,
		Streaming:   d.Stream,
	}
	if err := mod.Validate(); err != nil {
		return Module{}, err
	}
	return mod, nil
}

// DefinitionOf is the inverse of Build; message ids are dropped.
func DefinitionOf(m Module) Definition {
	d := Definition{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Command:     m.Command,
		Icon:        m.Icon,
		Categories:  append([]string(nil), m.Categories...),
		Inputs:      append([]Input(nil), m.Inputs...),
		Stream:      m.Streaming,
	}
	for _, msg := range m.Messages.Messages() {
		d.Messages = append(d.Messages, MessageDef{Role: string(msg.Role), Content: msg.Content})
	}
	return d
}

// Parse decodes a definition file and builds its modules.
func Parse(data []byte, format Format) ([]Module, error) {
	var f File
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("failed to parse modules: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse modules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown module format %q", format)
	}

	mods := make([]Module, 0, len(f.Modules))
	for _, d := range f.Modules {
		m, err := d.Build()
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	if err := ValidateAll(mods); err != nil {
		return nil, err
	}
	return mods, nil
}

// Encode writes modules as a definition file.
func Encode(mods []Module, format Format) ([]byte, error) {
	f := File{Modules: make([]Definition, 0, len(mods))}
	for _, m := range mods {
		f.Modules = append(f.Modules, DefinitionOf(m))
	}

	var buf bytes.Buffer
	switch format {
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return nil, err
		}
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown module format %q", format)
	}
	return buf.Bytes(), nil
}

// Load reads modules from a file, or from every definition file in a
// directory in name order.
func Load(path string) ([]Module, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("modules not found: %s", path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatFor(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var mods []Module
	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		mods = append(mods, loaded...)
	}
	if err := ValidateAll(mods); err != nil {
		return nil, err
	}
	return mods, nil
}

// LoadFile reads modules from one definition file.
func LoadFile(path string) ([]Module, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modules: %w", err)
	}
	mods, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mods, nil
}

// Save writes modules to path, choosing the format from its extension.
func Save(path string, mods []Module) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := Encode(mods, format)
	if err != nil {
		return fmt.Errorf("failed to encode modules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create modules dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
