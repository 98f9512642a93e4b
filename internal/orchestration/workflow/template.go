// Package workflow provides workflow template management for skill builds.
// Templates are markdown files with YAML frontmatter declaring the ordered
// step list; the engine resolves a run's steps from its template.
package workflow

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Source indicates where a workflow template originated from.
type Source int

const (
	// SourceBuiltIn indicates a template bundled with the application.
	SourceBuiltIn Source = iota
	// SourceUser indicates a template from the user's configuration directory.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// StepDef declares one ordered step of a workflow template.
type StepDef struct {
	// Name is the machine identifier (e.g. "research", "generate").
	Name string `yaml:"name"`

	// Title is the human-readable display name shown at gates.
	Title string `yaml:"title"`

	// Gate marks a human-confirmation checkpoint after this step:
	// the engine will not advance past a gated step until the gate
	// is evaluated.
	Gate bool `yaml:"gate"`
}

// Template represents a workflow template a run can be created from.
type Template struct {
	// ID is derived from the filename (e.g. "skill-build" from "skill-build.md").
	ID string

	// Name is the human-readable display name from frontmatter.
	Name string

	// Description is a brief description from frontmatter.
	Description string

	// Steps is the ordered step list from frontmatter. Always non-empty
	// for a parsed template.
	Steps []StepDef

	// Content is the markdown body following the frontmatter.
	Content string

	// Source indicates whether this is a built-in or user-defined template.
	Source Source

	// FilePath is the absolute path for user templates (empty for built-in).
	FilePath string
}

// StepNames returns the ordered step names for run creation.
func (t *Template) StepNames() []string {
	names := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		names[i] = s.Name
	}
	return names
}

// Step returns the definition at index, or nil when out of range.
func (t *Template) Step(index int) *StepDef {
	if index < 0 || index >= len(t.Steps) {
		return nil
	}
	return &t.Steps[index]
}

var frontmatterDelim = []byte("---\n")

type frontmatter struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Steps       []StepDef `yaml:"steps"`
}

// Parse parses a template file. The file must start with a YAML
// frontmatter block delimited by "---" lines and declare at least one
// step.
func Parse(id string, data []byte, source Source, filePath string) (*Template, error) {
	if !bytes.HasPrefix(data, frontmatterDelim) {
		return nil, fmt.Errorf("template %q: missing frontmatter", id)
	}
	rest := data[len(frontmatterDelim):]
	end := bytes.Index(rest, frontmatterDelim)
	if end < 0 {
		return nil, fmt.Errorf("template %q: unterminated frontmatter", id)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, fmt.Errorf("template %q: parsing frontmatter: %w", id, err)
	}
	if len(fm.Steps) == 0 {
		return nil, fmt.Errorf("template %q: no steps declared", id)
	}
	seen := make(map[string]bool, len(fm.Steps))
	for i, s := range fm.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("template %q: step %d has no name", id, i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("template %q: duplicate step name %q", id, s.Name)
		}
		seen[s.Name] = true
	}

	name := fm.Name
	if name == "" {
		name = id
	}
	return &Template{
		ID:          id,
		Name:        name,
		Description: fm.Description,
		Steps:       fm.Steps,
		Content:     string(bytes.TrimLeft(rest[end+len(frontmatterDelim):], "\n")),
		Source:      source,
		FilePath:    filePath,
	}, nil
}
