package workflow

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjrosen/skillforge/internal/log"
)

// builtinTemplates embeds the templates bundled with the application.
//
//go:embed templates/*.md
var builtinTemplates embed.FS

// Registry holds the loaded workflow templates, keyed by ID. User
// templates with the same ID as a built-in override it.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry loads built-in templates from the embedded filesystem and
// user templates from userDir. A missing or unreadable user directory is
// not an error; individual malformed user templates are logged and
// skipped so one bad file never blocks startup.
func NewRegistry(userDir string) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template)}

	if err := r.loadBuiltin(); err != nil {
		return nil, err
	}
	r.loadUserDir(userDir)
	return r, nil
}

func (r *Registry) loadBuiltin() error {
	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := fs.ReadFile(builtinTemplates, "templates/"+entry.Name())
		if err != nil {
			return err
		}
		tmpl, err := Parse(templateID(entry.Name()), data, SourceBuiltIn, "")
		if err != nil {
			// Built-in templates ship with the binary; a parse
			// failure here is a packaging bug.
			return err
		}
		r.templates[tmpl.ID] = tmpl
	}
	return nil
}

func (r *Registry) loadUserDir(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatConfig, "reading user template dir", "dir", dir, "error", err.Error())
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatConfig, "reading user template", "path", path, "error", err.Error())
			continue
		}
		tmpl, err := Parse(templateID(entry.Name()), data, SourceUser, path)
		if err != nil {
			log.Warn(log.CatConfig, "skipping malformed user template", "path", path, "error", err.Error())
			continue
		}
		r.templates[tmpl.ID] = tmpl
	}
}

// Get returns the template with the given ID, or nil when unknown.
func (r *Registry) Get(id string) *Template {
	return r.templates[id]
}

// List returns all templates sorted by ID.
func (r *Registry) List() []*Template {
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func templateID(filename string) string {
	return strings.TrimSuffix(filename, ".md")
}
