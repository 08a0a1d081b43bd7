// Package view renders the server-side HTML pages.
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFiles embed.FS

const layoutFile = "templates/layout.html"

// Page is the data every template receives.
type Page struct {
	Title            string
	Login            bool
	Email            string
	IsEmailConfirmed bool
	Info             []string
	Errors           []string
	Form             map[string]string
	Token            string
	Profile          *Profile
	// Message replaces the generic text of the error page.
	Message          string
}

type Profile struct {
	Username         string
	Email            string
	IsEmailConfirmed bool
	CreatedAt        time.Time
}

type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	entries, err := fs.ReadDir(templateFiles, "templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	funcs := template.FuncMap{
		"date": func(t time.Time) string { return t.UTC().Format("2 January 2006") },
	}

	pages := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "layout.html" || !strings.HasSuffix(name, ".html") {
			continue
		}

		tmpl, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFiles, layoutFile, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		pages[strings.TrimSuffix(name, ".html")] = tmpl
	}

	return &Renderer{pages: pages}, nil
}

// Render executes the named page into a buffer before writing anything.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) error {
	tmpl, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, page); err != nil {
		return fmt.Errorf("execute template %s: %w", name, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
