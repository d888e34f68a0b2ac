package resources

import (
	"bytes"
	"context"
	"os"
	"text/template"

	"github.com/mariner-sh/mariner/pkg/engine"
)

// Template renders a Go text/template to a file. The rendered output is
// checksum-compared against the current file, so re-running a recipe with
// unchanged inputs converges to Unchanged.
type Template struct {
	base

	Path string

	// Source is the template file on disk; Inline is an inline template
	// body. Exactly one should be set, Inline wins when both are.
	Source string
	Inline string

	// Variables is the data passed to the template under .Vars; Node is
	// the host fact map exposed as .Node.
	Variables map[string]any
	Node      map[string]any

	Mode  os.FileMode
	Owner string
	Group string
}

// NewTemplate creates a template resource with the default create action.
func NewTemplate(path string) *Template {
	t := &Template{Path: path}
	t.props.Action = "create"
	return t
}

// Identity implements engine.Resource.
func (t *Template) Identity() engine.ResourceID {
	return engine.ID(KindTemplate, t.Path)
}

// Release drops the variable maps.
func (t *Template) Release() {
	t.Variables = nil
	t.Node = nil
}

// Apply implements engine.Resource.
func (t *Template) Apply(_ context.Context, action string) engine.ApplyResult {
	switch action {
	case "create", "apply":
		return t.create()
	case "delete":
		f := File{Path: t.Path}
		return f.delete()
	default:
		return engine.Failedf("template: unknown action %q", action)
	}
}

func (t *Template) create() engine.ApplyResult {
	rendered, err := t.render()
	if err != nil {
		return engine.Failed(err)
	}

	f := File{
		Path:    t.Path,
		Content: rendered,
		Mode:    t.Mode,
		Owner:   t.Owner,
		Group:   t.Group,
	}
	return f.create()
}

func (t *Template) render() ([]byte, error) {
	var tmpl *template.Template
	var err error
	if t.Inline != "" {
		tmpl, err = template.New(t.Path).Parse(t.Inline)
	} else {
		tmpl, err = template.ParseFiles(t.Source)
	}
	if err != nil {
		return nil, err
	}

	data := struct {
		Vars map[string]any
		Node map[string]any
	}{Vars: t.Variables, Node: t.Node}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
