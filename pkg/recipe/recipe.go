// Package recipe loads Starlark recipes and resolves them into the ordered
// resource list the convergence engine applies.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/telemetry"
)

// Loader evaluates recipe files. Recipes run to completion during loading;
// evaluation produces the resource list, it performs no host mutations.
type Loader struct {
	log     *telemetry.Logger
	node    map[string]any
	vars    map[string]any
	timeout time.Duration
}

// Option configures a Loader.
type Option func(*Loader)

// WithNode exposes host facts to recipes as the `node` dict.
func WithNode(node map[string]any) Option {
	return func(l *Loader) { l.node = node }
}

// WithVars exposes caller-supplied variables to recipes as the `vars` dict.
func WithVars(vars map[string]any) Option {
	return func(l *Loader) { l.vars = vars }
}

// WithTimeout bounds recipe evaluation time.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d }
}

// NewLoader creates a recipe loader.
func NewLoader(log *telemetry.Logger, opts ...Option) *Loader {
	if log == nil {
		log = telemetry.NewTestLogger()
	}
	l := &Loader{
		log:     log.NewComponentLogger("recipe"),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load evaluates the recipe file at path.
func (l *Loader) Load(path string) ([]engine.Resource, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}
	return l.LoadSource(path, string(src))
}

// LoadSource evaluates recipe source held in memory. The filename is only
// used in error positions.
func (l *Loader) LoadSource(filename, src string) ([]engine.Resource, error) {
	builder := &builder{node: normalizeMap(l.node)}

	thread := &starlark.Thread{
		Name: "mariner",
		Print: func(_ *starlark.Thread, msg string) {
			l.log.WithField("recipe", filename).Info(msg)
		},
	}
	if l.timeout > 0 {
		timer := time.AfterFunc(l.timeout, func() {
			thread.Cancel("recipe evaluation timeout")
		})
		defer timer.Stop()
	}

	predeclared, err := l.predeclared(builder)
	if err != nil {
		return nil, err
	}

	// Recipes loop and reassign at the top level ("for pkg in [...]"), which
	// the default resolver forbids inside a module.
	opts := &syntax.FileOptions{
		TopLevelControl: true,
		GlobalReassign:  true,
	}
	if _, err := starlark.ExecFileOptions(opts, thread, filename, src, predeclared); err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, fmt.Errorf("recipe evaluation failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("recipe evaluation failed: %w", err)
	}

	l.log.WithField("recipe", filename).
		WithField("resources", len(builder.resources)).
		Debug("Recipe evaluated")
	return builder.resources, nil
}

func (l *Loader) predeclared(b *builder) (starlark.StringDict, error) {
	node, err := toStarlarkValue(normalizeMap(l.node))
	if err != nil {
		return nil, fmt.Errorf("failed to convert node facts: %w", err)
	}
	vars, err := toStarlarkValue(normalizeMap(l.vars))
	if err != nil {
		return nil, fmt.Errorf("failed to convert vars: %w", err)
	}

	dict := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"node":   node,
		"vars":   vars,
	}
	for name, fn := range b.builtins() {
		dict[name] = starlark.NewBuiltin(name, fn)
	}
	return dict, nil
}

// normalizeMap never hands starlark a nil map.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ParseResourceID parses the "kind[name]" notation notification targets use.
func ParseResourceID(s string) (engine.ResourceID, error) {
	open := strings.IndexByte(s, '[')
	if open <= 0 || !strings.HasSuffix(s, "]") {
		return engine.ResourceID{}, fmt.Errorf("invalid resource reference %q, want kind[name]", s)
	}
	kind := s[:open]
	name := s[open+1 : len(s)-1]
	if name == "" {
		return engine.ResourceID{}, fmt.Errorf("invalid resource reference %q, empty name", s)
	}
	return engine.ID(kind, name), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			conv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			conv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
