// Package manifest loads static CUE manifests and resolves them into the
// ordered resource list the convergence engine applies. Manifests are the
// data-only alternative to Starlark recipes.
package manifest

import (
	"fmt"
	"os"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/recipe"
	"github.com/mariner-sh/mariner/pkg/resources"
	"github.com/mariner-sh/mariner/pkg/telemetry"
)

// resourceSpec mirrors #Resource in the CUE schema. The validate tags
// enforce the per-kind required fields the closed CUE struct cannot
// express (a link needs a target, an execute needs a command).
type resourceSpec struct {
	Kind      string            `json:"kind" validate:"required"`
	Name      string            `json:"name" validate:"required"`
	Action    string            `json:"action,omitempty"`
	Content   string            `json:"content,omitempty"`
	Source    string            `json:"source,omitempty" validate:"required_if=Kind remote_file"`
	To        string            `json:"to,omitempty" validate:"required_if=Kind link"`
	Force     bool              `json:"force,omitempty"`
	Mode      string            `json:"mode,omitempty"`
	Owner     string            `json:"owner,omitempty"`
	Group     string            `json:"group,omitempty"`
	Version   string            `json:"version,omitempty"`
	Checksum  string            `json:"checksum,omitempty"`
	Command   string            `json:"command,omitempty" validate:"required_if=Kind execute"`
	Body      string            `json:"body,omitempty" validate:"required_if=Kind script"`
	Creates   string            `json:"creates,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Inline    string            `json:"inline,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
	Gateway   string            `json:"gateway,omitempty"`
	Device    string            `json:"device,omitempty"`
	Value     string            `json:"value,omitempty" validate:"required_if=Kind sysctl"`
	OnlyIf    string            `json:"only_if,omitempty"`
	NotIf     string            `json:"not_if,omitempty"`
	Notifies  []notificationSpec `json:"notifies,omitempty" validate:"dive"`
}

type notificationSpec struct {
	Action string `json:"action" validate:"required"`
	Target string `json:"target" validate:"required"`
	Timing string `json:"timing"`
}

type manifestSpec struct {
	Vars      map[string]any `json:"vars,omitempty"`
	Resources []resourceSpec `json:"resources" validate:"dive"`
}

// Loader parses CUE manifests.
type Loader struct {
	log      *telemetry.Logger
	ctx      *cue.Context
	schema   cue.Value
	node     map[string]any
	validate *validator.Validate
}

// NewLoader creates a manifest loader. Node facts are exposed to templates.
func NewLoader(log *telemetry.Logger, node map[string]any) (*Loader, error) {
	if log == nil {
		log = telemetry.NewTestLogger()
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(manifestSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return &Loader{
		log:      log.NewComponentLogger("manifest"),
		ctx:      ctx,
		schema:   schema,
		node:     node,
		validate: validator.New(),
	}, nil
}

// Load parses and validates the manifest file at path.
func (l *Loader) Load(path string) ([]engine.Resource, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return l.LoadSource(path, string(src))
}

// LoadSource parses manifest source held in memory.
func (l *Loader) LoadSource(filename, src string) ([]engine.Resource, error) {
	val := l.ctx.CompileString(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	// Unify with the schema so structural errors surface with CUE positions.
	unified := val.Unify(l.schema.LookupPath(cue.ParsePath("#Manifest")))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	var spec manifestSpec
	if err := unified.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := l.validate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	list := make([]engine.Resource, 0, len(spec.Resources))
	for i := range spec.Resources {
		res, err := l.buildResource(&spec.Resources[i])
		if err != nil {
			return nil, fmt.Errorf("resource %d (%s[%s]): %w", i, spec.Resources[i].Kind, spec.Resources[i].Name, err)
		}
		list = append(list, res)
	}

	l.log.WithField("manifest", filename).
		WithField("resources", len(list)).
		Debug("Manifest loaded")
	return list, nil
}

func (l *Loader) buildResource(spec *resourceSpec) (engine.Resource, error) {
	mode, err := parseMode(spec.Mode)
	if err != nil {
		return nil, err
	}

	var res engine.Resource
	switch spec.Kind {
	case resources.KindFile:
		f := resources.NewFile(spec.Name)
		f.Content = []byte(spec.Content)
		f.Mode = mode
		f.Owner = spec.Owner
		f.Group = spec.Group
		res = f
	case resources.KindDirectory:
		d := resources.NewDirectory(spec.Name)
		d.Mode = mode
		d.Owner = spec.Owner
		d.Group = spec.Group
		res = d
	case resources.KindLink:
		ln := resources.NewLink(spec.Name, spec.To)
		ln.Force = spec.Force
		res = ln
	case resources.KindExecute:
		e := resources.NewExecute(spec.Name, spec.Command)
		e.Cwd = spec.Cwd
		e.Env = spec.Env
		res = e
	case resources.KindScript:
		s := resources.NewScript(spec.Name, spec.Body)
		s.Creates = spec.Creates
		s.Cwd = spec.Cwd
		s.Env = spec.Env
		res = s
	case resources.KindPackage:
		p := resources.NewPackage(spec.Name)
		p.Version = spec.Version
		res = p
	case resources.KindService:
		res = resources.NewService(spec.Name)
	case resources.KindRemoteFile:
		r := resources.NewRemoteFile(spec.Name, spec.Source)
		r.Checksum = spec.Checksum
		r.Mode = mode
		r.Owner = spec.Owner
		r.Group = spec.Group
		res = r
	case resources.KindTemplate:
		t := resources.NewTemplate(spec.Name)
		t.Source = spec.Source
		t.Inline = spec.Inline
		t.Variables = spec.Variables
		t.Node = l.node
		t.Mode = mode
		t.Owner = spec.Owner
		t.Group = spec.Group
		res = t
	case resources.KindRoute:
		r := resources.NewRoute(spec.Name)
		r.Gateway = spec.Gateway
		r.Device = spec.Device
		res = r
	case resources.KindSysctl:
		s := resources.NewSysctl(spec.Name)
		s.Value = spec.Value
		res = s
	default:
		return nil, fmt.Errorf("unknown resource kind %q", spec.Kind)
	}

	props := res.Common()
	if spec.Action != "" {
		props.Action = spec.Action
	}
	if spec.OnlyIf != "" {
		props.Guards = append(props.Guards, engine.Guard{
			Kind:   engine.GuardOnlyIf,
			Check:  resources.ShellGuard(spec.OnlyIf),
			Source: spec.OnlyIf,
		})
	}
	if spec.NotIf != "" {
		props.Guards = append(props.Guards, engine.Guard{
			Kind:   engine.GuardNotIf,
			Check:  resources.ShellGuard(spec.NotIf),
			Source: spec.NotIf,
		})
	}
	for _, note := range spec.Notifies {
		target, err := recipe.ParseResourceID(note.Target)
		if err != nil {
			return nil, err
		}
		timing := engine.TimingDelayed
		if note.Timing == "immediately" {
			timing = engine.TimingImmediate
		}
		props.Notifies = append(props.Notifies, engine.Notification{
			Target: target,
			Action: note.Action,
			Timing: timing,
		})
	}
	return res, nil
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	i, err := strconv.ParseInt(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return os.FileMode(i), nil
}
