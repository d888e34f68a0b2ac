package recipe

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.starlark.net/starlark"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/resources"
)

// builder accumulates resources in declaration order as recipe builtins run.
type builder struct {
	node      map[string]any
	resources []engine.Resource
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func (b *builder) builtins() map[string]builtinFunc {
	return map[string]builtinFunc{
		"file":        b.fileBuiltin,
		"directory":   b.directoryBuiltin,
		"link":        b.linkBuiltin,
		"execute":     b.executeBuiltin,
		"script":      b.scriptBuiltin,
		"package":     b.packageBuiltin,
		"service":     b.serviceBuiltin,
		"remote_file": b.remoteFileBuiltin,
		"template":    b.templateBuiltin,
		"route":       b.routeBuiltin,
		"sysctl":      b.sysctlBuiltin,
	}
}

// kwargs wraps the keyword arguments of a resource builtin call.
type kwargs struct {
	name   string
	values map[string]starlark.Value
}

func newKwargs(fn *starlark.Builtin, pairs []starlark.Tuple) (*kwargs, error) {
	kw := &kwargs{name: fn.Name(), values: make(map[string]starlark.Value, len(pairs))}
	for _, pair := range pairs {
		key, ok := pair[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("%s: keyword name must be a string", fn.Name())
		}
		kw.values[string(key)] = pair[1]
	}
	return kw, nil
}

func (kw *kwargs) str(key string) (string, error) {
	v, ok := kw.values[key]
	if !ok {
		return "", nil
	}
	delete(kw.values, key)
	s, ok := v.(starlark.String)
	if !ok {
		return "", fmt.Errorf("%s: %s must be a string, got %s", kw.name, key, v.Type())
	}
	return string(s), nil
}

func (kw *kwargs) boolean(key string) (bool, error) {
	v, ok := kw.values[key]
	if !ok {
		return false, nil
	}
	delete(kw.values, key)
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%s: %s must be a bool, got %s", kw.name, key, v.Type())
	}
	return bool(b), nil
}

// mode accepts an int (0o644) or an octal string ("644", "0644").
func (kw *kwargs) mode(key string) (os.FileMode, error) {
	v, ok := kw.values[key]
	if !ok {
		return 0, nil
	}
	delete(kw.values, key)
	switch val := v.(type) {
	case starlark.Int:
		i, ok := val.Int64()
		if !ok || i < 0 || i > 0o7777 {
			return 0, fmt.Errorf("%s: %s out of range", kw.name, key)
		}
		return os.FileMode(i), nil
	case starlark.String:
		i, err := strconv.ParseInt(string(val), 8, 32)
		if err != nil || i < 0 {
			return 0, fmt.Errorf("%s: %s must be octal, got %q", kw.name, key, string(val))
		}
		return os.FileMode(i), nil
	default:
		return 0, fmt.Errorf("%s: %s must be an int or octal string, got %s", kw.name, key, v.Type())
	}
}

func (kw *kwargs) dict(key string) (map[string]any, error) {
	v, ok := kw.values[key]
	if !ok {
		return nil, nil
	}
	delete(kw.values, key)
	raw, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", kw.name, key, err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %s must be a dict", kw.name, key)
	}
	return m, nil
}

func (kw *kwargs) stringMap(key string) (map[string]string, error) {
	raw, err := kw.dict(key)
	if err != nil || raw == nil {
		return nil, err
	}
	m := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s: %s values must be strings", kw.name, key)
		}
		m[k] = s
	}
	return m, nil
}

// guard consumes a guard keyword: either a shell command string or a
// Starlark callable evaluated at apply time.
func (kw *kwargs) guard(key string, thread *starlark.Thread) (engine.GuardFunc, string, error) {
	v, ok := kw.values[key]
	if !ok {
		return nil, "", nil
	}
	delete(kw.values, key)
	switch val := v.(type) {
	case starlark.String:
		return resources.ShellGuard(string(val)), string(val), nil
	case starlark.Callable:
		name := val.Name()
		fn := func(_ context.Context) (bool, error) {
			result, err := starlark.Call(&starlark.Thread{Name: thread.Name}, val, nil, nil)
			if err != nil {
				return false, fmt.Errorf("guard %s: %w", name, err)
			}
			return bool(result.Truth()), nil
		}
		return fn, name + "()", nil
	default:
		return nil, "", fmt.Errorf("%s: %s must be a shell string or callable, got %s", kw.name, key, v.Type())
	}
}

// notifies consumes the notifies keyword: a list of (action, "kind[name]")
// or (action, "kind[name]", "immediately"|"delayed") tuples.
func (kw *kwargs) notifies() ([]engine.Notification, error) {
	v, ok := kw.values["notifies"]
	if !ok {
		return nil, nil
	}
	delete(kw.values, "notifies")

	list, ok := v.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("%s: notifies must be a list of tuples", kw.name)
	}

	var notes []engine.Notification
	for i := 0; i < list.Len(); i++ {
		tuple, ok := list.Index(i).(starlark.Tuple)
		if !ok || len(tuple) < 2 || len(tuple) > 3 {
			return nil, fmt.Errorf("%s: notifies[%d] must be (action, target) or (action, target, timing)", kw.name, i)
		}
		action, ok1 := tuple[0].(starlark.String)
		target, ok2 := tuple[1].(starlark.String)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: notifies[%d] action and target must be strings", kw.name, i)
		}
		id, err := ParseResourceID(string(target))
		if err != nil {
			return nil, fmt.Errorf("%s: notifies[%d]: %w", kw.name, i, err)
		}

		timing := engine.TimingDelayed
		if len(tuple) == 3 {
			t, ok := tuple[2].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("%s: notifies[%d] timing must be a string", kw.name, i)
			}
			switch string(t) {
			case "immediately":
				timing = engine.TimingImmediate
			case "delayed":
				timing = engine.TimingDelayed
			default:
				return nil, fmt.Errorf("%s: notifies[%d] timing must be \"immediately\" or \"delayed\", got %q", kw.name, i, string(t))
			}
		}
		notes = append(notes, engine.Notification{Target: id, Action: string(action), Timing: timing})
	}
	return notes, nil
}

// finish applies the keywords common to every resource (action, guards,
// notifies), rejects leftovers, and appends the resource to the builder.
func (b *builder) finish(kw *kwargs, thread *starlark.Thread, res engine.Resource) (starlark.Value, error) {
	props := res.Common()

	action, err := kw.str("action")
	if err != nil {
		return nil, err
	}
	if action != "" {
		props.Action = action
	}

	if fn, source, err := kw.guard("only_if", thread); err != nil {
		return nil, err
	} else if fn != nil {
		props.Guards = append(props.Guards, engine.Guard{Kind: engine.GuardOnlyIf, Check: fn, Source: source})
	}
	if fn, source, err := kw.guard("not_if", thread); err != nil {
		return nil, err
	} else if fn != nil {
		props.Guards = append(props.Guards, engine.Guard{Kind: engine.GuardNotIf, Check: fn, Source: source})
	}

	notes, err := kw.notifies()
	if err != nil {
		return nil, err
	}
	props.Notifies = append(props.Notifies, notes...)

	for key := range kw.values {
		return nil, fmt.Errorf("%s: unknown keyword %q", kw.name, key)
	}

	b.resources = append(b.resources, res)
	return starlark.String(res.Identity().String()), nil
}

// positionalName unpacks the single positional argument every builtin takes.
func positionalName(fn *starlark.Builtin, args starlark.Tuple) (string, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, nil, 1, &name); err != nil {
		return "", err
	}
	return name, nil
}

func (b *builder) fileBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	path, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewFile(path)
	content, err := kw.str("content")
	if err != nil {
		return nil, err
	}
	res.Content = []byte(content)
	if res.Mode, err = kw.mode("mode"); err != nil {
		return nil, err
	}
	if res.Owner, err = kw.str("owner"); err != nil {
		return nil, err
	}
	if res.Group, err = kw.str("group"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) directoryBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	path, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewDirectory(path)
	if res.Mode, err = kw.mode("mode"); err != nil {
		return nil, err
	}
	if res.Owner, err = kw.str("owner"); err != nil {
		return nil, err
	}
	if res.Group, err = kw.str("group"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) linkBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	path, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	to, err := kw.str("to")
	if err != nil {
		return nil, err
	}
	res := resources.NewLink(path, to)
	if res.Force, err = kw.boolean("force"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) executeBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	name, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	command, err := kw.str("command")
	if err != nil {
		return nil, err
	}
	res := resources.NewExecute(name, command)
	if res.Cwd, err = kw.str("cwd"); err != nil {
		return nil, err
	}
	if res.Env, err = kw.stringMap("env"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) scriptBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	name, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	body, err := kw.str("body")
	if err != nil {
		return nil, err
	}
	res := resources.NewScript(name, body)
	if res.Creates, err = kw.str("creates"); err != nil {
		return nil, err
	}
	if res.Cwd, err = kw.str("cwd"); err != nil {
		return nil, err
	}
	if res.Env, err = kw.stringMap("env"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) packageBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	name, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewPackage(name)
	if res.Version, err = kw.str("version"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) serviceBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	name, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}
	return b.finish(kw, thread, resources.NewService(name))
}

func (b *builder) remoteFileBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	path, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	source, err := kw.str("source")
	if err != nil {
		return nil, err
	}
	res := resources.NewRemoteFile(path, source)
	if res.Checksum, err = kw.str("checksum"); err != nil {
		return nil, err
	}
	if res.Mode, err = kw.mode("mode"); err != nil {
		return nil, err
	}
	if res.Owner, err = kw.str("owner"); err != nil {
		return nil, err
	}
	if res.Group, err = kw.str("group"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) templateBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	path, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewTemplate(path)
	if res.Source, err = kw.str("source"); err != nil {
		return nil, err
	}
	if res.Inline, err = kw.str("inline"); err != nil {
		return nil, err
	}
	if res.Variables, err = kw.dict("variables"); err != nil {
		return nil, err
	}
	// Templates see the same facts recipes do.
	res.Node = b.node
	if res.Mode, err = kw.mode("mode"); err != nil {
		return nil, err
	}
	if res.Owner, err = kw.str("owner"); err != nil {
		return nil, err
	}
	if res.Group, err = kw.str("group"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) sysctlBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	key, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewSysctl(key)
	if res.Value, err = kw.str("value"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}

func (b *builder) routeBuiltin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, pairs []starlark.Tuple) (starlark.Value, error) {
	destination, err := positionalName(fn, args)
	if err != nil {
		return nil, err
	}
	kw, err := newKwargs(fn, pairs)
	if err != nil {
		return nil, err
	}

	res := resources.NewRoute(destination)
	if res.Gateway, err = kw.str("gateway"); err != nil {
		return nil, err
	}
	if res.Device, err = kw.str("device"); err != nil {
		return nil, err
	}
	return b.finish(kw, thread, res)
}
