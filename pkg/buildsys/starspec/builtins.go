package starspec

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/ngld/markbuild/pkg/buildsys"
	"github.com/ngld/markbuild/pkg/engine"
)

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"info":       starlark.NewBuiltin("info", starInfo),
		"warn":       starlark.NewBuiltin("warn", starWarn),
		"error":      starlark.NewBuiltin("error", starError),
		"getenv":     starlark.NewBuiltin("getenv", getenv),
		"read_file":  starlark.NewBuiltin("read_file", readFile),
		"read_yaml":  starlark.NewBuiltin("read_yaml", readYaml),
		"fake_file":  starlark.NewBuiltin("fake_file", fakeFile),
		"meta_file":  starlark.NewBuiltin("meta_file", metaFile),
		"sh":         starlark.NewBuiltin("sh", sh),
		"fake":       starlark.NewBuiltin("fake", fake),
		"meta":       starlark.NewBuiltin("meta", meta),
		"preprocess": starlark.NewBuiltin("preprocess", preprocess),
		"phony":      starlark.NewBuiltin("phony", phony),
		"want":       starlark.NewBuiltin("want", want),
	}
}

// * Helpers

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// commandList converts a command given as list/tuple of words or as a
// string (split with shell quoting rules) into argv.
func commandList(value starlark.Value) ([]string, error) {
	var argv []string
	switch value := value.(type) {
	case starlark.String:
		fields, err := shell.Fields(value.GoString(), os.Getenv)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to split command %s", value.GoString())
		}
		argv = fields
	case starlarkIterable:
		words, err := starlarkIterable2stringSlice(value, "command")
		if err != nil {
			return nil, err
		}
		argv = words
	default:
		return nil, eris.Errorf("expected a command string or list but found %s", value.Type())
	}

	if len(argv) == 0 {
		return nil, eris.New("empty command")
	}
	return argv, nil
}

func commandLists(cmds *starlark.List) ([][]string, error) {
	if cmds == nil {
		return nil, nil
	}

	result := make([][]string, 0, cmds.Len())
	for idx := 0; idx < cmds.Len(); idx++ {
		argv, err := commandList(cmds.Index(idx))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to process command #%d", idx)
		}
		result = append(result, argv)
	}
	return result, nil
}

func optionalCallable(value starlark.Value, field string) (starlark.Callable, error) {
	if value == nil || value == starlark.None {
		return nil, nil
	}
	fn, ok := value.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s must be a function but is a %s", field, value.Type())
	}
	return fn, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", ctx.relPath(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", ctx.relPath(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func requireLoading(thread *starlark.Thread, fn *starlark.Builtin) error {
	if !getCtx(thread).loading {
		return eris.Errorf("%s can only be called while the build specification loads", fn.Name())
	}
	return nil
}

// * Builtin functions

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, "%s", message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, "%s", message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var defaultValue string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key, &defaultValue)
	if err != nil {
		return nil, err
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		value = defaultValue
	}
	return starlark.String(value), nil
}

func readFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(getCtx(thread).resolve(path))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}
	return starlark.String(content), nil
}

func yamlToStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			converted, err := yamlToStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(value))
		for k, v := range value {
			converted, err := yamlToStarlark(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("can't convert YAML value %v", value)
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value = starlark.None

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(getCtx(thread).resolve(yamlFile))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open file %s", yamlFile)
	}

	var doc interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, eris.Wrapf(err, "failed to parse file %s", yamlFile)
	}

	value := doc
	for _, key := range strings.Split(yamlKey, ".") {
		switch current := value.(type) {
		case map[string]interface{}:
			value = current[key]
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(current) {
				return defaultValue, nil
			}
			value = current[idx]
		default:
			return defaultValue, nil
		}
	}

	if value == nil {
		return defaultValue, nil
	}
	return yamlToStarlark(value)
}

func fakeFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name)
	if err != nil {
		return nil, err
	}
	return starlark.String(getCtx(thread).project.FakeFile(name)), nil
}

func metaFile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name)
	if err != nil {
		return nil, err
	}
	return starlark.String(getCtx(thread).project.MetaFile(name)), nil
}

func sh(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir string
	var capture bool

	err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "dir?", &dir, "capture?", &capture)
	if err != nil {
		return nil, err
	}

	var argv []string
	if len(args) == 1 {
		argv, err = commandList(args[0])
	} else {
		argv, err = starlarkIterable2stringSlice(args, "command")
	}
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, eris.New("sh: empty command")
	}

	ctx := getCtx(thread)
	if dir == "" {
		dir = ctx.project.Root()
	} else {
		dir = ctx.resolve(dir)
	}

	output, err := ctx.project.Cmd().Do(ctx.ctx, capture, dir, argv[0], argv[1:]...)
	if err != nil {
		return nil, err
	}
	if capture {
		return starlark.String(output), nil
	}
	return starlark.None, nil
}

func fake(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireLoading(thread, fn); err != nil {
		return nil, err
	}

	var name string
	var desc string
	var inputs *starlark.List
	var cmds *starlark.List
	var actionValue starlark.Value
	alias := true

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "inputs?", &inputs, "cmds?", &cmds,
		"action?", &actionValue, "alias?", &alias, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	inputList, err := starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	action, err := newAction(getCtx(thread), name, cmds, actionValue)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: invalid action for %s", fn.Name(), name)
	}

	if action == nil {
		action = buildsys.FakeFunc(func(context.Context, []string) error { return nil })
	}

	p := getCtx(thread).project
	if alias {
		err = p.FakeAliased(inputList, name, desc, action)
	} else {
		err = p.Fake(inputList, name, action)
	}
	if err != nil {
		return nil, err
	}

	return starlark.String(p.FakeFile(name)), nil
}

func meta(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireLoading(thread, fn); err != nil {
		return nil, err
	}

	var name string
	var cmd starlark.Value
	var computeValue starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "cmd?", &cmd, "compute?", &computeValue)
	if err != nil {
		return nil, err
	}

	sctx := getCtx(thread)
	p := sctx.project

	var compute buildsys.Computation
	switch {
	case cmd != nil && cmd != starlark.None:
		argv, err := commandList(cmd)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid command for %s", fn.Name(), name)
		}
		compute = buildsys.CommandOutput{Project: p, Name: argv[0], Args: argv[1:]}
	default:
		callable, err := optionalCallable(computeValue, "compute")
		if err != nil {
			return nil, err
		}
		if callable == nil {
			return nil, eris.Errorf("%s: %s needs either cmd or compute", fn.Name(), name)
		}
		compute = &starComputation{spec: sctx, name: name, fn: callable}
	}

	if err := p.Meta(name, compute); err != nil {
		return nil, err
	}
	return starlark.String(p.MetaFile(name)), nil
}

func preprocess(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireLoading(thread, fn); err != nil {
		return nil, err
	}

	var output string
	var template string
	var definesValue starlark.Value
	var needs *starlark.List

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "output", &output, "template", &template,
		"defines", &definesValue, "needs?", &needs)
	if err != nil {
		return nil, err
	}

	needList, err := starlarkIterable2stringSlice(needs, "needs")
	if err != nil {
		return nil, err
	}

	sctx := getCtx(thread)
	var defines buildsys.Defines
	switch value := definesValue.(type) {
	case *starlark.Dict:
		static, err := toDefines(value)
		if err != nil {
			return nil, err
		}
		if len(needList) > 0 {
			defines = &starDefines{needs: needList, static: static}
		} else {
			defines = buildsys.StaticDefines(static)
		}
	case starlark.Callable:
		defines = &starDefines{spec: sctx, output: output, needs: needList, fn: value}
	default:
		return nil, eris.Errorf("%s: defines must be a dict or a function but is a %s", fn.Name(), definesValue.Type())
	}

	if err := sctx.project.Preprocess(output, template, defines); err != nil {
		return nil, err
	}
	return starlark.String(output), nil
}

func phony(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := requireLoading(thread, fn); err != nil {
		return nil, err
	}

	var name string
	var desc string
	var deps *starlark.List
	var cmds *starlark.List
	var actionValue starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "deps?", &deps, "cmds?", &cmds,
		"action?", &actionValue, "desc?", &desc)
	if err != nil {
		return nil, err
	}

	depList, err := starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	action, err := newAction(getCtx(thread), name, cmds, actionValue)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: invalid action for %s", fn.Name(), name)
	}

	var phonyRule engine.Action
	if action != nil {
		phonyRule = &phonyAction{action: action}
	}

	if err := getCtx(thread).project.Phony(name, desc, depList, phonyRule); err != nil {
		return nil, err
	}
	return starlark.String(name), nil
}

func want(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, eris.Errorf("%s: unexpected keyword arguments", fn.Name())
	}

	targets, err := starlarkIterable2stringSlice(args, "targets")
	if err != nil {
		return nil, err
	}

	getCtx(thread).project.Want(targets...)
	return starlark.None, nil
}
