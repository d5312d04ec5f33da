package starspec

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"

	"github.com/ngld/markbuild/pkg/buildsys"
	"github.com/ngld/markbuild/pkg/engine"
)

func log(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// call runs fn on a fresh thread bound to ctx. Rule declaring builtins
// refuse to work on these threads.
func (c *specCtx) call(ctx context.Context, name string, fn starlark.Callable, args starlark.Tuple) (starlark.Value, error) {
	actionCtx := &specCtx{
		ctx:      ctx,
		project:  c.project,
		filepath: c.filepath,
	}

	result, err := starlark.Call(newThread(actionCtx, name), fn, args, nil)
	if err != nil {
		return nil, evalError(err)
	}
	return result, nil
}

// starAction runs a list of commands followed by an optional Starlark
// callable which receives the input files.
type starAction struct {
	spec *specCtx
	name string
	cmds [][]string
	fn   starlark.Callable
}

func newAction(sctx *specCtx, name string, cmds *starlark.List, value starlark.Value) (buildsys.FakeAction, error) {
	cmdList, err := commandLists(cmds)
	if err != nil {
		return nil, err
	}

	fn, err := optionalCallable(value, "action")
	if err != nil {
		return nil, err
	}

	if len(cmdList) == 0 && fn == nil {
		return nil, nil
	}

	return &starAction{
		spec: sctx,
		name: name,
		cmds: cmdList,
		fn:   fn,
	}, nil
}

func (a *starAction) Run(ctx context.Context, files []string) error {
	p := a.spec.project
	for _, argv := range a.cmds {
		if err := p.Cmd().RunIn(ctx, p.Root(), argv[0], argv[1:]...); err != nil {
			return err
		}
	}

	if a.fn == nil {
		return nil
	}

	items := make([]starlark.Value, len(files))
	for idx, file := range files {
		items[idx] = starlark.String(file)
	}

	_, err := a.spec.call(ctx, a.name, a.fn, starlark.Tuple{starlark.NewList(items)})
	if err != nil {
		return eris.Wrapf(err, "action of %s failed", a.name)
	}
	return nil
}

// phonyAction lets phony targets reuse starAction.
type phonyAction struct {
	action buildsys.FakeAction
}

func (a *phonyAction) Build(ctx context.Context, target *engine.Target) error {
	return a.action.Run(ctx, target.Inputs)
}

type starComputation struct {
	spec *specCtx
	name string
	fn   starlark.Callable
}

func (c *starComputation) Compute(ctx context.Context) (string, error) {
	result, err := c.spec.call(ctx, c.name, c.fn, nil)
	if err != nil {
		return "", err
	}

	value, ok := starlark.AsString(result)
	if !ok {
		return "", eris.Errorf("compute of %s returned a %s instead of a string", c.name, result.Type())
	}
	return value, nil
}

// starDefines either holds fixed definitions with extra needs or calls a
// Starlark function returning a dict or a list of pairs.
type starDefines struct {
	spec   *specCtx
	output string
	needs  []string
	static []buildsys.Define
	fn     starlark.Callable
}

func (d *starDefines) Needs() []string { return d.needs }

func (d *starDefines) Defines(ctx context.Context) ([]buildsys.Define, error) {
	if d.fn == nil {
		return d.static, nil
	}

	result, err := d.spec.call(ctx, d.output, d.fn, nil)
	if err != nil {
		return nil, err
	}

	switch value := result.(type) {
	case *starlark.Dict:
		return toDefines(value)
	case starlarkIterable:
		return pairsToDefines(value)
	}
	return nil, eris.Errorf("defines for %s returned a %s instead of a dict or list", d.output, result.Type())
}

func defineValue(value starlark.Value) string {
	if str, ok := starlark.AsString(value); ok {
		return str
	}
	return value.String()
}

func toDefines(dict *starlark.Dict) ([]buildsys.Define, error) {
	result := make([]buildsys.Define, 0, dict.Len())
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return nil, eris.Errorf("define keys have to be strings but found %s", item[0].Type())
		}
		result = append(result, buildsys.Define{Key: key, Value: defineValue(item[1])})
	}
	return result, nil
}

func pairsToDefines(pairs starlarkIterable) ([]buildsys.Define, error) {
	result := make([]buildsys.Define, 0, pairs.Len())
	iter := pairs.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		pair, ok := item.(starlark.Indexable)
		if !ok || pair.Len() != 2 {
			return nil, eris.Errorf("expected a (key, value) pair but found %s", item.String())
		}

		key, ok := starlark.AsString(pair.Index(0))
		if !ok {
			return nil, eris.Errorf("define keys have to be strings but found %s", pair.Index(0).Type())
		}
		result = append(result, buildsys.Define{Key: key, Value: defineValue(pair.Index(1))})
	}
	return result, nil
}
