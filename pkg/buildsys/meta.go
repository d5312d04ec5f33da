package buildsys

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/engine"
)

// Computation produces the value stored in a meta target.
type Computation interface {
	Compute(ctx context.Context) (string, error)
}

// ComputeFunc adapts a plain function to the Computation interface.
type ComputeFunc func(ctx context.Context) (string, error)

// Compute calls f.
func (f ComputeFunc) Compute(ctx context.Context) (string, error) {
	return f(ctx)
}

// CommandOutput is a Computation returning the trimmed stdout of a command
// run in the project root.
type CommandOutput struct {
	Project *Project
	Name    string
	Args    []string
}

// Compute implements Computation.
func (c CommandOutput) Compute(ctx context.Context) (string, error) {
	return c.Project.Cmd().OutputIn(ctx, c.Project.Root(), c.Name, c.Args...)
}

type metaRule struct {
	name    string
	compute Computation
}

func (r *metaRule) Build(ctx context.Context, target *engine.Target) error {
	value, err := r.compute.Compute(ctx)
	if err != nil {
		return eris.Wrapf(err, "failed to compute %s", r.name)
	}

	changed, err := writeIfChanged(target.Path, []byte(value))
	if err != nil {
		return err
	}

	log(ctx).Debug().
		Str("task", r.name).
		Bool("changed", changed).
		Msg("meta value computed")
	return nil
}

// Meta registers a target whose value is recomputed on every build that
// reaches it. The marker file MetaFile(name) is only rewritten when the
// value differs from its current content, so dependents only rerun on
// actual changes.
func (p *Project) Meta(name string, compute Computation) error {
	if name == "" || filepath.Base(name) != name {
		return eris.Errorf("invalid meta target name %q", name)
	}

	err := p.engine.Add(&engine.Rule{
		Pattern: p.MetaFile(name),
		Always:  true,
		Action:  &metaRule{name: name, compute: compute},
	})
	if err != nil {
		return eris.Wrapf(err, "failed to register meta target %s", name)
	}
	return nil
}
