package buildsys

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/engine"
)

// Define is one macro definition passed to the macro processor.
type Define struct {
	Key   string
	Value string
}

// Defines computes the macro definitions of a Preprocess rule. Needs lists
// the targets (usually meta markers) the computation reads, so the engine
// knows about them before Defines is called.
type Defines interface {
	Needs() []string
	Defines(ctx context.Context) ([]Define, error)
}

// StaticDefines is a fixed list of definitions without dependencies.
type StaticDefines []Define

// Needs implements Defines.
func (StaticDefines) Needs() []string { return nil }

// Defines implements Defines.
func (d StaticDefines) Defines(ctx context.Context) ([]Define, error) { return d, nil }

// MetaDefine defines Key as the current content of a meta target.
type MetaDefine struct {
	Project *Project
	Meta    string
	Key     string
}

// Needs implements Defines.
func (d MetaDefine) Needs() []string { return []string{d.Project.MetaFile(d.Meta)} }

// Defines implements Defines.
func (d MetaDefine) Defines(ctx context.Context) ([]Define, error) {
	content, err := os.ReadFile(d.Project.MetaFile(d.Meta))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read meta value %s", d.Meta)
	}
	return []Define{{Key: d.Key, Value: string(content)}}, nil
}

type preprocessRule struct {
	project  *Project
	template string
	defines  Defines
}

func (r *preprocessRule) Build(ctx context.Context, target *engine.Target) error {
	defines, err := r.defines.Defines(ctx)
	if err != nil {
		return eris.Wrapf(err, "failed to compute defines for %s", target.Name)
	}

	// Later definitions of the same key override earlier ones inside the
	// macro processor, so the order is passed through as is.
	args := make([]string, 0, len(defines)+1)
	for _, def := range defines {
		args = append(args, "-D"+def.Key+"="+def.Value)
	}
	args = append(args, r.template)

	p := r.project
	output, err := p.cmd.Capture(ctx, p.Root(), p.macroProcessor, args...)
	if err != nil {
		return eris.Wrapf(err, "failed to preprocess %s", r.template)
	}

	changed, err := writeIfChanged(target.Path, output)
	if err != nil {
		return err
	}

	log(ctx).Debug().
		Str("task", target.Name).
		Bool("changed", changed).
		Msg("preprocessed")
	return nil
}

// Preprocess registers a rule producing the files matching outputPattern by
// running the macro processor over template with the computed definitions.
// It reruns when the template or anything defines needs changes, and only
// rewrites the output when the result differs.
func (p *Project) Preprocess(outputPattern, template string, defines Defines) error {
	template = p.engine.Name(template)
	templatePath := p.engine.Path(template)

	needs := append([]string{template}, defines.Needs()...)
	err := p.engine.Add(&engine.Rule{
		Pattern: outputPattern,
		Needs:   needs,
		Action: &preprocessRule{
			project:  p,
			template: templatePath,
			defines:  defines,
		},
	})
	if err != nil {
		return eris.Wrapf(err, "failed to register preprocessing of %s", template)
	}
	return nil
}
