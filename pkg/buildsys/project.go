package buildsys

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/command"
	"github.com/ngld/markbuild/pkg/engine"
	"github.com/ngld/markbuild/pkg/layout"
)

// DefaultMacroProcessor is used by Preprocess unless configured otherwise.
const DefaultMacroProcessor = "m4"

// Project is the build context passed to every registrar and rule set. It
// owns the engine (and with it the build support directory) for the
// duration of one invocation.
type Project struct {
	engine *engine.Engine
	cmd    *command.Adapter

	macroProcessor string
	cleanCommand   []string
}

// ProjectOptions tune the tools a project delegates to.
type ProjectOptions struct {
	// MacroProcessor is invoked by Preprocess rules with -DKEY=VALUE
	// arguments followed by the template.
	MacroProcessor string
	// CleanCommand is run in the project root by the clean target before
	// the build support directory is removed. Empty skips it.
	CleanCommand []string
}

// NewProject wraps an opened engine.
func NewProject(eng *engine.Engine, cmd *command.Adapter, opts ProjectOptions) *Project {
	if opts.MacroProcessor == "" {
		opts.MacroProcessor = DefaultMacroProcessor
	}

	return &Project{
		engine:         eng,
		cmd:            cmd,
		macroProcessor: opts.MacroProcessor,
		cleanCommand:   opts.CleanCommand,
	}
}

// Root returns the absolute project root.
func (p *Project) Root() string { return p.engine.Root() }

// Engine returns the underlying engine.
func (p *Project) Engine() *engine.Engine { return p.engine }

// Cmd returns the command adapter rules should start tools with.
func (p *Project) Cmd() *command.Adapter { return p.cmd }

// FakeFile returns the marker file of the fake target name.
func (p *Project) FakeFile(name string) string { return layout.FakeFile(p.Root(), name) }

// MetaFile returns the marker file of the meta target name.
func (p *Project) MetaFile(name string) string { return layout.MetaFile(p.Root(), name) }

// Want adds default targets.
func (p *Project) Want(targets ...string) { p.engine.Want(targets...) }

// Build brings the given targets up to date.
func (p *Project) Build(ctx context.Context, targets ...string) error {
	return p.engine.Build(ctx, targets...)
}

// Close releases the engine.
func (p *Project) Close() error { return p.engine.Close() }

// Phony registers a target which always runs action (which may be nil)
// after deps are up to date.
func (p *Project) Phony(name, desc string, deps []string, action engine.Action) error {
	err := p.engine.Add(&engine.Rule{
		Pattern: name,
		Phony:   true,
		Needs:   deps,
		Desc:    desc,
		Action:  action,
	})
	if err != nil {
		return eris.Wrapf(err, "failed to register %s", name)
	}
	return nil
}

// RuleSet registers a group of rules with a project.
type RuleSet interface {
	Register(ctx context.Context, p *Project) error
}

// RuleSetFunc adapts a plain function to the RuleSet interface.
type RuleSetFunc func(ctx context.Context, p *Project) error

// Register calls f.
func (f RuleSetFunc) Register(ctx context.Context, p *Project) error {
	return f(ctx, p)
}
