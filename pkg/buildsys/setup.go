package buildsys

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/command"
	"github.com/ngld/markbuild/pkg/engine"
	"github.com/ngld/markbuild/pkg/layout"
)

// Options describe one versioned build invocation.
type Options struct {
	Root string
	// Specs are the build specification files. Their content forms the
	// build fingerprint.
	Specs []string
	// Jobs limits parallel rule actions; zero uses all CPUs.
	Jobs  int
	Force bool

	ProjectOptions

	// Executor starts external tools. Defaults to a ShellExecutor.
	Executor command.Executor
}

// Setup fingerprints the build specification, opens the engine with the
// fingerprint as its version, and registers the housekeeping targets
// followed by ruleSets in order. The caller owns the returned project and
// has to close it.
func Setup(ctx context.Context, opts Options, ruleSets ...RuleSet) (*Project, error) {
	fingerprint, err := Fingerprint(opts.Specs...)
	if err != nil {
		return nil, err
	}

	eng, err := engine.Open(engine.Options{
		Root:     opts.Root,
		Database: layout.Database(opts.Root),
		Version:  fingerprint,
		Jobs:     opts.Jobs,
		Force:    opts.Force,
	})
	if err != nil {
		return nil, err
	}

	executor := opts.Executor
	if executor == nil {
		executor = &command.ShellExecutor{}
	}

	p := NewProject(eng, command.New(executor), opts.ProjectOptions)
	log(ctx).Debug().
		Str("fingerprint", fingerprint).
		Int("jobs", eng.Jobs()).
		Msg("engine ready")

	if err := housekeeping(ctx, p); err != nil {
		p.Close()
		return nil, err
	}

	for _, set := range ruleSets {
		if err := set.Register(ctx, p); err != nil {
			p.Close()
			return nil, eris.Wrap(err, "failed to register rules")
		}
	}

	return p, nil
}
