package buildsys

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/engine"
	"github.com/ngld/markbuild/pkg/layout"
)

func (p *Project) clear(ctx context.Context, target *engine.Target) error {
	for _, dir := range []string{layout.FakeDir(p.Root()), layout.MetaDir(p.Root())} {
		log(ctx).Info().Str("task", target.Name).Str("path", dir).Msgf("removing %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			return eris.Wrapf(err, "failed to remove %s", dir)
		}
	}
	return nil
}

func (p *Project) clean(ctx context.Context, target *engine.Target) error {
	if len(p.cleanCommand) > 0 {
		err := p.cmd.RunIn(ctx, p.Root(), p.cleanCommand[0], p.cleanCommand[1:]...)
		if err != nil {
			return err
		}
	}

	if err := p.engine.DropDatabase(); err != nil {
		return err
	}

	dir := layout.BuildSupportDir(p.Root())
	log(ctx).Info().Str("task", target.Name).Str("path", dir).Msgf("removing %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return eris.Wrapf(err, "failed to remove %s", dir)
	}
	return nil
}

// housekeeping registers the clear and clean targets every project has.
func housekeeping(ctx context.Context, p *Project) error {
	err := p.Phony("clear", "Delete all fake and meta markers so their rules run again", nil,
		engine.ActionFunc(p.clear))
	if err != nil {
		return err
	}

	return p.Phony("clean", "Run the toolchain's clean and delete the build support directory", nil,
		engine.ActionFunc(p.clean))
}
