// Package gorules provides the targets every Go project gets without
// declaring them: build, fmt, lint and test fake targets plus a version
// meta target. Targets the build specification already declares win.
package gorules

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/markbuild/pkg/buildsys"
)

var goSources = []string{"**/*.go", "go.mod", "go.sum"}

type goTarget struct {
	name   string
	desc   string
	inputs []string
	action func(p *buildsys.Project) buildsys.FakeFunc
}

func goCommand(args ...string) func(p *buildsys.Project) buildsys.FakeFunc {
	return func(p *buildsys.Project) buildsys.FakeFunc {
		return func(ctx context.Context, files []string) error {
			return p.Cmd().RunIn(ctx, p.Root(), "go", args...)
		}
	}
}

var targets = []goTarget{
	{
		name:   "build",
		desc:   "Compile all packages",
		inputs: goSources,
		action: goCommand("build", "./..."),
	},
	{
		name:   "fmt",
		desc:   "Format all Go files",
		inputs: []string{"**/*.go"},
		action: func(p *buildsys.Project) buildsys.FakeFunc {
			return func(ctx context.Context, files []string) error {
				if len(files) == 0 {
					return nil
				}
				return p.Cmd().RunIn(ctx, p.Root(), "gofmt", append([]string{"-l", "-w"}, files...)...)
			}
		},
	},
	{
		name:   "lint",
		desc:   "Run go vet",
		inputs: goSources,
		action: goCommand("vet", "./..."),
	},
	{
		name:   "test",
		desc:   "Run all tests",
		inputs: goSources,
		action: goCommand("test", "./..."),
	},
}

// VersionMeta is the meta target holding the output of git describe.
const VersionMeta = "version"

// Default returns the Go rule set. It does nothing outside of Go modules.
func Default() buildsys.RuleSet {
	return buildsys.RuleSetFunc(register)
}

func register(ctx context.Context, p *buildsys.Project) error {
	_, err := os.Stat(filepath.Join(p.Root(), "go.mod"))
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil
		}
		return eris.Wrap(err, "failed to check for go.mod")
	}

	eng := p.Engine()
	for _, target := range targets {
		if eng.Has(target.name) || eng.Has(p.FakeFile(target.name)) {
			zerolog.Ctx(ctx).Debug().Str("task", target.name).Msg("declared by the build specification")
			continue
		}

		if err := p.FakeAliased(target.inputs, target.name, target.desc, target.action(p)); err != nil {
			return err
		}
	}

	if !eng.Has(p.MetaFile(VersionMeta)) {
		err := p.Meta(VersionMeta, buildsys.CommandOutput{
			Project: p,
			Name:    "git",
			Args:    []string{"describe", "--tags", "--always", "--dirty"},
		})
		if err != nil {
			return err
		}
	}

	return nil
}
