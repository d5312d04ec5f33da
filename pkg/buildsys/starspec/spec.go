// Package starspec loads build specifications written in Starlark. A
// specification registers fake, meta, preprocess and phony targets with a
// buildsys.Project; its own content is part of the build fingerprint.
package starspec

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/markbuild/pkg/buildsys"
)

// DefaultFile is the specification file looked up in the project root.
const DefaultFile = "build.star"

const localKey = "specCtx"

// Spec is a RuleSet backed by a Starlark file.
type Spec struct {
	file string
}

// New returns a rule set evaluating file.
func New(file string) *Spec {
	return &Spec{file: file}
}

// File returns the path of the specification.
func (s *Spec) File() string { return s.file }

// specCtx is what builtins need to find on their thread.
type specCtx struct {
	ctx      context.Context
	project  *buildsys.Project
	filepath string
	loading  bool
}

func getCtx(thread *starlark.Thread) *specCtx {
	return thread.Local(localKey).(*specCtx)
}

func newThread(sctx *specCtx, name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(thread *starlark.Thread, msg string) {
			log(sctx.ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	thread.SetLocal(localKey, sctx)
	return thread
}

// relPath shortens paths inside the project root for messages.
func (c *specCtx) relPath(path string) string {
	rel, err := filepath.Rel(c.project.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// resolve turns a path from the specification into a filesystem path.
// Relative paths are relative to the project root.
func (c *specCtx) resolve(path string) string {
	path = filepath.FromSlash(path)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.project.Root(), path)
}

func evalError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return eris.New(evalErr.Backtrace())
	}
	return err
}

// Register executes the specification. Every rule declaring builtin
// registers with p immediately.
func (s *Spec) Register(ctx context.Context, p *buildsys.Project) error {
	script, err := os.ReadFile(s.file)
	if err != nil {
		return eris.Wrapf(err, "failed to read %s", s.file)
	}

	sctx := &specCtx{
		ctx:      ctx,
		project:  p,
		filepath: s.file,
		loading:  true,
	}
	thread := newThread(sctx, "main")

	predeclared := builtins()
	predeclared["OS"] = starlark.String(runtime.GOOS)
	predeclared["ARCH"] = starlark.String(runtime.GOARCH)
	predeclared["ROOT"] = starlark.String(p.Root())

	_, err = starlark.ExecFile(thread, sctx.relPath(s.file), script, predeclared)
	sctx.loading = false
	if err != nil {
		return eris.Wrapf(evalError(err), "failed to execute %s", sctx.relPath(s.file))
	}
	return nil
}
