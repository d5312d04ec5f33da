package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ngld/markbuild/pkg/engine"
)

// FakeAction is the side effect of a fake target. It receives the files the
// target's input patterns resolved to.
type FakeAction interface {
	Run(ctx context.Context, files []string) error
}

// FakeFunc adapts a plain function to the FakeAction interface.
type FakeFunc func(ctx context.Context, files []string) error

// Run calls f.
func (f FakeFunc) Run(ctx context.Context, files []string) error {
	return f(ctx, files)
}

type fakeRule struct {
	name   string
	action FakeAction
}

func (r *fakeRule) Build(ctx context.Context, target *engine.Target) error {
	if err := r.action.Run(ctx, target.Inputs); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target.Path), 0770); err != nil {
		return eris.Wrapf(err, "failed to create marker directory for %s", r.name)
	}
	if err := os.WriteFile(target.Path, nil, 0660); err != nil {
		return eris.Wrapf(err, "failed to write marker for %s", r.name)
	}

	// Truncating an empty file doesn't reliably bump its mtime.
	now := time.Now()
	if err := os.Chtimes(target.Path, now, now); err != nil {
		return eris.Wrapf(err, "failed to touch marker for %s", r.name)
	}
	return nil
}

// Fake registers a target for an action which depends on the files matching
// inputs but produces no output of its own. The engine tracks the marker
// file FakeFile(name) instead, so the action reruns exactly when the set of
// matching files or one of them changes. An empty match is fine; the action
// then runs once.
func (p *Project) Fake(inputs []string, name string, action FakeAction) error {
	if name == "" || filepath.Base(name) != name {
		return eris.Errorf("invalid fake target name %q", name)
	}

	err := p.engine.Add(&engine.Rule{
		Pattern: p.FakeFile(name),
		Inputs:  inputs,
		Action:  &fakeRule{name: name, action: action},
	})
	if err != nil {
		return eris.Wrapf(err, "failed to register fake target %s", name)
	}
	return nil
}

// FakeAliased registers a fake target plus a phony alias called name whose
// only dependency is the marker file.
func (p *Project) FakeAliased(inputs []string, name, desc string, action FakeAction) error {
	if err := p.Fake(inputs, name, action); err != nil {
		return err
	}
	return p.Phony(name, desc, []string{p.FakeFile(name)}, nil)
}
