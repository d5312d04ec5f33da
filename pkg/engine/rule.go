package engine

import (
	"context"
	"fmt"
)

// Target is handed to an Action when the engine decided that it has to run.
type Target struct {
	// Name is the root relative, slash separated target name (or the phony
	// name).
	Name string
	// Path is the filesystem path of the output. Empty for phony targets.
	Path string
	// Inputs lists the files the rule's input patterns resolved to, sorted.
	Inputs []string
}

// Action produces a target.
type Action interface {
	Build(ctx context.Context, target *Target) error
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, target *Target) error

// Build calls f.
func (f ActionFunc) Build(ctx context.Context, target *Target) error {
	return f(ctx, target)
}

// Rule declares how to produce the targets matching Pattern.
type Rule struct {
	// Pattern is either a root relative slash path (path.Match syntax) or,
	// for phony rules, the exact target name.
	Pattern string
	// Phony rules have no output file and run every time they're needed.
	Phony bool
	// Always rules rerun on every build even if their dependencies didn't
	// change. Dependents still only rerun if the output's stamp changes.
	Always bool
	// Needs lists targets or files that have to be up to date first.
	Needs []string
	// Inputs lists glob patterns (relative to the root, ** allowed) which
	// are resolved right before the rule is checked. Matching files become
	// dependencies.
	Inputs []string
	// Desc is shown in target listings. Rules without description are
	// hidden.
	Desc   string
	Action Action
}

func (r *Rule) String() string {
	if r.Phony {
		return fmt.Sprintf("<phony %s>", r.Pattern)
	}
	return fmt.Sprintf("<rule %s>", r.Pattern)
}
