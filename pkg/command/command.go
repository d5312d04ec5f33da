// Package command is the single place through which build rules start
// external tools (compilers, formatters, version control, macro processors,
// transfer tools, ...).
package command

import (
	"bytes"
	"context"
	"io"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Invocation describes one external command.
type Invocation struct {
	// Dir is the working directory. An empty Dir inherits the caller's.
	Dir  string
	Name string
	Args []string
	// Stdout receives the command's standard output. A nil Stdout lets the
	// executor pick its default (usually the process' own stdout).
	Stdout io.Writer
}

// String renders the invocation for log messages.
func (i Invocation) String() string {
	return strings.Join(append([]string{i.Name}, i.Args...), " ")
}

// Executor starts processes. Implementations must return an error if the
// process exits with a non-zero status.
type Executor interface {
	Exec(ctx context.Context, inv Invocation) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, inv Invocation) error

// Exec calls f.
func (f ExecutorFunc) Exec(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Adapter normalizes the two ways rules call tools: capture stdout or not,
// and run in the current or in a given directory.
type Adapter struct {
	exec Executor
}

// New returns an adapter which starts processes through exec.
func New(exec Executor) *Adapter {
	return &Adapter{exec: exec}
}

func (a *Adapter) call(ctx context.Context, capture bool, dir, name string, args []string) ([]byte, error) {
	inv := Invocation{
		Dir:  dir,
		Name: name,
		Args: args,
	}

	var buffer bytes.Buffer
	if capture {
		inv.Stdout = &buffer
	}

	logger := zerolog.Ctx(ctx)
	logger.Debug().
		Str("dir", dir).
		Bool("capture", capture).
		Msg(inv.String())

	if err := a.exec.Exec(ctx, inv); err != nil {
		return nil, eris.Wrapf(err, "command %s failed", inv.String())
	}
	return buffer.Bytes(), nil
}

// Do runs a command. If capture is set, the command's stdout is collected and
// returned without trailing whitespace. Failures are never swallowed.
func (a *Adapter) Do(ctx context.Context, capture bool, dir, name string, args ...string) (string, error) {
	output, err := a.call(ctx, capture, dir, name, args)
	if err != nil || !capture {
		return "", err
	}
	return strings.TrimRightFunc(string(output), unicode.IsSpace), nil
}

// Capture executes a command in dir and returns its stdout byte for byte.
func (a *Adapter) Capture(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return a.call(ctx, true, dir, name, args)
}

// Run executes a command in the current directory for its side effects.
func (a *Adapter) Run(ctx context.Context, name string, args ...string) error {
	_, err := a.Do(ctx, false, "", name, args...)
	return err
}

// RunIn executes a command in dir for its side effects.
func (a *Adapter) RunIn(ctx context.Context, dir, name string, args ...string) error {
	_, err := a.Do(ctx, false, dir, name, args...)
	return err
}

// Output executes a command in the current directory and returns its stdout.
func (a *Adapter) Output(ctx context.Context, name string, args ...string) (string, error) {
	return a.Do(ctx, true, "", name, args...)
}

// OutputIn executes a command in dir and returns its stdout.
func (a *Adapter) OutputIn(ctx context.Context, dir, name string, args ...string) (string, error) {
	return a.Do(ctx, true, dir, name, args...)
}
