package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ShellExecutor runs invocations through the portable shell interpreter
// from mvdan.cc/sh so that commands behave the same on every platform.
type ShellExecutor struct {
	// Env overrides entries of the process environment.
	Env map[string]string
	// Stderr receives the command's standard error. Defaults to os.Stderr.
	Stderr io.Writer
}

var defaultExecHandler = interp.DefaultExecHandler(2)

func (e *ShellExecutor) environ() expand.Environ {
	osEnv := os.Environ()
	envVars := make([]string, 0, len(osEnv)+len(e.Env))
	for _, item := range osEnv {
		parts := strings.SplitN(item, "=", 2)
		key := parts[0]
		if runtime.GOOS == "windows" {
			key = strings.ToUpper(key)
		}

		// skip overridden entries to avoid conflicts
		if _, present := e.Env[key]; !present {
			envVars = append(envVars, item)
		}
	}

	for k, v := range e.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	return expand.ListEnviron(envVars...)
}

// callExpr builds the shell AST for a command. Every word is single quoted so
// arguments reach the process verbatim, without globbing or expansion.
func callExpr(name string, args []string) *syntax.CallExpr {
	cmd := new(syntax.CallExpr)
	cmd.Args = make([]*syntax.Word, 0, len(args)+1)
	for _, arg := range append([]string{name}, args...) {
		node := &syntax.SglQuoted{Value: arg}
		cmd.Args = append(cmd.Args, &syntax.Word{Parts: []syntax.WordPart{node}})
	}
	return cmd
}

// Exec implements Executor.
func (e *ShellExecutor) Exec(ctx context.Context, inv Invocation) error {
	stdout := inv.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := e.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	opts := []interp.RunnerOption{
		interp.Env(e.environ()),
		interp.ExecHandler(execHandler),
		interp.StdIO(nil, stdout, stderr),
		interp.Params("-e"),
	}
	if inv.Dir != "" {
		opts = append(opts, interp.Dir(inv.Dir))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	stmt := &syntax.Stmt{Cmd: callExpr(inv.Name, inv.Args)}
	return runner.Run(ctx, stmt)
}
