package command

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

type recorder struct {
	calls  []Invocation
	output string
	err    error
}

func (r *recorder) Exec(ctx context.Context, inv Invocation) error {
	r.calls = append(r.calls, inv)
	if inv.Stdout != nil {
		io.WriteString(inv.Stdout, r.output)
	}
	return r.err
}

func TestOutputTrimsTrailingWhitespace(t *testing.T) {
	rec := &recorder{output: "v1.2.3\n\n \t"}
	adapter := New(rec)

	out, err := adapter.Output(context.Background(), "git", "describe", "--tags")
	if err != nil {
		t.Fatal(err)
	}
	if out != "v1.2.3" {
		t.Errorf("got %q, want %q", out, "v1.2.3")
	}

	if len(rec.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(rec.calls))
	}
	call := rec.calls[0]
	if call.Dir != "" || call.Name != "git" || len(call.Args) != 2 {
		t.Errorf("unexpected invocation %+v", call)
	}
}

func TestCaptureKeepsOutputVerbatim(t *testing.T) {
	rec := &recorder{output: "v=1\n\n  \n"}
	adapter := New(rec)

	out, err := adapter.Capture(context.Background(), "/src", "m4", "-DVERSION=1", "in.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "v=1\n\n  \n" {
		t.Errorf("got %q, want the output unchanged", out)
	}
	if rec.calls[0].Dir != "/src" {
		t.Errorf("got dir %q, want %q", rec.calls[0].Dir, "/src")
	}

	rec.err = errors.New("exit status 1")
	if _, err := adapter.Capture(context.Background(), "", "m4", "in.txt"); err == nil {
		t.Error("expected an error")
	}
}

func TestRunDoesNotCapture(t *testing.T) {
	rec := &recorder{output: "ignored"}
	adapter := New(rec)

	if err := adapter.RunIn(context.Background(), "sub", "gofmt", "-w", "main.go"); err != nil {
		t.Fatal(err)
	}
	call := rec.calls[0]
	if call.Stdout != nil {
		t.Error("side-effect invocations must not capture stdout")
	}
	if call.Dir != "sub" {
		t.Errorf("got dir %q, want %q", call.Dir, "sub")
	}
}

func TestFailurePropagates(t *testing.T) {
	cause := errors.New("exit status 1")
	adapter := New(&recorder{err: cause})

	if _, err := adapter.OutputIn(context.Background(), "x", "lint"); err == nil {
		t.Fatal("expected an error")
	}
	if err := adapter.Run(context.Background(), "lint"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestShellExecutor(t *testing.T) {
	adapter := New(&ShellExecutor{})
	ctx := context.Background()

	out, err := adapter.Output(ctx, "echo", "hello *", "$HOME")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello * $HOME" {
		t.Errorf("arguments were not passed verbatim: %q", out)
	}

	dir := t.TempDir()
	out, err = adapter.OutputIn(ctx, dir, "pwd")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(out)
	if got != want {
		t.Errorf("got working directory %q, want %q", got, want)
	}

	if err := adapter.Run(ctx, "false"); err == nil {
		t.Error("expected non-zero exit to fail")
	}
}

func TestShellExecutorEnv(t *testing.T) {
	adapter := New(&ShellExecutor{Env: map[string]string{"MARKBUILD_TEST": "42"}})

	out, err := adapter.Output(context.Background(), "printenv", "MARKBUILD_TEST")
	if err != nil {
		t.Skipf("printenv unavailable: %v", err)
	}
	if out != "42" {
		t.Errorf("got %q, want %q", out, "42")
	}
}

func TestPosixHelpers(t *testing.T) {
	adapter := New(&ShellExecutor{})
	ctx := context.Background()
	dir := t.TempDir()

	if err := adapter.RunIn(ctx, dir, "mkdir", "-p", "a/b"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "file"), []byte("x"), 0660); err != nil {
		t.Fatal(err)
	}

	if err := adapter.RunIn(ctx, dir, "mkdir", "c"); err != nil {
		t.Fatal(err)
	}
	if err := adapter.RunIn(ctx, dir, "mv", "a/b/file", "c"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "c", "file")); err != nil {
		t.Errorf("file was not moved: %v", err)
	}

	if err := adapter.RunIn(ctx, dir, "rm", "a"); err == nil {
		t.Error("expected rm without -r to refuse directories")
	}
	if err := adapter.RunIn(ctx, dir, "rm", "-rf", "a", "missing"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); !os.IsNotExist(err) {
		t.Errorf("directory still exists: %v", err)
	}
	if err := adapter.RunIn(ctx, dir, "rm", "missing"); err == nil {
		t.Error("expected rm without -f to fail on missing files")
	}
}
