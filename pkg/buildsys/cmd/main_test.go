package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&errOut)
	RootCmd.SetArgs(args)

	err := RootCmd.Execute()
	t.Log(errOut.String())
	return out.String(), err
}

func project(t *testing.T, spec string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "build.star"), []byte(spec), 0660); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestListTargets(t *testing.T) {
	root := project(t, `phony("hello", desc = "Say hello")
phony("hidden")
`)

	out, err := execute(t, "-C", root, "--list")
	if err != nil {
		t.Fatal(err)
	}

	for _, expected := range []string{"Available targets:", "hello:", "Say hello", "clean:", "clear:"} {
		if !strings.Contains(out, expected) {
			t.Errorf("listing is missing %q:\n%s", expected, out)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("targets without description should be hidden:\n%s", out)
	}
}

func TestBuildWantedTargets(t *testing.T) {
	root := project(t, `
def greeting():
    return "hello " + OS

meta("greeting", compute = greeting)
want(meta_file("greeting"))
`)

	if _, err := execute(t, "-C", root, "--list=false"); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(root, ".build", "meta", "greeting"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(content), "hello ") {
		t.Errorf("unexpected meta content %q", content)
	}
}

func TestUnknownTarget(t *testing.T) {
	root := project(t, "")

	if _, err := execute(t, "-C", root, "--list=false", "missing"); err == nil {
		t.Error("expected unknown target to fail")
	}
}

func TestConsoleWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewConsoleWriter(&out)

	n, err := w.Write([]byte(`{"level":"info","task":"fmt","message":"formatted 3 files"}`))
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("expected a positive byte count")
	}
	if !strings.Contains(out.String(), "fmt: formatted 3 files") {
		t.Errorf("unexpected output %q", out.String())
	}

	out.Reset()
	if _, err := w.Write([]byte(`{"level":"error","message":"build failed","error":"boom"}`)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Error: build failed\nboom") {
		t.Errorf("unexpected output %q", out.String())
	}

	if _, err := w.Write([]byte("not json")); err == nil {
		t.Error("expected invalid events to be rejected")
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	root := project(t, "")

	cmd := &cobra.Command{}
	registerFlags(cmd.Flags())
	if err := cmd.Flags().Parse([]string{"-C", root, "--spec", "other.star", "-j", "3", "-v"}); err != nil {
		t.Fatal(err)
	}

	inv, err := newInvocation(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if inv.cfg.Spec != "other.star" {
		t.Errorf("spec = %q, want other.star", inv.cfg.Spec)
	}
	if inv.cfg.Jobs != 3 {
		t.Errorf("jobs = %d, want 3", inv.cfg.Jobs)
	}
	if inv.cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", inv.cfg.Log.Level)
	}
}

func TestFlagErrorsAreReported(t *testing.T) {
	root := project(t, "")

	// A flag registered with the wrong type can't be read back.
	cmd := &cobra.Command{}
	flags := cmd.Flags()
	flags.StringP("directory", "C", ".", "")
	flags.String("spec", "", "")
	flags.StringP("jobs", "j", "", "")
	flags.BoolP("force", "f", false, "")
	flags.BoolP("verbose", "v", false, "")
	if err := flags.Parse([]string{"-C", root, "-j", "many"}); err != nil {
		t.Fatal(err)
	}

	if _, err := newInvocation(cmd); err == nil {
		t.Error("expected the unreadable jobs flag to be reported")
	}
}
