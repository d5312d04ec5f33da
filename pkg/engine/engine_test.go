package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0660); err != nil {
		t.Fatal(err)
	}
}

// touch moves a file's mtime forward so stamp changes are visible even on
// file systems with coarse timestamps.
func touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	when := time.Now().Add(offset)
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatal(err)
	}
}

func openEngine(t *testing.T, root, version string) *Engine {
	t.Helper()
	e, err := Open(Options{
		Root:     root,
		Database: filepath.Join(root, ".build", "db"),
		Version:  version,
		Jobs:     2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func countingRule(pattern string, counter *int32, inputs ...string) *Rule {
	return &Rule{
		Pattern: pattern,
		Inputs:  inputs,
		Action: ActionFunc(func(ctx context.Context, target *Target) error {
			atomic.AddInt32(counter, 1)
			if err := os.MkdirAll(filepath.Dir(target.Path), 0770); err != nil {
				return err
			}
			return os.WriteFile(target.Path, []byte(strings.Join(target.Inputs, "\n")), 0660)
		}),
	}
}

func TestRebuildOnlyWhenInputsChange(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src", "a.txt")
	writeFile(t, src, "a")

	var runs int32
	build := func() {
		e := openEngine(t, root, "v1")
		defer e.Close()
		if err := e.Add(countingRule("out.txt", &runs, "src/**/*.txt")); err != nil {
			t.Fatal(err)
		}
		if err := e.Build(context.Background(), "out.txt"); err != nil {
			t.Fatal(err)
		}
	}

	build()
	build()
	if runs != 1 {
		t.Fatalf("got %d runs for unchanged inputs, want 1", runs)
	}

	writeFile(t, src, "changed")
	touch(t, src, time.Hour)
	build()
	if runs != 2 {
		t.Fatalf("got %d runs after an input changed, want 2", runs)
	}

	writeFile(t, filepath.Join(root, "src", "deep", "b.txt"), "b")
	build()
	if runs != 3 {
		t.Fatalf("got %d runs after an input appeared, want 3", runs)
	}
}

func TestVersionChangeInvalidates(t *testing.T) {
	root := t.TempDir()
	var runs int32

	for _, version := range []string{"v1", "v1", "v2"} {
		e := openEngine(t, root, version)
		if err := e.Add(countingRule("out.txt", &runs)); err != nil {
			t.Fatal(err)
		}
		if err := e.Build(context.Background(), "out.txt"); err != nil {
			t.Fatal(err)
		}
		e.Close()
	}

	if runs != 2 {
		t.Fatalf("got %d runs, want 2", runs)
	}
}

func TestAlwaysRuleKeepsDependentsFresh(t *testing.T) {
	root := t.TempDir()
	var computes, consumers int32

	build := func() {
		e := openEngine(t, root, "v1")
		defer e.Close()

		e.Add(&Rule{
			Pattern: "value",
			Always:  true,
			Action: ActionFunc(func(ctx context.Context, target *Target) error {
				atomic.AddInt32(&computes, 1)
				if _, err := os.Stat(target.Path); err == nil {
					return nil
				}
				return os.WriteFile(target.Path, []byte("1.0"), 0660)
			}),
		})
		consumer := countingRule("consumer", &consumers)
		consumer.Needs = []string{"value"}
		e.Add(consumer)

		if err := e.Build(context.Background(), "consumer"); err != nil {
			t.Fatal(err)
		}
	}

	build()
	build()
	if computes != 2 {
		t.Errorf("got %d computations, want 2", computes)
	}
	if consumers != 1 {
		t.Errorf("got %d consumer runs, want 1", consumers)
	}
}

func TestPhonyAlwaysRuns(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, root, "v1")
	defer e.Close()

	var runs int32
	e.Add(&Rule{
		Pattern: "hello",
		Phony:   true,
		Action: ActionFunc(func(ctx context.Context, target *Target) error {
			atomic.AddInt32(&runs, 1)
			if target.Path != "" {
				t.Errorf("phony target got path %q", target.Path)
			}
			return nil
		}),
	})
	e.Want("hello")

	for i := 0; i < 2; i++ {
		if err := e.Build(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if runs != 2 {
		t.Errorf("got %d runs, want 2", runs)
	}
}

func TestCycle(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, root, "v1")
	defer e.Close()

	var runs int32
	a := countingRule("a", &runs)
	a.Needs = []string{"b"}
	b := countingRule("b", &runs)
	b.Needs = []string{"a"}
	e.Add(a)
	e.Add(b)

	err := e.Build(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), "depends on itself") {
		t.Fatalf("expected a cycle error, got %v", err)
	}
}

func TestCycleAcrossParallelBranches(t *testing.T) {
	root := t.TempDir()
	e, err := Open(Options{
		Root:     root,
		Database: filepath.Join(root, ".build", "db"),
		Version:  "v1",
		Jobs:     8,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	phony := func(name string, needs ...string) *Rule {
		return &Rule{Pattern: name, Phony: true, Needs: needs}
	}
	for _, rule := range []*Rule{
		phony("all", "b", "c"),
		phony("b", "x"),
		phony("x", "c"),
		phony("c", "y"),
		phony("y", "b"),
	} {
		if err := e.Add(rule); err != nil {
			t.Fatal(err)
		}
	}

	// Each branch may enter its half of the cycle first, so repeat to hit
	// different interleavings.
	for i := 0; i < 50; i++ {
		done := make(chan error, 1)
		go func() {
			done <- e.Build(context.Background(), "all")
		}()

		select {
		case err := <-done:
			if err == nil || !strings.Contains(err.Error(), "depends on itself") {
				t.Fatalf("expected a cycle error, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("build %d did not finish", i)
		}
	}
}

func TestDependencyOutsideRoot(t *testing.T) {
	root := t.TempDir()
	shared := filepath.Join(t.TempDir(), "shared.in")
	writeFile(t, shared, "shared")

	e := openEngine(t, root, "v1")
	defer e.Close()

	if got := e.Path(e.Name(shared)); got != shared {
		t.Errorf("Path(%s) = %s, want it unchanged", e.Name(shared), got)
	}

	var runs int32
	rule := countingRule("out.txt", &runs)
	rule.Needs = []string{shared}
	if err := e.Add(rule); err != nil {
		t.Fatal(err)
	}
	if err := e.Build(context.Background(), "out.txt"); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("got %d runs, want 1", runs)
	}
}

func TestActionRewritingInputsStaysFresh(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src", "main.go")
	writeFile(t, src, "package   main")

	var runs int32
	build := func() {
		e := openEngine(t, root, "v1")
		defer e.Close()

		err := e.Add(&Rule{
			Pattern: ".build/fake/fmt",
			Inputs:  []string{"src/*.go"},
			Action: ActionFunc(func(ctx context.Context, target *Target) error {
				atomic.AddInt32(&runs, 1)
				for _, input := range target.Inputs {
					if err := os.WriteFile(input, []byte("package main\n"), 0660); err != nil {
						return err
					}
				}
				if err := os.MkdirAll(filepath.Dir(target.Path), 0770); err != nil {
					return err
				}
				return os.WriteFile(target.Path, nil, 0660)
			}),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := e.Build(context.Background(), ".build/fake/fmt"); err != nil {
			t.Fatal(err)
		}
	}

	build()
	build()
	if runs != 1 {
		t.Errorf("got %d runs, the rewritten inputs should count as up to date", runs)
	}
}

func TestMissingSource(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, root, "v1")
	defer e.Close()

	if err := e.Build(context.Background(), "nope.c"); err == nil {
		t.Fatal("expected an error for an unknown target")
	}
}

func TestFailureStopsDependents(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, root, "v1")
	defer e.Close()

	var runs int32
	e.Add(&Rule{
		Pattern: "broken",
		Action: ActionFunc(func(ctx context.Context, target *Target) error {
			return os.ErrPermission
		}),
	})
	top := countingRule("top", &runs)
	top.Needs = []string{"broken"}
	e.Add(top)

	if err := e.Build(context.Background(), "top"); err == nil {
		t.Fatal("expected failure")
	}
	if runs != 0 {
		t.Error("dependent ran although its dependency failed")
	}
}

func TestPatternRulesAndNames(t *testing.T) {
	root := t.TempDir()
	e := openEngine(t, root, "v1")
	defer e.Close()

	var runs int32
	e.Add(countingRule("gen/*.txt", &runs))
	if err := e.Build(context.Background(), filepath.Join(root, "gen", "x.txt"), "gen/y.txt"); err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Errorf("got %d runs, want 2", runs)
	}

	if err := e.Add(countingRule("gen/*.txt", &runs)); err == nil {
		t.Error("expected duplicate rule to be rejected")
	}

	if !e.Has("gen/z.txt") || !e.Has(filepath.Join(root, "gen", "z.txt")) {
		t.Error("pattern rule should produce gen/z.txt")
	}
	if e.Has("src/z.txt") {
		t.Error("no rule should produce src/z.txt")
	}
}

func TestResolvePatterns(t *testing.T) {
	root := filepath.Join(t.TempDir(), "with space")
	writeFile(t, filepath.Join(root, "main.go"), "")
	writeFile(t, filepath.Join(root, "pkg", "a.go"), "")
	writeFile(t, filepath.Join(root, "pkg", "a.txt"), "")
	writeFile(t, filepath.Join(root, ".build", "fake", "x.go"), "")

	files, err := ResolvePatterns(root, []string{"**/*.go", "main.go", "missing/*.c"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		filepath.Join(root, "main.go"),
		filepath.Join(root, "pkg", "a.go"),
	}
	if len(files) != len(want) {
		t.Fatalf("got %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("got %q at %d, want %q", files[i], i, want[i])
		}
	}
}
