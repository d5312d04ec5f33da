// Package engine implements the small dependency graph executor the build
// conventions run on. It tracks file stamps in a bbolt database, reruns a
// rule when one of its dependencies changed, and runs independent rules in
// parallel.
package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options configure an Engine.
type Options struct {
	// Root is the project root. All relative target names resolve against
	// it.
	Root string
	// Database is the file the engine keeps its state in.
	Database string
	// Version identifies the build generation. Records written by another
	// version are treated as missing.
	Version string
	// Jobs limits how many rule actions run at once. Zero or less uses one
	// job per CPU.
	Jobs int
	// Force reruns every rule once during this engine's lifetime.
	Force bool
}

// Engine owns the registered rules and the build database.
type Engine struct {
	root    string
	version string
	jobs    int
	force   bool
	db      *database

	lock     sync.RWMutex
	phonies  map[string]*Rule
	files    map[string]*Rule
	patterns []*Rule
	wanted   []string
}

// Open creates an engine and opens (or creates) its database.
func Open(opts Options) (*Engine, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve root %s", opts.Root)
	}

	db, err := openDatabase(opts.Database)
	if err != nil {
		return nil, err
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	return &Engine{
		root:    root,
		version: opts.Version,
		jobs:    jobs,
		force:   opts.Force,
		db:      db,
		phonies: make(map[string]*Rule),
		files:   make(map[string]*Rule),
	}, nil
}

// Root returns the absolute project root.
func (e *Engine) Root() string { return e.root }

// Version returns the build generation key.
func (e *Engine) Version() string { return e.version }

// Jobs returns the number of rule actions allowed to run in parallel.
func (e *Engine) Jobs() int { return e.jobs }

// Close releases the database.
func (e *Engine) Close() error {
	return e.db.close()
}

// DropDatabase closes and deletes the build database. Rules finishing later
// in the same run are not recorded.
func (e *Engine) DropDatabase() error {
	return e.db.drop()
}

// Add registers a rule. Registering two rules for the same pattern is an
// error.
func (e *Engine) Add(rule *Rule) error {
	if rule.Pattern == "" {
		return eris.New("rule has no pattern")
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if rule.Phony {
		if _, present := e.phonies[rule.Pattern]; present {
			return eris.Errorf("phony target %s redeclared", rule.Pattern)
		}
		e.phonies[rule.Pattern] = rule
		return nil
	}

	pattern := e.canonical(rule.Pattern)
	if _, present := e.files[pattern]; present {
		return eris.Errorf("rule for %s redeclared", pattern)
	}
	rule.Pattern = pattern
	e.files[pattern] = rule
	e.patterns = append(e.patterns, rule)
	return nil
}

// Want sets the targets built when no target was requested explicitly.
func (e *Engine) Want(targets ...string) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.wanted = append(e.wanted, targets...)
}

// Wanted returns the default targets.
func (e *Engine) Wanted() []string {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return append([]string(nil), e.wanted...)
}

// Rules returns all registered rules sorted by pattern.
func (e *Engine) Rules() []*Rule {
	e.lock.RLock()
	defer e.lock.RUnlock()

	rules := make([]*Rule, 0, len(e.phonies)+len(e.patterns))
	for _, rule := range e.phonies {
		rules = append(rules, rule)
	}
	rules = append(rules, e.patterns...)
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Pattern < rules[j].Pattern
	})
	return rules
}

// Name converts a filesystem path or a user supplied target into the
// engine's canonical target name: slash separated and relative to the root.
// Phony names pass through unchanged.
func (e *Engine) Name(target string) string {
	e.lock.RLock()
	_, phony := e.phonies[target]
	e.lock.RUnlock()

	if phony {
		return target
	}
	return e.canonical(target)
}

func (e *Engine) canonical(target string) string {
	p := filepath.FromSlash(target)
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(e.root, p)
		if err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		}
	}
	return path.Clean(filepath.ToSlash(p))
}

// Has reports whether a rule produces target.
func (e *Engine) Has(target string) bool {
	return e.lookup(e.Name(target)) != nil
}

func (e *Engine) lookup(name string) *Rule {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if rule, ok := e.phonies[name]; ok {
		return rule
	}
	if rule, ok := e.files[name]; ok {
		return rule
	}
	for _, rule := range e.patterns {
		if matched, _ := path.Match(rule.Pattern, name); matched {
			return rule
		}
	}
	return nil
}

// Path returns the filesystem path of a canonical target name. Names
// outside of the root are absolute and stay unchanged.
func (e *Engine) Path(name string) string {
	p := filepath.FromSlash(name)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.root, p)
}

// stamp summarizes a file's state. Missing files have an empty stamp.
func stamp(file string) (string, error) {
	info, err := os.Stat(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", eris.Wrapf(err, "failed to check %s", file)
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

type result struct {
	done  chan struct{}
	stamp string
	err   error
}

type run struct {
	engine  *Engine
	sem     *semaphore.Weighted
	lock    sync.Mutex
	results map[string]*result
	// waits records which targets each builder is currently waiting for.
	waits map[string]map[string]int
}

// waitPath returns the chain of waiting builders leading from one target to
// another, or nil. Must be called with r.lock held.
func (r *run) waitPath(from, to string, seen map[string]bool) []string {
	if from == to {
		return []string{to}
	}
	if seen[from] {
		return nil
	}
	seen[from] = true

	for next := range r.waits[from] {
		if rest := r.waitPath(next, to, seen); rest != nil {
			return append([]string{from}, rest...)
		}
	}
	return nil
}

func (r *run) addWait(waiter, name string) {
	edges, ok := r.waits[waiter]
	if !ok {
		edges = make(map[string]int)
		r.waits[waiter] = edges
	}
	edges[name]++
}

func (r *run) removeWait(waiter, name string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	edges := r.waits[waiter]
	edges[name]--
	if edges[name] <= 0 {
		delete(edges, name)
	}
	if len(edges) == 0 {
		delete(r.waits, waiter)
	}
}

// Build brings the given targets up to date. If no targets are passed, the
// wanted targets are built.
func (e *Engine) Build(ctx context.Context, targets ...string) error {
	if len(targets) == 0 {
		targets = e.Wanted()
	}

	r := &run{
		engine:  e,
		sem:     semaphore.NewWeighted(int64(e.jobs)),
		results: make(map[string]*result),
		waits:   make(map[string]map[string]int),
	}

	// Requested targets are built in order; each one's own graph runs in
	// parallel.
	for _, target := range targets {
		if _, err := r.need(ctx, e.Name(target), nil); err != nil {
			return err
		}
	}

	e.force = false
	return nil
}

func (r *run) need(ctx context.Context, name string, stack []string) (string, error) {
	for _, parent := range stack {
		if parent == name {
			return "", eris.Errorf("%s depends on itself: %s", name, strings.Join(append(stack, name), " -> "))
		}
	}

	r.lock.Lock()
	if len(stack) > 0 {
		// Parallel branches can each hold one half of a cycle; waiting on
		// each other's results would never finish.
		waiter := stack[len(stack)-1]
		if chain := r.waitPath(name, waiter, make(map[string]bool)); chain != nil {
			r.lock.Unlock()
			return "", eris.Errorf("%s depends on itself: %s", name, strings.Join(append([]string{waiter}, chain...), " -> "))
		}
		r.addWait(waiter, name)
		defer r.removeWait(waiter, name)
	}

	res, ok := r.results[name]
	if ok {
		r.lock.Unlock()
		select {
		case <-res.done:
			return res.stamp, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	res = &result{done: make(chan struct{})}
	r.results[name] = res
	r.lock.Unlock()

	res.stamp, res.err = r.build(ctx, name, append(stack[:len(stack):len(stack)], name))
	close(res.done)
	return res.stamp, res.err
}

func (r *run) build(ctx context.Context, name string, stack []string) (string, error) {
	e := r.engine
	logger := zerolog.Ctx(ctx)

	rule := e.lookup(name)
	if rule == nil {
		s, err := stamp(e.Path(name))
		if err != nil {
			return "", err
		}
		if s == "" {
			return "", eris.Errorf("no rule to build %s and no such file", name)
		}
		return s, nil
	}

	inputs, err := ResolvePatterns(e.root, rule.Inputs)
	if err != nil {
		return "", eris.Wrapf(err, "failed to resolve inputs of %s", name)
	}

	deps := make([]string, 0, len(rule.Needs)+len(inputs))
	for _, need := range rule.Needs {
		deps = append(deps, e.Name(need))
	}
	for _, input := range inputs {
		deps = append(deps, e.Name(input))
	}

	stamps := make(map[string]string, len(deps))
	var stampLock sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, dep := range deps {
		dep := dep
		group.Go(func() error {
			s, err := r.need(groupCtx, dep, stack)
			if err != nil {
				return eris.Wrapf(err, "%s failed due to its dependency %s", name, dep)
			}

			stampLock.Lock()
			stamps[dep] = s
			stampLock.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return "", err
	}

	target := &Target{Name: name, Inputs: inputs}
	if !rule.Phony {
		target.Path = e.Path(name)
	}

	if !rule.Phony {
		dirty, err := r.dirty(rule, target, stamps)
		if err != nil {
			return "", err
		}
		if !dirty {
			logger.Debug().Str("task", name).Msg("up to date")
			return stamp(target.Path)
		}
	}

	if rule.Action != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		logger.Info().Str("task", name).Msg("running")
		err := rule.Action.Build(ctx, target)
		r.sem.Release(1)
		if err != nil {
			return "", eris.Wrapf(err, "failed to build %s", name)
		}
	}

	if rule.Phony {
		// Anything depending on a phony target reruns as well.
		return fmt.Sprintf("phony:%d", time.Now().UnixNano()), nil
	}

	s, err := stamp(target.Path)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", eris.Errorf("rule for %s did not create it", name)
	}

	// Actions may rewrite their own source inputs (formatters do); record
	// what they left behind.
	for _, input := range inputs {
		dep := e.Name(input)
		if e.lookup(dep) != nil {
			continue
		}

		restamp, err := stamp(input)
		if err != nil {
			return "", err
		}
		if restamp == "" {
			delete(stamps, dep)
		} else {
			stamps[dep] = restamp
		}
	}

	err = e.db.put(name, &record{Version: e.version, Deps: stamps})
	if err != nil {
		return "", eris.Wrapf(err, "failed to record %s", name)
	}
	return s, nil
}

func (r *run) dirty(rule *Rule, target *Target, stamps map[string]string) (bool, error) {
	e := r.engine
	if e.force || rule.Always {
		return true, nil
	}

	rec, err := e.db.get(target.Name)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.Version != e.version || !rec.sameDeps(stamps) {
		return true, nil
	}

	s, err := stamp(target.Path)
	if err != nil {
		return false, err
	}
	return s == "", nil
}
