// Package cmd implements the command line front end for buildsys projects.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ngld/markbuild/pkg/buildsys"
	"github.com/ngld/markbuild/pkg/buildsys/starspec"
	"github.com/ngld/markbuild/pkg/config"
	"github.com/ngld/markbuild/pkg/gorules"
	"github.com/ngld/markbuild/pkg/watch"
)

// extraRules are registered after the build specification by Run.
var extraRules []buildsys.RuleSet

var RootCmd = &cobra.Command{
	Use:   "markbuild [targets...]",
	Short: "Marker target build system",
	Long: `This command loads the build specification (build.star) of the project and
builds the given targets. Without targets, the targets the specification wants
are built; if it wants none, the available targets are listed.`,
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := cmd.Flags().GetBool("list")
		if err != nil {
			return err
		}

		return withProject(cmd, func(ctx context.Context, p *buildsys.Project) error {
			if list || (len(args) == 0 && len(p.Engine().Wanted()) == 0) {
				printTargets(cmd.OutOrStdout(), p)
				return nil
			}

			return p.Build(ctx, args...)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [targets...]",
	Short: "Rebuild whenever files in the project change",
	Long: `Builds the given (or wanted) targets and rebuilds them whenever a file below
the project root changes. The build specification is reloaded on every build.`,
	Args:          cobra.ArbitraryArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := newInvocation(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(inv.ctx, os.Interrupt)
		defer stop()

		w, err := watch.New(inv.root, inv.cfg.Watch.Delay)
		if err != nil {
			return err
		}
		defer w.Close()

		return w.Run(ctx, func(ctx context.Context) error {
			p, err := inv.setup(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			return p.Build(ctx, args...)
		})
	},
}

func init() {
	registerFlags(RootCmd.PersistentFlags())

	RootCmd.Flags().BoolP("list", "l", false, "list the available targets")
	RootCmd.AddCommand(watchCmd)
}

func registerFlags(flags *pflag.FlagSet) {
	flags.StringP("directory", "C", ".", "project root")
	flags.String("spec", "", "build specification, relative to the project root (default build.star)")
	flags.IntP("jobs", "j", 0, "number of parallel rule actions (default: number of CPUs)")
	flags.BoolP("force", "f", false, "force build; run every rule even if it's up to date")
	flags.BoolP("verbose", "v", false, "print debug messages")
}

// invocation holds everything derived from flags and configuration.
type invocation struct {
	ctx   context.Context
	root  string
	force bool
	cfg   *config.Config
}

func newInvocation(cmd *cobra.Command) (*invocation, error) {
	flags := cmd.Flags()

	dir, err := flags.GetString("directory")
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", dir)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	if flags.Changed("spec") {
		cfg.Spec, err = flags.GetString("spec")
		if err != nil {
			return nil, err
		}
	}
	if flags.Changed("jobs") {
		cfg.Jobs, err = flags.GetInt("jobs")
		if err != nil {
			return nil, err
		}
	}
	verbose, err := flags.GetBool("verbose")
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	force, err := flags.GetBool("force")
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(cmd.ErrOrStderr())
	} else {
		logger = zerolog.New(NewConsoleWriter(cmd.ErrOrStderr()))
	}
	logger = logger.Level(cfg.LogLevel())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return &invocation{
		ctx:   buildsys.WithLogger(ctx, &logger),
		root:  root,
		force: force,
		cfg:   cfg,
	}, nil
}

func (inv *invocation) setup(ctx context.Context) (*buildsys.Project, error) {
	specPath := inv.cfg.SpecPath(inv.root)
	cleanCommand := inv.cfg.CleanCommand
	if len(cleanCommand) == 0 {
		if _, err := os.Stat(filepath.Join(inv.root, "go.mod")); err == nil {
			cleanCommand = []string{"go", "clean"}
		}
	}

	sets := make([]buildsys.RuleSet, 0, len(extraRules)+2)
	sets = append(sets, starspec.New(specPath))
	sets = append(sets, extraRules...)
	sets = append(sets, gorules.Default())

	return buildsys.Setup(ctx, buildsys.Options{
		Root:  inv.root,
		Specs: []string{specPath},
		Jobs:  inv.cfg.Jobs,
		Force: inv.force,
		ProjectOptions: buildsys.ProjectOptions{
			MacroProcessor: inv.cfg.MacroProcessor,
			CleanCommand:   cleanCommand,
		},
	}, sets...)
}

func withProject(cmd *cobra.Command, fn func(ctx context.Context, p *buildsys.Project) error) error {
	inv, err := newInvocation(cmd)
	if err != nil {
		return err
	}

	p, err := inv.setup(inv.ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	return fn(inv.ctx, p)
}

func printTargets(out io.Writer, p *buildsys.Project) {
	names := make([]string, 0)
	descs := make(map[string]string)
	maxNameLen := 0
	for _, rule := range p.Engine().Rules() {
		if !rule.Phony || rule.Desc == "" {
			continue
		}

		names = append(names, rule.Pattern)
		descs[rule.Pattern] = rule.Desc
		if len(rule.Pattern) > maxNameLen {
			maxNameLen = len(rule.Pattern)
		}
	}

	fmt.Fprintln(out, "Available targets:")
	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range names {
		fmt.Fprintf(out, lineFmt, name+":", descs[name])
	}
}

// Run executes the command line front end with additional project rules
// and exits with a non-zero status on failure.
func Run(extra ...buildsys.RuleSet) {
	extraRules = extra

	err := RootCmd.Execute()
	if err != nil {
		logger := zerolog.New(NewConsoleWriter(os.Stderr))
		logger.Error().Err(err).Msg("build failed")
		os.Exit(1)
	}
}

// Execute runs the front end without additional rules.
func Execute() {
	Run()
}
