package command

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/interp"
)

// posixHelpers are run in-process instead of looking up a binary so that
// rules using them behave the same on every platform.
var posixHelpers = map[string]func(dir string, stderr io.Writer, args []string) error{
	"mv":    posixMv,
	"rm":    posixRm,
	"mkdir": posixMkdir,
}

func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if helper, ok := posixHelpers[args[0]]; ok {
			hc := interp.HandlerCtx(ctx)
			return helper(hc.Dir, hc.Stderr, args[1:])
		}
	}

	return defaultExecHandler(ctx, args)
}

func helperFlags(name string, stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	return flags
}

func absPath(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

// expandItems resolves patterns on Windows where no shell did it for us.
func expandItems(dir string, args []string, allowEmpty bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		arg = absPath(dir, arg)
		if runtime.GOOS != "windows" {
			items = append(items, arg)
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}
		if matches == nil && !allowEmpty {
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}
		items = append(items, matches...)
	}
	return items, nil
}

func posixMv(dir string, stderr io.Writer, args []string) error {
	flags := helperFlags("mv", stderr)
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "mv")
	}
	args = flags.Args()
	if len(args) < 2 {
		return eris.New("mv: not enough parameters")
	}

	dest := absPath(dir, args[len(args)-1])
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "mv: could not find destination directory %s", destParent)
	}
	if !info.IsDir() {
		return eris.Errorf("mv: %s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "mv: failed to retrieve info about destination %s", dest)
	}

	items, err := expandItems(dir, args[:len(args)-1], false)
	if err != nil {
		return eris.Wrap(err, "mv")
	}
	if len(items) > 1 && !destIsDir {
		return eris.Errorf("mv: can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}
		if err := os.Rename(item, itemDest); err != nil {
			return eris.Wrapf(err, "mv: failed to move %s to %s", item, itemDest)
		}
	}
	return nil
}

func posixRm(dir string, stderr io.Writer, args []string) error {
	flags := helperFlags("rm", stderr)
	recursive := flags.BoolP("recursive", "r", false, "recursively delete directories")
	force := flags.BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "rm")
	}

	items, err := expandItems(dir, flags.Args(), *force)
	if err != nil {
		return eris.Wrap(err, "rm")
	}

	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if *force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "rm: could not stat %s", item)
		}

		if info.IsDir() && !*recursive {
			return eris.Errorf("rm: %s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		if err := os.RemoveAll(item); err != nil {
			return eris.Wrapf(err, "rm: could not delete %s", item)
		}
	}
	return nil
}

func posixMkdir(dir string, stderr io.Writer, args []string) error {
	flags := helperFlags("mkdir", stderr)
	parents := flags.BoolP("parents", "p", false, "create parent directories as needed")
	if err := flags.Parse(args); err != nil {
		return eris.Wrap(err, "mkdir")
	}

	for _, item := range flags.Args() {
		item = absPath(dir, item)

		var err error
		if *parents {
			err = os.MkdirAll(item, 0770)
		} else {
			err = os.Mkdir(item, 0770)
		}
		if err != nil {
			return eris.Wrapf(err, "mkdir: failed to create %s", item)
		}
	}
	return nil
}
