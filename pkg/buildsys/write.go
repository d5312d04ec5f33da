package buildsys

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
)

// writeIfChanged replaces file with content unless it already holds exactly
// that content, in which case the file (and its mtime) is left alone. The
// replacement is atomic: readers either see the old or the new content.
func writeIfChanged(file string, content []byte) (bool, error) {
	current, err := os.ReadFile(file)
	if err == nil && bytes.Equal(current, content) {
		return false, nil
	}
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return false, eris.Wrapf(err, "failed to read %s", file)
	}

	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return false, eris.Wrapf(err, "failed to create %s", dir)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(file)+"."+nanoid.New()+".tmp")
	if err := os.WriteFile(tmp, content, 0660); err != nil {
		os.Remove(tmp)
		return false, eris.Wrapf(err, "failed to write %s", tmp)
	}

	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return false, eris.Wrapf(err, "failed to replace %s", file)
	}
	return true, nil
}
