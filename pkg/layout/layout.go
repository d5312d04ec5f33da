// Package layout computes where build state lives inside a project.
//
// Everything below BuildSupportDir is owned by markbuild and can be deleted
// at any time; the directory never holds user-authored files.
package layout

import "path/filepath"

const (
	supportDirName = ".build"
	fakeDirName    = "fake"
	metaDirName    = "meta"
	databaseName   = "db"
)

// BuildSupportDir returns the directory holding all non-source build state.
func BuildSupportDir(root string) string {
	return filepath.Join(root, supportDirName)
}

// Database returns the location of the engine's database file.
func Database(root string) string {
	return filepath.Join(BuildSupportDir(root), databaseName)
}

// FakeDir returns the directory holding fake target markers.
func FakeDir(root string) string {
	return filepath.Join(BuildSupportDir(root), fakeDirName)
}

// FakeFile returns the marker file for the fake target name.
func FakeFile(root, name string) string {
	return filepath.Join(FakeDir(root), name)
}

// MetaDir returns the directory holding meta target markers.
func MetaDir(root string) string {
	return filepath.Join(BuildSupportDir(root), metaDirName)
}

// MetaFile returns the marker file for the meta target name.
func MetaFile(root, name string) string {
	return filepath.Join(MetaDir(root), name)
}
