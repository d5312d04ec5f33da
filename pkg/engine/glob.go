package engine

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/markbuild/pkg/layout"
)

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

// ResolvePatterns expands shell style glob patterns (with ** support)
// relative to root and returns the matching regular files, sorted and
// without duplicates. Patterns that match nothing are not an error. Files
// inside the build support directory are never returned.
func ResolvePatterns(root string, patterns []string) ([]string, error) {
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}
	parser := syntax.NewParser()
	supportDir := layout.BuildSupportDir(root) + string(filepath.Separator)

	seen := make(map[string]bool)
	result := []string{}
	for _, pattern := range patterns {
		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(filepath.ToSlash(pattern)), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", pattern)
		}

		for _, word := range words {
			// The root is quoted so that spaces or glob characters in the
			// project path stay literal.
			prefix := &syntax.SglQuoted{Value: filepath.ToSlash(root) + "/"}
			word.Parts = append([]syntax.WordPart{prefix}, word.Parts...)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", pattern)
		}

		for _, match := range matches {
			match = filepath.Clean(filepath.FromSlash(match))
			if seen[match] || strings.HasPrefix(match, supportDir) {
				continue
			}

			// Unmatched patterns are returned verbatim by the expander and
			// simply don't exist.
			info, err := os.Stat(match)
			if err != nil {
				if eris.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, eris.Wrapf(err, "failed to check %s", match)
			}
			if !info.Mode().IsRegular() {
				continue
			}

			seen[match] = true
			result = append(result, match)
		}
	}

	sort.Strings(result)
	return result, nil
}
