// Package assets locates the built UI bundle on disk.
package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIndexNotFound is returned when no candidate index.html exists.
var ErrIndexNotFound = errors.New("index.html not found in .app bundle or dev path")

// ResolveIndex returns the first existing index.html. An override is used
// verbatim and must exist. Otherwise the macOS bundle layout next to exe
// (Contents/Resources/dist) is tried before the dev build under cwd.
func ResolveIndex(exe, cwd, override string) (string, error) {
	if override != "" {
		if isFile(override) {
			return filepath.Abs(override)
		}
		return "", fmt.Errorf("%w: %s", ErrIndexNotFound, override)
	}

	var candidates []string
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(filepath.Dir(exe)), "Resources", "dist", "index.html"))
	}
	if cwd != "" {
		candidates = append(candidates, filepath.Join(cwd, "frontend", "dist", "index.html"))
	}
	for _, path := range candidates {
		if isFile(path) {
			return path, nil
		}
	}
	return "", ErrIndexNotFound
}

// Locate resolves the index for the running process.
func Locate(override string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return ResolveIndex(exe, cwd, override)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
