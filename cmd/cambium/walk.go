package main

import (
	"bytes"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jward/cambium/internal/lang"
)

// skipDirs lists directories excluded from the filesystem walk fallback.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// listFiles discovers the source files to check under root, filtered to
// supported languages and the optional language allowlist. Inside a git
// repository it uses git ls-files to respect .gitignore; otherwise it walks
// the filesystem, skipping hidden directories and skipDirs.
func listFiles(root string, languages map[string]bool) ([]string, error) {
	paths, err := gitListFiles(root, languages)
	if err != nil {
		// Not a git repo or git not available — fall back to walk.
		return walkListFiles(root, languages)
	}
	return paths, nil
}

func wantFile(path string, languages map[string]bool) bool {
	language, ok := lang.LanguageForFile(path)
	if !ok {
		return false
	}
	return languages == nil || languages[language]
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under root.
func gitListFiles(root string, languages map[string]bool) ([]string, error) {
	// --cached: tracked files, --others: untracked files,
	// --exclude-standard: respect .gitignore, .git/info/exclude, global excludes.
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		absPath := filepath.Join(root, line)
		if wantFile(absPath, languages) {
			paths = append(paths, absPath)
		}
	}
	return paths, nil
}

// walkListFiles discovers files by walking the filesystem, used as a
// fallback when git is not available.
func walkListFiles(root string, languages map[string]bool) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if wantFile(path, languages) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}

// listDirs returns root and every non-skipped directory beneath it, for the
// watcher to register.
func listDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return dirs, nil
}
