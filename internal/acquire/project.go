package acquire

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Prepare validates rootDir and idempotently creates rootDir/project.
// It returns the absolute, symlink-resolved project directory.
// Every failure is marked ErrDirectory and must abort the batch before any fetch.
func Prepare(rootDir, project string) (string, error) {
	return prepare("", rootDir, project)
}

// PrepareWithin is Prepare with rootDir confined to base after symlinks in
// both are resolved. rootDir may be base itself.
func PrepareWithin(base, rootDir, project string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.Mark(errors.New("base directory is required"), ErrDirectory)
	}
	return prepare(base, rootDir, project)
}

func prepare(base, rootDir, project string) (string, error) {
	if strings.TrimSpace(rootDir) == "" {
		return "", errors.Mark(errors.New("root directory is required"), ErrDirectory)
	}

	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "invalid root directory %s", rootDir), ErrDirectory)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "root directory %s", absRoot), ErrDirectory)
	}
	if !info.IsDir() {
		return "", errors.Mark(errors.Newf("root %s is not a directory", absRoot), ErrDirectory)
	}

	resolvedRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "cannot resolve root directory %s", absRoot), ErrDirectory)
	}

	if base != "" {
		resolvedBase, err := resolveDir(base)
		if err != nil {
			return "", err
		}
		if resolvedRoot != resolvedBase {
			if err := ValidateWithin(resolvedRoot, resolvedBase); err != nil {
				return "", errors.Wrapf(err, "root %s", rootDir)
			}
		}
	}

	if err := probeWritable(resolvedRoot); err != nil {
		return "", err
	}

	projectDir := filepath.Join(resolvedRoot, project)
	if err := ValidateWithin(projectDir, resolvedRoot); err != nil {
		return "", err
	}

	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return "", errors.Mark(errors.Wrapf(err, "create project directory %s", projectDir), ErrDirectory)
	}

	// An existing symlink named like the project must not lead outside the root
	resolvedProject, err := filepath.EvalSymlinks(projectDir)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "cannot resolve project directory %s", projectDir), ErrDirectory)
	}
	if err := ValidateWithin(resolvedProject, resolvedRoot); err != nil {
		return "", err
	}

	info, err = os.Stat(resolvedProject)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "project directory %s", resolvedProject), ErrDirectory)
	}
	if !info.IsDir() {
		return "", errors.Mark(errors.Newf("project path %s is not a directory", resolvedProject), ErrDirectory)
	}

	return resolvedProject, nil
}

// ValidateWithin checks that path is a strict subdirectory of base
func ValidateWithin(path, base string) error {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "cannot compute relative path"), ErrDirectory)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errors.Mark(errors.Newf("path %s escapes %s", path, base), ErrDirectory)
	}
	return nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "invalid directory %s", dir), ErrDirectory)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "cannot resolve directory %s", abs), ErrDirectory)
	}
	return resolved, nil
}

// probeWritable creates and removes a temp file in dir
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".multifetch-probe-*")
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "root directory %s is not writable", dir), ErrDirectory)
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return errors.Mark(errors.Wrapf(err, "cleanup probe in %s", dir), ErrDirectory)
	}
	return nil
}
