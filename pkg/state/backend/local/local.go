// Package local stores workflow environments on a filesystem.
//
// Paths map directly onto files below the configured root, so a durable
// store named "dev" ends up in <root>/dev/data and
// <root>/dev/node-instances/<id>.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/davidthor/localflow/pkg/state/backend"
)

// Type is the registered backend type.
const Type = "local"

// DefaultDirName is the directory created under the OS temp dir when no
// path is configured.
const DefaultDirName = "localflow-workflows"

// In-flight writes live next to their target under this hidden prefix.
const tempPrefix = ".localflow-state-"

func init() {
	backend.Register(Type, NewBackend)
}

// Backend keeps blobs as files below a root directory.
type Backend struct {
	fs   afero.Fs
	root string
}

// NewBackend creates a backend on the OS filesystem rooted at the "path"
// option.
func NewBackend(config map[string]string) (backend.Backend, error) {
	root := backend.Options(config).Get("path", filepath.Join(os.TempDir(), DefaultDirName))
	return NewBackendWithFs(afero.NewOsFs(), root)
}

// NewBackendWithFs creates a backend on fs, creating root if needed.
func NewBackendWithFs(fs afero.Fs, root string) (*Backend, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", root, err)
	}
	return &Backend{fs: fs, root: root}, nil
}

func (b *Backend) Type() string {
	return Type
}

// Path returns the root directory of the backend.
func (b *Backend) Path() string {
	return b.root
}

func (b *Backend) Read(_ context.Context, p string) (io.ReadCloser, error) {
	full := b.file(p)
	f, err := b.fs.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", full, err)
	}
	return f, nil
}

// Write replaces the file atomically: data goes to a hidden temp file in the
// same directory which is then renamed over the target.
func (b *Backend) Write(_ context.Context, p string, data io.Reader) error {
	full := b.file(p)
	dir := filepath.Dir(full)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(b.fs, dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, data)
	if closeErr := tmp.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", full, err)
	}

	if err := b.fs.Rename(tmpName, full); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", full, err)
	}
	return nil
}

func (b *Backend) Delete(_ context.Context, p string) error {
	full := b.file(p)
	if err := b.fs.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", full, err)
	}
	return nil
}

func (b *Backend) List(_ context.Context, dir string) ([]string, error) {
	start := b.file(dir)

	var paths []string
	err := afero.Walk(b.fs, start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", start, err)
	}

	sort.Strings(paths)
	return paths, nil
}

func (b *Backend) Exists(_ context.Context, p string) (bool, error) {
	ok, err := afero.Exists(b.fs, b.file(p))
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", b.file(p), err)
	}
	return ok, nil
}

func (b *Backend) file(p string) string {
	return filepath.Join(b.root, filepath.FromSlash(p))
}

var _ backend.Backend = (*Backend)(nil)
