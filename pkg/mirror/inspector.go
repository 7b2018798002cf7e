// Package mirror reads the local sync folder that mirrors a remote
// namespace.
package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// Inspector enumerates local sync folder entries.
type Inspector struct {
	fs afero.Fs
}

// NewInspector returns an Inspector over fs. A nil fs means the OS
// filesystem.
func NewInspector(fs afero.Fs) *Inspector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Inspector{fs: fs}
}

// Fs returns the underlying filesystem.
func (i *Inspector) Fs() afero.Fs {
	return i.fs
}

// List returns the entries of localPath, directories first, each group
// sorted by name. A path that does not exist, or that is not a directory,
// yields an empty listing. Any other read failure is a *LocalAccessError.
func (i *Inspector) List(ctx context.Context, localPath string) ([]models.LocalItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := i.fs.Stat(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &models.LocalAccessError{Path: localPath, Err: err}
	}
	if !info.IsDir() {
		return nil, nil
	}

	entries, err := afero.ReadDir(i.fs, localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &models.LocalAccessError{Path: localPath, Err: err}
	}

	items := make([]models.LocalItem, 0, len(entries))
	for _, e := range entries {
		// Hidden files are editor and VCS state, never mirrored items.
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		items = append(items, models.LocalItem{
			Name:    e.Name(),
			Path:    filepath.Join(localPath, e.Name()),
			IsDir:   e.IsDir(),
			Size:    e.Size(),
			ModTime: e.ModTime(),
		})
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].IsDir != items[b].IsDir {
			return items[a].IsDir
		}
		return items[a].Name < items[b].Name
	})
	return items, nil
}

// Layout maps namespace paths to paths inside the local sync folder.
type Layout struct {
	Root      string // local sync folder
	Subfolder string // per-namespace subfolder, may be empty
}

// Enabled reports whether the namespace has a local mirror.
func (l Layout) Enabled() bool {
	return l.Root != ""
}

// LocalPath returns the OS path mirroring the namespace path p.
func (l Layout) LocalPath(p string) string {
	parts := append([]string{l.Root, l.Subfolder}, tree.Segments(p)...)
	return filepath.Join(parts...)
}
