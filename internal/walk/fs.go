package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// DocumentExts lists the extensions the audit backend accepts.
var DocumentExts = []string{".pdf", ".xlsx", ".xls"}

// Entry is a regular file found in an inbox.
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Documents walks dir recursively and yields every regular file with one of
// exts, compared case insensitively. No exts means DocumentExts.
func Documents(ctx context.Context, dir string, exts ...string) iter.Seq2[Entry, error] {
	if len(exts) == 0 {
		exts = DocumentExts
	}
	return func(yield func(Entry, error) bool) {
		for entry, err := range FS(ctx, os.DirFS(dir), dir) {
			if err == nil && !hasExt(entry.Path(), exts) {
				continue
			}
			if !yield(entry, err) {
				return
			}
		}
	}
}

func hasExt(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// FS recursively walks the filesystem rooted at root and returns a handle for every regular file found,
// or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, path),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
