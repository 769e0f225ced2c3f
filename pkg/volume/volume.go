// Package volume gives file level access to a mounted volume.
package volume

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// FS is the file level view of a mounted volume. Paths are slash separated
// and relative to the volume root.
type FS interface {
	MkdirAll(name string) error
	Create(name string) (io.WriteCloser, error)
	Open(name string) (io.ReadCloser, error)
	// Size returns the size of a file, an error wrapping os.ErrNotExist if
	// it is missing.
	Size(name string) (int64, error)
	// Allocate creates a file of a fixed size.
	Allocate(name string, size int64) error
}

// Provider resolves a mount path to its FS.
type Provider interface {
	OpenFS(mountPath string) (FS, error)
}

// Clean normalizes a path to the slash separated form used by FS.
func Clean(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return path.Clean("/" + name)
}

type aferoFS struct {
	fs afero.Fs
}

// NewAferoFS wraps an afero filesystem.
func NewAferoFS(fs afero.Fs) FS {
	return &aferoFS{fs: fs}
}

func (a *aferoFS) MkdirAll(name string) error {
	return a.fs.MkdirAll(Clean(name), 0755)
}

func (a *aferoFS) Create(name string) (io.WriteCloser, error) {
	name = Clean(name)
	if dir := path.Dir(name); dir != "/" {
		if err := a.fs.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return a.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

func (a *aferoFS) Open(name string) (io.ReadCloser, error) {
	return a.fs.Open(Clean(name))
}

func (a *aferoFS) Size(name string) (int64, error) {
	fi, err := a.fs.Stat(Clean(name))
	if err != nil {
		return 0, err
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%s is a directory", name)
	}
	return fi.Size(), nil
}

func (a *aferoFS) Allocate(name string, size int64) error {
	w, err := a.Create(name)
	if err != nil {
		return err
	}
	f, ok := w.(afero.File)
	if !ok {
		w.Close()
		return errors.New("cannot truncate file")
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// OSProvider serves mounted volumes of the running OS.
type OSProvider struct{}

func (OSProvider) OpenFS(mountPath string) (FS, error) {
	if _, err := os.Stat(mountPath); err != nil {
		return nil, fmt.Errorf("cannot access volume %s: %w", mountPath, err)
	}
	return NewAferoFS(afero.NewBasePathFs(afero.NewOsFs(), mountPath)), nil
}
