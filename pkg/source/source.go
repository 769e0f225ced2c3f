// Package source reads the content of an operating system image: either an
// ISO 9660 file or an unpacked directory tree. Beyond listing and reading
// files it only offers raw access to the image bytes.
package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FS is the filesystem sources are opened from. It is swapped in tests.
var FS afero.Fs = afero.NewOsFs()

var ErrUnsupported = errors.New("unsupported source image")

// Entry is a file or directory of an image. Path is slash separated and
// relative to the image root.
type Entry struct {
	Path  string
	Size  int64
	IsDir bool
}

// Image is an opened source.
type Image interface {
	// Walk visits every entry, parents before their children, siblings
	// sorted by name.
	Walk(fn func(Entry) error) error
	Open(name string) (io.ReadCloser, error)
	// TotalSize is the sum of all file sizes.
	TotalSize() int64
	Close() error
}

// Open detects the kind of source at p.
func Open(p string) (Image, error) {
	fi, err := FS.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return OpenDir(FS, p)
	}

	isISO, err := looksLikeISO(p)
	if err != nil {
		return nil, err
	}
	if isISO {
		return OpenISO(p)
	}
	return nil, fmt.Errorf("%w: %s is neither a directory nor an ISO 9660 image", ErrUnsupported, p)
}

// isoMagicOffset is where the first volume descriptor carries "CD001".
const isoMagicOffset = 16*2048 + 1

func looksLikeISO(p string) (bool, error) {
	f, err := FS.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, 5)
	if _, err := f.ReadAt(magic, isoMagicOffset); err != nil {
		// too short to hold a volume descriptor
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return string(magic) == "CD001", nil
}

// OpenRaw opens the image file itself for a block for block copy.
func OpenRaw(p string) (io.ReadCloser, int64, error) {
	f, err := FS.Open(p)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory, raw writes need an image file", ErrUnsupported, p)
	}
	return f, fi.Size(), nil
}

// tree is the index shared by both image kinds.
type tree struct {
	entries []Entry
	total   int64
}

func (t *tree) add(e Entry) {
	t.entries = append(t.entries, e)
	if !e.IsDir {
		t.total += e.Size
	}
}

func (t *tree) sort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Path < t.entries[j].Path
	})
}

func (t *tree) Walk(fn func(Entry) error) error {
	for _, e := range t.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (t *tree) TotalSize() int64 {
	return t.total
}

// cleanName turns a user or image supplied name into the form used in
// Entry.Path.
func cleanName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

type dirImage struct {
	tree
	fs afero.Fs
}

// OpenDir indexes a directory tree.
func OpenDir(fs afero.Fs, root string) (Image, error) {
	img := &dirImage{fs: afero.NewBasePathFs(fs, root)}
	err := afero.Walk(img.fs, "/", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		name := cleanName(p)
		if name == "" {
			return nil
		}
		img.add(Entry{Path: name, Size: fi.Size(), IsDir: fi.IsDir()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot index %s: %w", root, err)
	}
	img.sort()
	return img, nil
}

func (d *dirImage) Open(name string) (io.ReadCloser, error) {
	return d.fs.Open("/" + cleanName(name))
}

func (d *dirImage) Close() error {
	return nil
}
