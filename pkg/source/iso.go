package source

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"
)

type isoImage struct {
	tree
	f     afero.File
	files map[string]*iso9660.File
}

// OpenISO indexes an ISO 9660 image.
func OpenISO(p string) (Image, error) {
	f, err := FS.Open(p)
	if err != nil {
		return nil, err
	}
	img, err := iso9660.OpenImage(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot open %s as ISO 9660: %w", p, err)
	}
	root, err := img.RootDir()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot read root directory of %s: %w", p, err)
	}

	res := &isoImage{f: f, files: make(map[string]*iso9660.File)}
	if err := res.index(root, ""); err != nil {
		f.Close()
		return nil, fmt.Errorf("cannot index %s: %w", p, err)
	}
	res.sort()
	return res, nil
}

// isoName strips the file version and the empty extension ISO 9660 adds
// to plain identifiers.
func isoName(name string) string {
	if idx := strings.LastIndex(name, ";"); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSuffix(name, ".")
}

func (img *isoImage) index(dir *iso9660.File, prefix string) error {
	children, err := dir.GetChildren()
	if err != nil {
		return err
	}
	for _, c := range children {
		name := isoName(c.Name())
		if name == "" || name == "\x00" || name == "\x01" {
			continue
		}
		p := name
		if prefix != "" {
			p = prefix + "/" + name
		}
		if c.IsDir() {
			img.add(Entry{Path: p, IsDir: true})
			if err := img.index(c, p); err != nil {
				return err
			}
			continue
		}
		img.add(Entry{Path: p, Size: c.Size()})
		img.files[strings.ToLower(p)] = c
	}
	return nil
}

// Open looks name up case-insensitively, like ISO 9660 readers do.
func (img *isoImage) Open(name string) (io.ReadCloser, error) {
	f, ok := img.files[strings.ToLower(cleanName(name))]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return io.NopCloser(f.Reader()), nil
}

func (img *isoImage) Close() error {
	return img.f.Close()
}
