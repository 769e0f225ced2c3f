package volume_test

import (
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/pkg/volume"
)

func TestClean(t *testing.T) {
	assert.Equal(t, "/sources/install.wim", volume.Clean(`sources\install.wim`))
	assert.Equal(t, "/efi/boot", volume.Clean("/efi/boot/"))
	assert.Equal(t, "/", volume.Clean(""))
}

func TestAferoFS(t *testing.T) {
	fs := volume.NewAferoFS(afero.NewMemMapFs())

	w, err := fs.Create("efi/boot/bootx64.efi")
	require.NoError(t, err)
	_, err = w.Write([]byte("MZ"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err := fs.Size("/efi/boot/bootx64.efi")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	r, err := fs.Open("/efi/boot/bootx64.efi")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "MZ", string(data))

	_, err = fs.Size("missing")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = fs.Size("efi")
	assert.Error(t, err)
}

func TestAferoFSAllocate(t *testing.T) {
	fs := volume.NewAferoFS(afero.NewMemMapFs())
	require.NoError(t, fs.Allocate("casper-rw", 1<<20))

	size, err := fs.Size("casper-rw")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), size)
}

func TestOSProvider(t *testing.T) {
	dir := t.TempDir()
	fs, err := volume.OSProvider{}.OpenFS(dir)
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("boot"))

	_, err = os.Stat(dir + "/boot")
	assert.NoError(t, err)

	_, err = volume.OSProvider{}.OpenFS(dir + "/missing")
	assert.Error(t, err)
}
