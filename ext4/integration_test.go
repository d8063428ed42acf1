package ext4_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-ext4/backend"
	"github.com/diskfs/go-ext4/ext4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const imageSize int64 = 64 * 1024 * 1024

// newImageFilesystem builds a filesystem on a backing file under a
// temporary directory and returns both.
func newImageFilesystem(t *testing.T) (*ext4.FileSystem, backend.Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	dev, err := backend.CreateFile(path, imageSize)
	require.NoError(t, err, "failed to create the backing file")
	fs, err := ext4.Create(dev, imageSize, 0, 0, nil)
	require.NoError(t, err, "failed to create the filesystem")
	return fs, dev, path
}

func TestImageLifecycle(t *testing.T) {
	fs, dev, path := newImageFilesystem(t)

	// build a small tree with one of everything
	docs, err := fs.MkdirIn(ext4.RootInode, "docs", 0o755)
	require.NoError(t, err)
	readme, err := fs.CreateIn(docs, "readme.md", 0o644)
	require.NoError(t, err)
	content := bytes.Repeat([]byte("all work and no play makes jack a dull boy\n"), 100)
	_, err = fs.WriteFileAt(readme, content, 0)
	require.NoError(t, err)
	_, err = fs.Symlink(ext4.RootInode, "latest", "docs/readme.md")
	require.NoError(t, err)
	err = fs.LinkIn(docs, "readme.txt", readme)
	require.NoError(t, err)
	err = fs.SetXattr(readme, "user.origin", []byte("integration"))
	require.NoError(t, err)
	require.NoError(t, dev.Sync())
	require.NoError(t, dev.Close())

	// everything must survive closing and reopening the image file
	dev2, err := backend.Open(path)
	require.NoError(t, err, "failed to reopen the image")
	defer dev2.Close()
	fs2, err := ext4.Read(dev2, imageSize, 0, 0)
	require.NoError(t, err, "failed to read back the filesystem")

	ino, err := fs2.Lookup(ext4.RootInode, "docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, readme, ino, "the file kept its inode number")

	stat, err := fs2.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), stat.Size)
	assert.EqualValues(t, 2, stat.Links, "the hard link survived")

	got := make([]byte, stat.Size)
	_, err = fs2.ReadFileAt(ino, got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, content), "content survived the round trip")

	target, err := fs2.Readlink(mustLookup(t, fs2, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.md", target)

	value, err := fs2.GetXattr(ino, "user.origin")
	require.NoError(t, err)
	assert.Equal(t, []byte("integration"), value)
}

func mustLookup(t *testing.T, fs *ext4.FileSystem, path string) uint32 {
	t.Helper()
	ino, err := fs.Lookup(ext4.RootInode, path)
	require.NoError(t, err, "failed to resolve %s", path)
	return ino
}

func TestImagePopulateFromHost(t *testing.T) {
	fs, dev, _ := newImageFilesystem(t)
	defer dev.Close()

	// a host tree with nested directories, content and a symlink
	hostDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(hostDir, "etc", "conf.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "etc", "hostname"), []byte("testhost\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hostDir, "etc", "conf.d", "net"), []byte("iface=eth0\n"), 0o600))
	require.NoError(t, os.Symlink("etc/hostname", filepath.Join(hostDir, "hostname")))

	require.NoError(t, fs.PopulateFromHost(ext4.RootInode, hostDir))

	ino := mustLookup(t, fs, "etc/hostname")
	stat, err := fs.Getattr(ino)
	require.NoError(t, err)
	assert.EqualValues(t, 0o644, stat.Mode&0o777)
	got := make([]byte, stat.Size)
	_, err = fs.ReadFileAt(ino, got, 0)
	require.NoError(t, err)
	assert.Equal(t, "testhost\n", string(got))

	netIno := mustLookup(t, fs, "etc/conf.d/net")
	netStat, err := fs.Getattr(netIno)
	require.NoError(t, err)
	assert.EqualValues(t, 0o600, netStat.Mode&0o777)

	target, err := fs.Readlink(mustLookup(t, fs, "hostname"))
	require.NoError(t, err)
	assert.Equal(t, "etc/hostname", target)
}

func TestImageSnapshotCompressed(t *testing.T) {
	fs, dev, _ := newImageFilesystem(t)

	ino, err := fs.CreateIn(ext4.RootInode, "kept.txt", 0o644)
	require.NoError(t, err)
	_, err = fs.WriteFileAt(ino, []byte("compressed and back"), 0)
	require.NoError(t, err)
	require.NoError(t, dev.Sync())

	// snapshot the image compressed, then open it straight from the archive
	archive := filepath.Join(t.TempDir(), "image.img.gz")
	require.NoError(t, backend.Snapshot(dev, archive, &backend.CodecGzip{}))
	require.NoError(t, dev.Close())

	dev2, err := backend.Open(archive, backend.WithReadOnly())
	require.NoError(t, err, "failed to open the compressed image")
	defer dev2.Close()
	fs2, err := ext4.Read(dev2, imageSize, 0, 0)
	require.NoError(t, err)

	got := make([]byte, 19)
	_, err = fs2.ReadFileAt(mustLookup(t, fs2, "kept.txt"), got, 0)
	require.NoError(t, err)
	assert.Equal(t, "compressed and back", string(got))
}
