package ext4

import "sync"

// Locked serializes every operation on a FileSystem behind one mutex, so
// multiple goroutines can share it without further coordination. Reads
// serialize too, a read racing a mutation would otherwise see a directory
// block and its inode from different moments.
type Locked struct {
	mu sync.Mutex
	fs *FileSystem
}

// NewLocked wraps fs. The caller must stop using fs directly, unguarded
// calls would bypass the mutex.
func NewLocked(fs *FileSystem) *Locked {
	return &Locked{fs: fs}
}

func (l *Locked) Label() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Label()
}

func (l *Locked) UUID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.UUID()
}

func (l *Locked) SetLabel(label string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.SetLabel(label)
}

func (l *Locked) LookupEntry(parent uint32, name string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.LookupEntry(parent, name)
}

func (l *Locked) ListDir(dir uint32) ([]DirEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.ListDir(dir)
}

func (l *Locked) CreateIn(parent uint32, name string, mode uint16) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.CreateIn(parent, name, mode)
}

func (l *Locked) MkdirIn(parent uint32, name string, mode uint16) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.MkdirIn(parent, name, mode)
}

func (l *Locked) RemoveIn(parent uint32, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.RemoveIn(parent, name)
}

func (l *Locked) LinkIn(parent uint32, name string, target uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.LinkIn(parent, name, target)
}

func (l *Locked) RenameIn(parent uint32, name string, newParent uint32, newName string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.RenameIn(parent, name, newParent, newName)
}

func (l *Locked) RenameExchange(parentA uint32, nameA string, parentB uint32, nameB string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.RenameExchange(parentA, nameA, parentB, nameB)
}

func (l *Locked) ReadFileAt(ino uint32, b []byte, offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.ReadFileAt(ino, b, offset)
}

func (l *Locked) WriteFileAt(ino uint32, b []byte, offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.WriteFileAt(ino, b, offset)
}

func (l *Locked) Symlink(parent uint32, name, target string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Symlink(parent, name, target)
}

func (l *Locked) Readlink(ino uint32) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Readlink(ino)
}

func (l *Locked) Mknod(parent uint32, name string, mode uint16, dev uint32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Mknod(parent, name, mode, dev)
}

func (l *Locked) Getattr(ino uint32) (Stat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Getattr(ino)
}

func (l *Locked) Setattr(ino uint32, attr *SetAttr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Setattr(ino, attr)
}

func (l *Locked) GetXattr(ino uint32, name string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.GetXattr(ino, name)
}

func (l *Locked) SetXattr(ino uint32, name string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.SetXattr(ino, name, value)
}

func (l *Locked) ListXattrs(ino uint32) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.ListXattrs(ino)
}

func (l *Locked) RemoveXattr(ino uint32, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.RemoveXattr(ino, name)
}

func (l *Locked) Lookup(root uint32, path string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Lookup(root, path)
}

func (l *Locked) Create(root uint32, path string, mode uint16) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Create(root, path, mode)
}

func (l *Locked) Remove(root uint32, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Remove(root, path)
}

func (l *Locked) Rename(root uint32, src, dst string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.Rename(root, src, dst)
}

func (l *Locked) PopulateFromHost(root uint32, hostDir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fs.PopulateFromHost(root, hostDir)
}
