//go:build linux

// Package hostfs serves region backing files straight from the host file
// system.
package hostfs

import (
	"sync"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/go-errors/errors"
	"golang.org/x/sys/unix"
)

var errInodeChanged = &kernel.Error{Module: "hostfs", Message: "registered path now refers to a different inode"}

type inodeKey struct {
	ino uint64
	dev uint64
}

// FS resolves inodes to host paths that were registered with Register.
type FS struct {
	mutex sync.RWMutex
	paths map[inodeKey]string
}

// New returns an empty host file system.
func New() *FS {
	return &FS{paths: make(map[inodeKey]string)}
}

// Register makes the file at path available through OpenInode and returns
// its descriptor.
func (fs *FS) Register(path string) (vfs.BinDesc, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return vfs.BinDesc{}, errors.WrapPrefix(err, "stat "+path, 0)
	}

	bin := descFromStat(&st)
	fs.mutex.Lock()
	fs.paths[inodeKey{bin.Ino, bin.Dev}] = path
	fs.mutex.Unlock()

	kfmt.Logger("hostfs").WithField("path", path).WithField("bin", bin).Debug("registered host file")
	return bin, nil
}

// OpenInode implements vfs.FS.
func (fs *FS) OpenInode(ino, dev uint64) (vfs.File, error) {
	fs.mutex.RLock()
	path, ok := fs.paths[inodeKey{ino, dev}]
	fs.mutex.RUnlock()
	if !ok {
		return nil, vfs.ErrNoSuchInode
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.WrapPrefix(err, "open "+path, 0)
	}

	f := &file{fd: fd}
	bin, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if bin.Ino != ino || bin.Dev != dev {
		f.Close()
		return nil, errInodeChanged
	}
	return f, nil
}

type file struct {
	fd int
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	var read int
	for read < len(p) {
		n, err := unix.Pread(f.fd, p[read:], off+int64(read))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return read, errors.Wrap(err, 0)
		}
		if n == 0 {
			break
		}
		read += n
	}
	return read, nil
}

func (f *file) Stat() (vfs.BinDesc, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return vfs.BinDesc{}, errors.Wrap(err, 0)
	}
	return descFromStat(&st), nil
}

func (f *file) Close() error {
	return unix.Close(f.fd)
}

func descFromStat(st *unix.Stat_t) vfs.BinDesc {
	return vfs.BinDesc{
		Ino:     uint64(st.Ino),
		Dev:     uint64(st.Dev),
		ModTime: st.Mtim.Nano(),
	}
}
