package vfs

import (
	"io"
	"sync"
	"sync/atomic"
)

// memDev is the device number reported for all MemFS files.
const memDev = 1

// MemFS is an in-memory file system. It counts the number of read calls so
// that callers can observe how often backing files are accessed.
type MemFS struct {
	mutex   sync.RWMutex
	files   map[uint64]*memFile
	byName  map[string]uint64
	nextIno uint64
	clock   int64

	reads atomic.Uint64
}

type memFile struct {
	data    []byte
	modTime int64
}

// NewMemFS returns an empty file system.
func NewMemFS() *MemFS {
	return &MemFS{
		files:   make(map[uint64]*memFile),
		byName:  make(map[string]uint64),
		nextIno: 1,
	}
}

// Create stores a new file (or replaces the contents of an existing one)
// and returns its descriptor.
func (fs *MemFS) Create(name string, data []byte) BinDesc {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	ino, ok := fs.byName[name]
	if !ok {
		ino = fs.nextIno
		fs.nextIno++
		fs.byName[name] = ino
	}

	fs.clock++
	fs.files[ino] = &memFile{data: append([]byte(nil), data...), modTime: fs.clock}
	return BinDesc{Ino: ino, Dev: memDev, ModTime: fs.clock}
}

// Lookup returns the descriptor of the named file.
func (fs *MemFS) Lookup(name string) (BinDesc, bool) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	ino, ok := fs.byName[name]
	if !ok {
		return BinDesc{}, false
	}
	return BinDesc{Ino: ino, Dev: memDev, ModTime: fs.files[ino].modTime}, true
}

// Touch advances the modification time of the named file.
func (fs *MemFS) Touch(name string) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	if ino, ok := fs.byName[name]; ok {
		fs.clock++
		fs.files[ino].modTime = fs.clock
	}
}

// Reads returns the number of ReadAt calls served so far.
func (fs *MemFS) Reads() uint64 {
	return fs.reads.Load()
}

// OpenInode implements FS.
func (fs *MemFS) OpenInode(ino, dev uint64) (File, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()

	if dev != memDev {
		return nil, ErrNoSuchInode
	}
	if _, ok := fs.files[ino]; !ok {
		return nil, ErrNoSuchInode
	}
	return &memHandle{fs: fs, ino: ino}, nil
}

type memHandle struct {
	fs  *MemFS
	ino uint64
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.fs.reads.Add(1)

	h.fs.mutex.RLock()
	defer h.fs.mutex.RUnlock()

	data := h.fs.files[h.ino].data
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) Stat() (BinDesc, error) {
	h.fs.mutex.RLock()
	defer h.fs.mutex.RUnlock()

	return BinDesc{Ino: h.ino, Dev: memDev, ModTime: h.fs.files[h.ino].modTime}, nil
}

func (h *memHandle) Close() error {
	return nil
}
