// Package vfs defines the file access contract used to demand-load region
// contents and provides an in-memory implementation of it.
package vfs

import (
	"fmt"
	"io"

	"github.com/Nils-TUD/Escape-sub006/kernel"
)

var (
	// ErrNoSuchInode is returned when opening an inode that does not exist.
	ErrNoSuchInode = &kernel.Error{Module: "vfs", Message: "no such inode"}
)

// BinDesc identifies the on-disk file that backs a region. Two regions are
// backed by the same binary if all fields match.
type BinDesc struct {
	Ino     uint64
	Dev     uint64
	ModTime int64
}

// Valid returns true if the descriptor refers to a file.
func (b BinDesc) Valid() bool {
	return b.Ino != 0
}

func (b BinDesc) String() string {
	return fmt.Sprintf("ino=%d dev=%d modified=%d", b.Ino, b.Dev, b.ModTime)
}

// File is an open file.
type File interface {
	io.ReaderAt
	io.Closer

	// Stat returns the descriptor of the file, including its current
	// modification time.
	Stat() (BinDesc, error)
}

// FS opens files by inode.
type FS interface {
	OpenInode(ino, dev uint64) (File, error)
}
