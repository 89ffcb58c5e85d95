package vfs

import (
	"io"
	"testing"
)

func TestMemFS(t *testing.T) {
	fs := NewMemFS()
	bin := fs.Create("init", []byte("hello world"))

	if !bin.Valid() {
		t.Fatal("expected a valid descriptor")
	}

	if got, ok := fs.Lookup("init"); !ok || got != bin {
		t.Fatalf("expected lookup to return %v; got %v", bin, got)
	}

	f, err := fs.OpenInode(bin.Ino, bin.Dev)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 6)
	if err != io.EOF || n != 5 || string(buf[:n]) != "world" {
		t.Fatalf("expected short read of %q with io.EOF; got %q (%v)", "world", buf[:n], err)
	}

	if fs.Reads() != 1 {
		t.Fatalf("expected 1 read; got %d", fs.Reads())
	}

	fs.Touch("init")
	st, _ := f.Stat()
	if st.ModTime == bin.ModTime {
		t.Fatal("expected modification time to change")
	}

	if _, err = fs.OpenInode(42, bin.Dev); err != ErrNoSuchInode {
		t.Fatalf("expected ErrNoSuchInode; got %v", err)
	}
}
