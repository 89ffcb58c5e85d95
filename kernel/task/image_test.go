package task

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/go-errors/errors"
)

// buildELF assembles a little-endian ELF64 executable of the supplied size
// that consists of a header and the program headers in progs.
func buildELF(t *testing.T, entry uint64, progs []elf.Prog64, size int) []byte {
	t.Helper()

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     uint16(len(progs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, progs); err != nil {
		t.Fatal(err)
	}

	out := make([]byte, size)
	copy(out, buf.Bytes())
	return out
}

// linkerProgs returns the read-only, text, read-only, data sequence that
// linkers emit for position-dependent executables.
func linkerProgs() []elf.Prog64 {
	return []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), Off: 0, Vaddr: 0x400000, Filesz: 0x318, Memsz: 0x318, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: 0x1000, Vaddr: 0x401000, Filesz: 0x1800, Memsz: 0x1800, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), Off: 0x3000, Vaddr: 0x403000, Filesz: 0x400, Memsz: 0x400, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: 0x3e10, Vaddr: 0x404e10, Filesz: 0x200, Memsz: 0x300, Align: 0x1000},
	}
}

func sampleProgs() []elf.Prog64 {
	return []elf.Prog64{
		{Type: uint32(elf.PT_NOTE), Flags: uint32(elf.PF_R), Off: 0x200, Vaddr: 0x200, Filesz: 0x20, Memsz: 0x20},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: 0x1000, Vaddr: 0x1000, Filesz: 0x1000, Memsz: 0x1000, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R), Off: 0x2000, Vaddr: 0x2000, Filesz: 0x800, Memsz: 0x800, Align: 0x1000},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: 0x3100, Vaddr: 0x403100, Filesz: 0x200, Memsz: 0x2000, Align: 0x1000},
	}
}

func TestLoadELF(t *testing.T) {
	bin := vfs.BinDesc{Ino: 7, Dev: 1}

	t.Run("success", func(t *testing.T) {
		img, err := LoadELF(bytes.NewReader(buildELF(t, 0x1000, sampleProgs(), 0x4000)), bin)
		if err != nil {
			t.Fatal(err)
		}

		if img.EntryOffset != 0 || img.Binary != bin {
			t.Fatalf("expected entry offset 0 for %s; got %#x for %s", bin, img.EntryOffset, img.Binary)
		}

		exp := []Segment{
			{Type: vmm.TypeText, Offset: 0x1000, Size: 0x1000, LoadCount: 0x1000},
			{Type: vmm.TypeRodata, Offset: 0x2000, Size: 0x800, LoadCount: 0x800},
			{Type: vmm.TypeData, Offset: 0x3000, Size: 0x2100, LoadCount: 0x300},
		}
		if len(img.Segments) != len(exp) {
			t.Fatalf("expected %d segments; got %d", len(exp), len(img.Segments))
		}
		for i, seg := range img.Segments {
			if seg != exp[i] {
				t.Errorf("[segment %d] expected %+v; got %+v", i, exp[i], seg)
			}
		}
	})

	t.Run("linker layout", func(t *testing.T) {
		img, err := LoadELF(bytes.NewReader(buildELF(t, 0x401100, linkerProgs(), 0x5000)), bin)
		if err != nil {
			t.Fatal(err)
		}

		if img.EntryOffset != 0x100 {
			t.Fatalf("expected entry offset 0x100; got %#x", img.EntryOffset)
		}

		exp := []Segment{
			{Type: vmm.TypeText, Offset: 0x1000, Size: 0x1800, LoadCount: 0x1800},
			{Type: vmm.TypeRodata, Offset: 0, Size: 0x3400, LoadCount: 0x3400},
			{Type: vmm.TypeData, Offset: 0x3000, Size: 0x1110, LoadCount: 0x1010},
		}
		if len(img.Segments) != len(exp) {
			t.Fatalf("expected %d segments; got %d", len(exp), len(img.Segments))
		}
		for i, seg := range img.Segments {
			if seg != exp[i] {
				t.Errorf("[segment %d] expected %+v; got %+v", i, exp[i], seg)
			}
		}
	})

	t.Run("entry outside of text", func(t *testing.T) {
		_, err := LoadELF(bytes.NewReader(buildELF(t, 0x403000, linkerProgs(), 0x5000)), bin)
		if !errors.Is(err, errBadEntry) {
			t.Fatalf("expected errBadEntry; got %v", err)
		}
	})

	t.Run("overlapping segments of one kind", func(t *testing.T) {
		progs := linkerProgs()
		progs[2].Off, progs[2].Vaddr = 0x200, 0x400200
		_, err := LoadELF(bytes.NewReader(buildELF(t, 0x401100, progs, 0x5000)), bin)
		if !errors.Is(err, errBadSegment) {
			t.Fatalf("expected errBadSegment; got %v", err)
		}
	})

	t.Run("misaligned segment", func(t *testing.T) {
		progs := sampleProgs()
		progs[3].Off = 0x3000
		_, err := LoadELF(bytes.NewReader(buildELF(t, 0x1000, progs, 0x4000)), bin)
		if !errors.Is(err, errBadSegment) {
			t.Fatalf("expected errBadSegment; got %v", err)
		}
	})

	t.Run("no loadable segments", func(t *testing.T) {
		_, err := LoadELF(bytes.NewReader(buildELF(t, 0x1000, sampleProgs()[:1], 0x1000)), bin)
		if err != errNoLoadSegments {
			t.Fatalf("expected errNoLoadSegments; got %v", err)
		}
	})

	t.Run("not an ELF file", func(t *testing.T) {
		if _, err := LoadELF(bytes.NewReader([]byte("#!/bin/sh\n")), bin); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestSpawnELF(t *testing.T) {
	k, fs := newKernel(t)

	content := buildELF(t, 0x1000, sampleProgs(), 0x4000)
	copy(content[0x1000:0x2000], bytes.Repeat([]byte{0xc3}, int(mm.PageSize)))
	copy(content[0x3100:], "initialized")
	bin := fs.Create("prog", content)

	f, err := fs.OpenInode(bin.Ino, bin.Dev)
	if err != nil {
		t.Fatal(err)
	}
	img, err := LoadELF(f, bin)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	p, _, err := k.Spawn("prog", img)
	if err != nil {
		t.Fatal(err)
	}
	k.MMU.Activate(p.PDir)

	buf := make([]byte, 4)
	if err = k.VMM.CopyFromUser(p, 0x1ffc, buf); err != nil || !bytes.Equal(buf, []byte{0xc3, 0xc3, 0xc3, 0xc3}) {
		t.Fatalf("expected text bytes; got %x, %v", buf, err)
	}

	data := dataAddr(t, k, p)
	buf = make([]byte, 11)
	if err = k.VMM.CopyFromUser(p, data+0x100, buf); err != nil || string(buf) != "initialized" {
		t.Fatalf("expected initialized data; got %q, %v", buf, err)
	}

	// the file ends within the second data page; the rest reads as zero
	if err = k.VMM.CopyFromUser(p, data+0x2000, buf[:1]); err != nil || buf[0] != 0 {
		t.Fatalf("expected zero-filled data; got %x, %v", buf[:1], err)
	}
}

func TestSpawnLinkerLayout(t *testing.T) {
	k, fs := newKernel(t)

	content := buildELF(t, 0x401100, linkerProgs(), 0x5000)
	content[0x1100] = 0xc3
	copy(content[0x3000:], "rodata")
	copy(content[0x3e10:], "initialized")
	bin := fs.Create("linked", content)

	f, err := fs.OpenInode(bin.Ino, bin.Dev)
	if err != nil {
		t.Fatal(err)
	}
	img, err := LoadELF(f, bin)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}

	p, th, err := k.Spawn("linked", img)
	if err != nil {
		t.Fatal(err)
	}
	k.MMU.Activate(p.PDir)

	entry := k.EntryPoint(img)
	if outcome := k.HandleFault(th, entry, false); outcome != FaultResolved {
		t.Fatalf("expected the entry point to be loadable; got %s", outcome)
	}
	buf := make([]byte, 11)
	if err = k.VMM.CopyFromUser(p, entry, buf[:1]); err != nil || buf[0] != 0xc3 {
		t.Fatalf("expected the instruction at the entry point; got %x, %v", buf[:1], err)
	}

	rodata, _, ok := k.VMM.RegRange(p, vmm.SlotRodata, false)
	if !ok {
		t.Fatal("expected a single rodata region")
	}
	if err = k.VMM.CopyFromUser(p, rodata+0x3000, buf[:6]); err != nil || string(buf[:6]) != "rodata" {
		t.Fatalf("expected the second read-only segment; got %q, %v", buf[:6], err)
	}

	data := dataAddr(t, k, p)
	if err = k.VMM.CopyFromUser(p, data+0xe10, buf); err != nil || string(buf) != "initialized" {
		t.Fatalf("expected initialized data; got %q, %v", buf, err)
	}
}
