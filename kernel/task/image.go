package task

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/go-errors/errors"
)

// Segment is a part of a program image that becomes one region.
type Segment struct {
	Type vmm.Type

	// Offset is the position of the segment in the binary.
	Offset int64

	// Size is the size of the region in bytes; the first LoadCount bytes
	// come from the binary, the rest is zero-filled.
	Size      uintptr
	LoadCount uintptr
}

// Image describes a program that can be loaded into a process.
type Image struct {
	Binary vfs.BinDesc

	// EntryOffset is the position of the entry point relative to the start
	// of the text region.
	EntryOffset uintptr

	Segments []Segment
}

// LoadELF builds an image from the PT_LOAD program headers of the ELF file
// in r. Executable segments become text, writable ones data and all others
// read-only data. Segments of the same kind are merged into one region that
// spans all of them; the file has to map them linearly.
func LoadELF(r io.ReaderAt, bin vfs.BinDesc) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.WrapPrefix(err, "parse "+bin.String(), 0)
	}
	defer f.Close()

	var groups [vmm.TypeData + 1][]elf.ProgHeader
	for _, prog := range f.Progs {
		hdr := prog.ProgHeader
		if hdr.Type != elf.PT_LOAD || hdr.Memsz == 0 {
			continue
		}
		if hdr.Filesz > hdr.Memsz || hdr.Off&pageMask != hdr.Vaddr&pageMask {
			return nil, badSegment(hdr)
		}

		typ := segmentType(hdr.Flags)
		groups[typ] = append(groups[typ], hdr)
	}

	img := &Image{Binary: bin}
	hasText := false
	for typ, hdrs := range groups {
		if len(hdrs) == 0 {
			continue
		}
		seg, err := mergeSegments(vmm.Type(typ), hdrs)
		if err != nil {
			return nil, err
		}

		if seg.Type == vmm.TypeText {
			base := hdrs[0].Vaddr &^ pageMask
			if f.Entry < base || f.Entry >= base+uint64(seg.Size) {
				return nil, errors.WrapPrefix(errBadEntry, fmt.Sprintf("entry %#x", f.Entry), 0)
			}
			img.EntryOffset = uintptr(f.Entry - base)
			hasText = true
		}
		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, errNoLoadSegments
	}
	if !hasText {
		return nil, errors.WrapPrefix(errBadEntry, fmt.Sprintf("entry %#x", f.Entry), 0)
	}
	return img, nil
}

const pageMask = uint64(mm.PageSize - 1)

// mergeSegments turns the program headers of one kind into a single
// segment. Only the last of them may end with zero-filled memory.
func mergeSegments(typ vmm.Type, hdrs []elf.ProgHeader) (Segment, error) {
	first, last := hdrs[0], hdrs[len(hdrs)-1]
	for i, hdr := range hdrs {
		if hdr.Vaddr-hdr.Off != first.Vaddr-first.Off {
			return Segment{}, badSegment(hdr)
		}
		if i > 0 && hdr.Vaddr < hdrs[i-1].Vaddr+hdrs[i-1].Memsz {
			return Segment{}, badSegment(hdr)
		}
		if i < len(hdrs)-1 && hdr.Filesz != hdr.Memsz {
			return Segment{}, badSegment(hdr)
		}
	}

	skew := first.Vaddr & pageMask
	return Segment{
		Type:      typ,
		Offset:    int64(first.Off - skew),
		Size:      uintptr(last.Vaddr + last.Memsz - first.Vaddr + skew),
		LoadCount: uintptr(last.Off + last.Filesz - first.Off + skew),
	}, nil
}

func badSegment(hdr elf.ProgHeader) error {
	return errors.WrapPrefix(errBadSegment, fmt.Sprintf("segment at %#x", hdr.Vaddr), 0)
}

func segmentType(flags elf.ProgFlag) vmm.Type {
	switch {
	case flags&elf.PF_X != 0:
		return vmm.TypeText
	case flags&elf.PF_W != 0:
		return vmm.TypeData
	default:
		return vmm.TypeRodata
	}
}
