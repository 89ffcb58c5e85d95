package vmm

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
)

func TestAddPlacement(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "init")
	bin := e.fs.Create("init", bytes.Repeat([]byte{0x90}, int(4*mm.PageSize)))

	text, textVirt := e.add(t, p, bin, 3*mm.PageSize, 3*mm.PageSize, TypeText)
	rodata, rodataVirt := e.add(t, p, bin, mm.PageSize, mm.PageSize, TypeRodata)
	data, dataVirt := e.add(t, p, vfs.BinDesc{}, 2*mm.PageSize, 0, TypeData)
	bss, bssVirt := e.add(t, p, vfs.BinDesc{}, 2*mm.PageSize, 0, TypeBSS)
	stack1, _ := e.add(t, p, vfs.BinDesc{}, 4*mm.PageSize, 0, TypeStack)
	stack2, _ := e.add(t, p, vfs.BinDesc{}, 4*mm.PageSize, 0, TypeStack)
	shm, shmVirt := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeSHM)

	layout := e.vmm.Layout()
	specs := []struct {
		name     string
		rno      int
		expSlot  int
		virt     uintptr
		expVirt  uintptr
		expState region.PageState
	}{
		{"text", text, SlotText, textVirt, layout.TextBegin, region.PageDemandLoad},
		{"rodata", rodata, SlotRodata, rodataVirt, 0x4000, region.PageDemandLoad},
		{"data", data, SlotData, dataVirt, 0x5000, region.PagePresent},
		{"bss", bss, SlotBSS, bssVirt, 0x7000, region.PageDemandZero},
		{"shm", shm, SlotData + 3, shmVirt, layout.FreeAreaBegin, region.PagePresent},
	}
	for _, spec := range specs {
		if spec.rno != spec.expSlot || spec.virt != spec.expVirt {
			t.Errorf("[%s] expected slot %d at %#x; got slot %d at %#x", spec.name, spec.expSlot, spec.expVirt, spec.rno, spec.virt)
		}
		if got := stateOf(p, spec.rno, 0); got != spec.expState {
			t.Errorf("[%s] expected first page to be %s; got %s", spec.name, spec.expState, got)
		}
	}

	for i, a := range p.Regions {
		for j, b := range p.Regions {
			if i != j && a != nil && b != nil && a.Virt < b.End() && b.Virt < a.End() {
				t.Fatalf("expected slots %d and %d not to overlap", i, j)
			}
		}
	}

	if _, err := e.vmm.Add(p, bin, 0, mm.PageSize, mm.PageSize, TypeText); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap for a second text region; got %v", err)
	}

	t.Run("guard gap between stacks", func(t *testing.T) {
		for {
			if _, err := e.vmm.Grow(p, stack1, 1); err != nil {
				if err != ErrInvalidRange {
					t.Fatalf("expected ErrInvalidRange; got %v", err)
				}
				break
			}
		}

		lower, upper := p.Regions[stack2], p.Regions[stack1]
		if upper.Region.PageCount() != layout.MaxStackPages-2 {
			t.Fatalf("expected stack to stop at %d pages; got %d", layout.MaxStackPages-2, upper.Region.PageCount())
		}
		if upper.Virt < lower.End()+mm.PageSize {
			t.Fatalf("expected a guard page between %#x and %#x", lower.End(), upper.Virt)
		}
	})
}

func TestAddRemoveRestoresAccounting(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")
	bin := e.fs.Create("lib", bytes.Repeat([]byte{0xab}, int(2*mm.PageSize)))
	freeBefore := e.free()

	specs := []struct {
		typ       Type
		bin       vfs.BinDesc
		loadCount uintptr
	}{
		{TypeText, bin, 2 * mm.PageSize},
		{TypeRodata, bin, 2 * mm.PageSize},
		{TypeBSS, vfs.BinDesc{}, 0},
		{TypeData, bin, mm.PageSize},
		{TypeStack, vfs.BinDesc{}, 0},
		{TypeStackUp, vfs.BinDesc{}, 0},
		{TypeTLS, vfs.BinDesc{}, 0},
		{TypeSHM, vfs.BinDesc{}, 0},
		{TypeSHLibText, bin, 2 * mm.PageSize},
		{TypeSHLibData, bin, 2 * mm.PageSize},
		{TypeDLData, bin, mm.PageSize},
	}

	for _, spec := range specs {
		t.Run(spec.typ.String(), func(t *testing.T) {
			rno, virt := e.add(t, p, spec.bin, 2*mm.PageSize, spec.loadCount, spec.typ)
			if err := e.vmm.Pagefault(p, virt, false); err != nil {
				t.Fatal(err)
			}
			if p.OwnFrames()+p.SharedFrames() == 0 {
				t.Fatal("expected frames to be charged")
			}

			e.vmm.Remove(p, rno)
			expectFrames(t, p, 0, 0)
			if got := e.free(); got != freeBefore {
				t.Fatalf("expected free count %d; got %d", freeBefore, got)
			}
			if p.Regions != nil {
				t.Fatal("expected slot array to be released")
			}
		})
	}

	t.Run("device", func(t *testing.T) {
		virt, phys, err := e.vmm.AddPhys(p, 0x100000, 2*mm.PageSize, 0)
		if err != nil {
			t.Fatal(err)
		}
		if phys != 0x100000 || !e.mmu.IsPresent(p.PDir, virt+mm.PageSize) {
			t.Fatalf("expected device memory at %#x to be mapped; got %#x", uintptr(0x100000), phys)
		}
		if p.SharedFrames() != 2 {
			t.Fatalf("expected device frames to be charged as shared; got %d", p.SharedFrames())
		}

		e.vmm.Remove(p, e.vmm.RegionOf(p, virt))
		expectFrames(t, p, 0, 0)
		if got := e.free(); got != freeBefore {
			t.Fatalf("expected free count %d; got %d", freeBefore, got)
		}
	})

	t.Run("contiguous", func(t *testing.T) {
		virt, phys, err := e.vmm.AddPhys(p, 0, 4*mm.PageSize, 4*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		if phys == 0 || phys%(4*mm.PageSize) != 0 {
			t.Fatalf("expected an aligned physical address; got %#x", phys)
		}
		if got := e.mmu.FrameOf(p.PDir, virt+3*mm.PageSize); got != mm.FrameFromAddress(phys)+3 {
			t.Fatalf("expected frames to be contiguous; got frame %d", got)
		}

		e.vmm.Remove(p, e.vmm.RegionOf(p, virt))
		expectFrames(t, p, 0, 0)
		if got := e.free(); got != freeBefore {
			t.Fatalf("expected free count %d; got %d", freeBefore, got)
		}
	})
}

func TestAddOutOfMemory(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")
	freeBefore := e.free()

	// page tables fit, the stack frames do not
	e.alloc.budget = 4
	if _, err := e.vmm.Add(p, vfs.BinDesc{}, 0, 4*mm.PageSize, 0, TypeStack); err != mm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	e.alloc.budget = -1

	expectFrames(t, p, 0, 0)
	if got := e.free(); got != freeBefore {
		t.Fatalf("expected free count %d; got %d", freeBefore, got)
	}
	for rno := range p.Regions {
		if e.vmm.Exists(p, rno) {
			t.Fatalf("expected slot %d to be empty", rno)
		}
	}
}

func TestTextJoin(t *testing.T) {
	e := newEnv(t)
	content := append(bytes.Repeat([]byte("A"), int(mm.PageSize)), bytes.Repeat([]byte("B"), int(mm.PageSize))...)
	bin := e.fs.Create("shell", content)

	first, second := e.newProc(t, "sh1"), e.newProc(t, "sh2")
	_, virt := e.add(t, first, bin, 2*mm.PageSize, 2*mm.PageSize, TypeText)
	if err := e.vmm.Pagefault(first, virt, false); err != nil {
		t.Fatal(err)
	}
	reads := e.fs.Reads()

	e.mmu.Activate(second.PDir)
	rno, joinedVirt := e.add(t, second, bin, 2*mm.PageSize, 2*mm.PageSize, TypeText)
	if rno != SlotText || joinedVirt != virt {
		t.Fatalf("expected text to be joined at slot 0, %#x; got slot %d, %#x", virt, rno, joinedVirt)
	}
	if e.fs.Reads() != reads {
		t.Fatal("expected joining to reuse the loaded pages")
	}
	if regionIn(first, SlotText) != regionIn(second, SlotText) {
		t.Fatal("expected both processes to bind the same region")
	}
	if a, b := e.mmu.FrameOf(first.PDir, virt), e.mmu.FrameOf(second.PDir, virt); a != b {
		t.Fatalf("expected shared frame; got %d and %d", a, b)
	}
	expectFrames(t, second, 3, 1)

	// loading a page through one process maps it into all of them
	if err := e.vmm.Pagefault(first, virt+mm.PageSize, false); err != nil {
		t.Fatal(err)
	}
	if !e.mmu.IsPresent(second.PDir, virt+mm.PageSize) {
		t.Fatal("expected second page to be present in the joined process")
	}
	expectFrames(t, second, 3, 2)

	buf := make([]byte, 2)
	if err := e.vmm.CopyFromUser(second, virt+mm.PageSize-1, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "AB" {
		t.Fatalf("expected to read %q; got %q", "AB", buf)
	}

	e.vmm.RemoveAll(first, true)
	expectFrames(t, first, 0, 0)
	if err := e.vmm.CopyFromUser(second, virt, buf); err != nil || string(buf) != "AA" {
		t.Fatalf("expected text to stay readable after the first process left; got %q, %v", buf, err)
	}

	t.Run("modified binary is not joined", func(t *testing.T) {
		third := e.newProc(t, "sh3")
		e.mmu.Activate(third.PDir)
		e.fs.Touch("shell")
		newBin, _ := e.fs.Lookup("shell")

		e.add(t, third, newBin, 2*mm.PageSize, 2*mm.PageSize, TypeText)
		if regionIn(third, SlotText) == regionIn(second, SlotText) {
			t.Fatal("expected a new region for the modified binary")
		}
	})
}

func TestJoin(t *testing.T) {
	e := newEnv(t)
	owner, guest := e.newProc(t, "owner"), e.newProc(t, "guest")
	shm, _ := e.add(t, owner, vfs.BinDesc{}, 2*mm.PageSize, 0, TypeSHM)
	data, _ := e.add(t, owner, vfs.BinDesc{}, mm.PageSize, 0, TypeData)

	e.mmu.Activate(owner.PDir)
	ownerVirt, _, _ := e.vmm.RegRange(owner, shm, false)
	if err := e.vmm.CopyToUser(owner, ownerVirt, []byte("shared")); err != nil {
		t.Fatal(err)
	}

	rno, err := e.vmm.Join(owner, shm, guest)
	if err != nil {
		t.Fatal(err)
	}
	if rno <= SlotData {
		t.Fatalf("expected a dynamic slot; got %d", rno)
	}
	expectFrames(t, guest, 3, 2)

	e.mmu.Activate(guest.PDir)
	guestVirt, _, _ := e.vmm.RegRange(guest, rno, false)
	buf := make([]byte, 6)
	if err := e.vmm.CopyFromUser(guest, guestVirt, buf); err != nil || string(buf) != "shared" {
		t.Fatalf("expected to read shared memory; got %q, %v", buf, err)
	}

	if _, err := e.vmm.Join(owner, data, guest); err != errNotShareable {
		t.Fatalf("expected errNotShareable; got %v", err)
	}
	if _, err := e.vmm.Join(owner, 42, guest); err != errNoBinding {
		t.Fatalf("expected errNoBinding; got %v", err)
	}

	e.vmm.Remove(owner, shm)
	if got := regionIn(guest, rno).OwnerCount(); got != 1 {
		t.Fatalf("expected one owner; got %d", got)
	}
	e.vmm.Remove(guest, rno)
	expectFrames(t, guest, 0, 0)
}

func TestSetRegProt(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")
	e.mmu.Activate(p.PDir)
	data, virt := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeData)
	stack, _ := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeStack)

	if err := e.vmm.SetRegProt(p, data, false); err != nil {
		t.Fatal(err)
	}
	if err := e.vmm.CopyToUser(p, virt, []byte{1}); err != ErrNotResolvable {
		t.Fatalf("expected write to read-only region to fail; got %v", err)
	}

	if err := e.vmm.SetRegProt(p, data, true); err != nil {
		t.Fatal(err)
	}
	if err := e.vmm.CopyToUser(p, virt, []byte{1}); err != nil {
		t.Fatal(err)
	}

	if err := e.vmm.SetRegProt(p, stack, false); err != ErrSetProtImpossible {
		t.Fatalf("expected ErrSetProtImpossible; got %v", err)
	}
}

func TestQueries(t *testing.T) {
	e := newEnv(t)
	p, other := e.newProc(t, "p"), e.newProc(t, "other")
	bin := e.fs.Create("ld.so", bytes.Repeat([]byte{1}, int(mm.PageSize)))

	text, textVirt := e.add(t, p, bin, mm.PageSize, mm.PageSize, TypeText)
	dl, dlVirt := e.add(t, p, bin, 2*mm.PageSize, mm.PageSize, TypeDLData)
	e.add(t, other, vfs.BinDesc{}, mm.PageSize, 0, TypeData)

	if got := e.vmm.RegionOf(p, textVirt+10); got != text {
		t.Fatalf("expected slot %d; got %d", text, got)
	}
	if got := e.vmm.RegionOf(p, 0x50000000); got != -1 {
		t.Fatalf("expected no slot; got %d", got)
	}
	if start, end, ok := e.vmm.RegRange(p, dl, false); !ok || start != dlVirt || end != dlVirt+2*mm.PageSize {
		t.Fatalf("expected range [%#x, %#x); got [%#x, %#x)", dlVirt, dlVirt+2*mm.PageSize, start, end)
	}
	if got := e.vmm.HasBinary(p, bin); got != text {
		t.Fatalf("expected binary in slot %d; got %d", text, got)
	}
	if got := e.vmm.HasBinary(other, bin); got != -1 {
		t.Fatalf("expected binary not to be used; got %d", got)
	}
	if got := e.vmm.DLDataRegion(p); got != dl {
		t.Fatalf("expected dynamic linker data in slot %d; got %d", dl, got)
	}
	if got := e.vmm.DLDataRegion(other); got != -1 {
		t.Fatalf("expected no dynamic linker data; got %d", got)
	}

	th := p.NewThread()
	e.vmm.SetTimestamp(th, 1234)
	if ts := regionIn(p, text).Timestamp(); ts != 1234 {
		t.Fatalf("expected timestamp 1234; got %d", ts)
	}

	if err := e.vmm.Pagefault(p, textVirt, false); err != nil {
		t.Fatal(err)
	}
	if own, shared, swapped := e.vmm.MemUsage(p); own != p.OwnFrames() || shared != 1 || swapped != 0 {
		t.Fatalf("unexpected usage (%d, %d, %d)", own, shared, swapped)
	}
	if got := e.vmm.WeightedUsage(p); got != 1 {
		t.Fatalf("expected weighted usage 1; got %f", got)
	}

	out := e.vmm.Sprint(p)
	for _, exp := range []string{"VMRegion 0 (0x1000 .. 0x1fff):", "flags: Sh Ex", "Pages (2):"} {
		if !strings.Contains(out, exp) {
			t.Fatalf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
	e.vmm.Print(p)
}

func TestRemoveAllKeepsStacks(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")
	e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeData)
	stack, _ := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeStack)

	e.vmm.RemoveAll(p, false)
	if !e.vmm.Exists(p, stack) || e.vmm.Exists(p, SlotData) {
		t.Fatal("expected only the stack to survive")
	}

	e.vmm.RemoveAll(p, true)
	if p.Regions != nil {
		t.Fatal("expected all regions to be removed")
	}
	expectFrames(t, p, 0, 0)
}

func TestRemoveMissingBindingPanics(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")
	expectPanic(t, errNoBinding, func() { e.vmm.Remove(p, 7) })
}

var _ region.Owner = (*proc.Binding)(nil)

func TestSetRegProtConcurrentLookups(t *testing.T) {
	e := newEnv(t)
	bin := e.fs.Create("sh", bytes.Repeat([]byte{0x90}, int(mm.PageSize)))
	owner, guest := e.newProc(t, "owner"), e.newProc(t, "guest")
	e.add(t, owner, bin, mm.PageSize, mm.PageSize, TypeText)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if err := e.vmm.SetRegProt(owner, SlotText, i%2 == 0); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if got := e.vmm.HasBinary(owner, bin); got != SlotText {
			t.Fatalf("expected binary in slot %d; got %d", SlotText, got)
		}
		if q, rno := e.vmm.findBinaryOwner(guest, bin); q != owner || rno != SlotText {
			t.Fatalf("expected %s to run the binary in slot %d; got %v, %d", owner, SlotText, q, rno)
		}
		if got := e.vmm.DLDataRegion(owner); got != -1 {
			t.Fatalf("expected no dynamic linker data; got slot %d", got)
		}
	}
	wg.Wait()
}

func TestSlotGrowth(t *testing.T) {
	e := newEnv(t)
	p := e.newProc(t, "p")

	e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeData)
	if got := len(p.Regions); got != 2*(SlotData+1) {
		t.Fatalf("expected %d slots; got %d", 2*(SlotData+1), got)
	}

	for rno := SlotData + 1; rno < 2*(SlotData+1); rno++ {
		if got, _ := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeSHM); got != rno {
			t.Fatalf("expected slot %d; got %d", rno, got)
		}
	}
	if got := len(p.Regions); got != 2*(SlotData+1) {
		t.Fatalf("expected free slots to be reused; got %d slots", got)
	}

	rno, _ := e.add(t, p, vfs.BinDesc{}, mm.PageSize, 0, TypeSHM)
	if exp := 2 * (rno + 1); rno != 2*(SlotData+1) || len(p.Regions) != exp {
		t.Fatalf("expected slot %d in %d slots; got slot %d in %d slots", 2*(SlotData+1), exp, rno, len(p.Regions))
	}
}
