package vmm

import (
	"testing"

	"github.com/Nils-TUD/Escape-sub006/kernel"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/cow"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/paging"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/pmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/region"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/sched"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
)

// limitedAllocator fails single-frame allocations once its budget is
// exhausted. A negative budget disables the limit.
type limitedAllocator struct {
	*pmm.BitmapAllocator
	budget int
}

func (a *limitedAllocator) AllocFrame(class mm.AllocClass) (mm.Frame, *kernel.Error) {
	if a.budget == 0 {
		return mm.InvalidFrame, mm.ErrOutOfMemory
	}
	if a.budget > 0 {
		a.budget--
	}
	return a.BitmapAllocator.AllocFrame(class)
}

type env struct {
	mmu   *paging.MMU
	alloc *limitedAllocator
	procs *proc.Table
	fs    *vfs.MemFS
	cow   *cow.Registry
	vmm   *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mem := pmm.NewMemory(512)
	alloc := &limitedAllocator{BitmapAllocator: pmm.NewBitmapAllocator(mem, 0), budget: -1}
	mmu, err := paging.NewMMU(mem, alloc)
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		mmu:   mmu,
		alloc: alloc,
		procs: proc.NewTable(),
		fs:    vfs.NewMemFS(),
		cow:   cow.NewRegistry(mmu),
	}
	e.vmm = New(Config{
		MMU:    mmu,
		Procs:  e.procs,
		COW:    e.cow,
		FS:     e.fs,
		Events: sched.NewEvents(),
		Layout: DefaultLayout(),
	})
	return e
}

func (e *env) newProc(t *testing.T, name string) *proc.Process {
	t.Helper()

	as, _, err := e.mmu.CreateAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	return e.procs.Add(name, as)
}

func (e *env) free() uintptr {
	return e.alloc.FreeCount(mm.ClassDefault)
}

func (e *env) add(t *testing.T, p *proc.Process, bin vfs.BinDesc, byteCount, loadCount uintptr, typ Type) (int, uintptr) {
	t.Helper()

	rno, err := e.vmm.Add(p, bin, 0, byteCount, loadCount, typ)
	if err != nil {
		t.Fatalf("[%s] unexpected error: %v", typ, err)
	}
	start, _, ok := e.vmm.RegRange(p, rno, true)
	if !ok {
		t.Fatalf("[%s] expected slot %d to exist", typ, rno)
	}
	return rno, start
}

func regionIn(p *proc.Process, rno int) *region.Region {
	p.RegLock.RLock()
	defer p.RegLock.RUnlock()
	return binding(p, rno).Region
}

func stateOf(p *proc.Process, rno int, page uintptr) region.PageState {
	r := regionIn(p, rno)
	r.Lock()
	defer r.Unlock()
	return r.State(page)
}

func expectFrames(t *testing.T, p *proc.Process, own, shared int64) {
	t.Helper()

	if p.OwnFrames() != own || p.SharedFrames() != shared {
		t.Fatalf("expected %s to use (own=%d, shared=%d) frames; got (own=%d, shared=%d)",
			p, own, shared, p.OwnFrames(), p.SharedFrames())
	}
}

func expectPanic(t *testing.T, exp *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()
		if err := recover(); err != exp {
			t.Fatalf("expected panic with %v; got %v", exp, err)
		}
	}()
	fn()
}

func TestAttributes(t *testing.T) {
	specs := []struct {
		typ        Type
		expFlags   region.Flags
		demandLoad bool
	}{
		{TypeText, region.Shareable | region.Executable, true},
		{TypeRodata, 0, true},
		{TypeBSS, region.Writable, true},
		{TypeData, region.Growable | region.Writable, true},
		{TypeStack, region.Growable | region.Writable | region.Stack | region.GrowsDown, false},
		{TypeStackUp, region.Growable | region.Writable | region.Stack, false},
		{TypeTLS, region.Writable | region.TLS, false},
		{TypeDevice, region.Writable | region.NoFree, false},
		{TypePhys, region.Writable, false},
		{TypeSHM, region.Shareable | region.Writable, false},
		{TypeSHLibText, region.Shareable | region.Executable, true},
		{TypeSHLibData, region.Writable, true},
		{TypeDLData, region.Writable | region.Growable, true},
	}

	for _, spec := range specs {
		t.Run(spec.typ.String(), func(t *testing.T) {
			flags, demandLoad, err := attributes(spec.typ)
			if err != nil {
				t.Fatal(err)
			}
			if flags != spec.expFlags || demandLoad != spec.demandLoad {
				t.Fatalf("expected (%s, %t); got (%s, %t)", spec.expFlags, spec.demandLoad, flags, demandLoad)
			}
		})
	}

	if _, _, err := attributes(Type(200)); err != errUnknownRegType {
		t.Fatalf("expected errUnknownRegType; got %v", err)
	}
	if got := Type(200).String(); got != "unknown" {
		t.Fatalf("expected unknown type name; got %q", got)
	}
}
