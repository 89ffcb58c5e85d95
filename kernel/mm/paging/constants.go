package paging

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// UserAreaEnd is the first address past the user half of every
	// address space.
	UserAreaEnd = uintptr(0x0000800000000000)

	// KernelAreaStart is the first address of the kernel area. The kernel
	// area is served by the last P4 entry which points to a P3 table shared
	// by all address spaces.
	KernelAreaStart = uintptr(0xffffff8000000000)

	// kernelP4Index is the P4 slot that holds the shared kernel P3 table.
	kernelP4Index = entriesPerTable - 1

	// tempMappingAddr is a reserved kernel address range used for
	// temporary physical page mappings (e.g. to initialize frames that are
	// not mapped anywhere else). For amd64 this address uses the following
	// table indices: 511, 511, 511, 0.
	tempMappingAddr = uintptr(0xffffffffffe00000)

	// tempMappingSlots is the number of consecutive pages available for
	// temporary mappings.
	tempMappingSlots = 2
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagExists marks an entry that belongs to a mapping even though the
	// page is not present yet (e.g. it will be demand-loaded). It lives in
	// one of the bits that the MMU ignores.
	FlagExists

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// MapFlag describes how Map should set up the requested entries.
type MapFlag uint16

const (
	// MapPresent marks the pages as present. Unless frames are supplied
	// or MapKeepFrame is set, a frame is allocated for each page.
	MapPresent MapFlag = 1 << iota

	// MapWritable allows writes to the pages.
	MapWritable

	// MapSupervisor restricts access to the kernel.
	MapSupervisor

	// MapGlobal keeps the translation in the TLB across address space switches.
	MapGlobal

	// MapAddrToFrame indicates that the supplied frames are physical
	// addresses rather than frame numbers.
	MapAddrToFrame

	// MapKeepFrame only updates the permission bits of existing entries
	// without touching the frame they point to.
	MapKeepFrame

	// MapExecutable allows instruction fetches from the pages.
	MapExecutable
)
