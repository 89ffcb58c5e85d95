//go:build linux

// Command vmmsim boots the memory manager on a simulated machine and runs a
// process through its lifecycle: spawn, demand loading, fork with
// copy-on-write and teardown. Without arguments a built-in program image is
// used; otherwise the ELF executable at the supplied path is loaded.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/Nils-TUD/Escape-sub006/kernel/kfmt"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm"
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/Nils-TUD/Escape-sub006/kernel/task"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs"
	"github.com/Nils-TUD/Escape-sub006/kernel/vfs/hostfs"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
)

var (
	frames     = flag.Uint("frames", 1024, "number of physical frames")
	reserve    = flag.Uint("reserve", 16, "frames reserved for page tables")
	stackPages = flag.Uint("stack-pages", 4, "initial size of thread stacks in pages")
	logLevel   = flag.String("log-level", "info", "minimum level of log messages")
)

func exit(err error) {
	if e, ok := err.(*errors.Error); ok {
		fmt.Fprintf(os.Stderr, "[vmmsim] error: %s\n", e.ErrorStack())
	} else {
		fmt.Fprintf(os.Stderr, "[vmmsim] error: %s\n", err.Error())
	}
	os.Exit(1)
}

// builtinImage stores a small program in fs: one text page, a data page
// and two pages of zero-initialized memory.
func builtinImage(fs *vfs.MemFS) *task.Image {
	content := append(bytes.Repeat([]byte{0x90}, int(mm.PageSize)), []byte("hello from the data segment")...)
	content = append(content, make([]byte, int(mm.PageSize)-27)...)

	return &task.Image{
		Binary: fs.Create("builtin", content),
		Segments: []task.Segment{
			{Type: vmm.TypeText, Offset: 0, Size: mm.PageSize, LoadCount: mm.PageSize},
			{Type: vmm.TypeData, Offset: int64(mm.PageSize), Size: 3 * mm.PageSize, LoadCount: mm.PageSize},
		},
	}
}

func loadImage(path string) (vfs.FS, *task.Image, error) {
	if path == "" {
		fs := vfs.NewMemFS()
		return fs, builtinImage(fs), nil
	}

	fs := hostfs.New()
	bin, err := fs.Register(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := fs.OpenInode(bin.Ino, bin.Dev)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	img, err := task.LoadELF(f, bin)
	if err != nil {
		return nil, nil, err
	}
	return fs, img, nil
}

func report(k *task.Kernel, stage string, procs ...*proc.Process) {
	fmt.Printf("== %s (free frames: %d)\n", stage, k.FreeFrames())
	for _, p := range procs {
		own, shared, _ := k.VMM.MemUsage(p)
		fmt.Printf("%s own=%d shared=%d\n", p, own, shared)
		fmt.Print(k.VMM.Sprint(p))
	}
}

func runTool() error {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	kfmt.SetLevel(level)

	fs, img, err := loadImage(flag.Arg(0))
	if err != nil {
		return err
	}

	k, err := task.New(task.Config{
		Frames:          uintptr(*frames),
		CriticalReserve: uintptr(*reserve),
		FS:              fs,
		StackPages:      uintptr(*stackPages),
	})
	if err != nil {
		return err
	}
	freeAtBoot := k.FreeFrames()

	p, t, err := k.Spawn("init", img)
	if err != nil {
		return err
	}
	k.MMU.Activate(p.PDir)
	report(k, "spawned", p)

	entry := k.EntryPoint(img)
	if outcome := k.HandleFault(t, entry, false); outcome != task.FaultResolved {
		return fmt.Errorf("fault at entry point %#x: %s", entry, outcome)
	}
	report(k, "entry point loaded", p)

	ct, err := k.Fork(t)
	if err != nil {
		return err
	}
	child := ct.Proc
	report(k, "forked", p, child)

	// writing the data region of the child breaks copy-on-write sharing
	if start, _, ok := k.VMM.RegRange(child, vmm.SlotData, false); ok {
		k.MMU.Activate(child.PDir)
		if err = k.VMM.CopyToUser(child, start, []byte("child")); err != nil {
			return err
		}
		report(k, "child wrote data", p, child)
	}

	k.Destroy(child)
	k.Destroy(p)
	report(k, "destroyed")

	if leaked := int64(freeAtBoot) - int64(k.FreeFrames()); leaked != 0 {
		return fmt.Errorf("%d frames leaked", leaked)
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
