package task

import (
	"github.com/Nils-TUD/Escape-sub006/kernel/mm/vmm"
	"github.com/Nils-TUD/Escape-sub006/kernel/proc"
	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
)

// FaultOutcome tells the trap handler how a page fault was dealt with.
type FaultOutcome uint8

const (
	// FaultResolved means the access can be retried.
	FaultResolved FaultOutcome = iota

	// FaultStackGrown means a stack was extended to cover the address.
	FaultStackGrown

	// FaultSegv means the access is invalid; what happens to the thread
	// is up to the caller.
	FaultSegv
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultResolved:
		return "resolved"
	case FaultStackGrown:
		return "stack grown"
	default:
		return "segv"
	}
}

// HandleFault resolves a page fault of t at addr.
func (k *Kernel) HandleFault(t *proc.Thread, addr uintptr, write bool) FaultOutcome {
	err := k.VMM.Pagefault(t.Proc, addr, write)
	if err == nil {
		return FaultResolved
	}

	if errors.Is(err, vmm.ErrNotResolvable) {
		if k.VMM.GrowStackTo(t, addr) == nil {
			return FaultStackGrown
		}
	} else {
		k.log.WithFields(logrus.Fields{"pid": t.Proc.PID, "tid": t.TID, "addr": addr}).WithError(err).Warn("page fault failed")
	}

	k.log.WithFields(logrus.Fields{"pid": t.Proc.PID, "tid": t.TID, "addr": addr, "write": write}).Debug("segmentation fault")
	return FaultSegv
}
