package kfmt

import (
	"github.com/Nils-TUD/Escape-sub006/kernel"
)

var (
	// haltFn is invoked after the panic report has been logged. It is
	// mocked by tests.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports the supplied error as an unrecoverable kernel error and halts
// the caller. Calls to Panic never return unless haltFn is replaced.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	Logger(err.Module).Errorf("unrecoverable error: %s", err.Message)
	Logger(err.Module).Error("*** kernel panic: system halted ***")

	haltFn(err)
}
