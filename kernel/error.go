// Package kernel holds the error type shared by all memory management
// subsystems.
package kernel

// Error describes a kernel error. Errors are declared as package-level
// pointers so callers can compare against them directly; a function that
// returns *Error must return a literal nil on success.
type Error struct {
	// Module names the subsystem that raised the error.
	Module string

	// Message describes the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
