package vm

import (
	"errors"
	"fmt"
)

// Recoverable conditions. Callers are expected to retry, queue, or fail the
// operation that hit them.
var (
	// ErrOutOfMemory is returned when the page allocator has no free page.
	ErrOutOfMemory = errors.New("vm: out of memory")

	// ErrWaitersFull is returned when a primitive's waiter array has no
	// free slot for another blocked thread.
	ErrWaitersFull = errors.New("vm: waiter array full")

	// ErrStopped is returned to a thread that observed the stop request.
	// The thread must unwind and exit.
	ErrStopped = errors.New("vm: thread stopped")

	// ErrStopping is returned by operations refused after shutdown began.
	ErrStopping = errors.New("vm: shutdown in progress")

	// ErrTimeout is returned when a sleep ended because its wake timer fired.
	ErrTimeout = errors.New("vm: sleep timed out")

	// ErrReset is returned by I/O channel operations while the channel's
	// reset flag is set.
	ErrReset = errors.New("vm: channel reset")

	// ErrChannelFull is returned by a driver delivering into a full input ring.
	ErrChannelFull = errors.New("vm: channel buffer full")
)

// ---------------------------------------------------------------------------
// Contract violations
// ---------------------------------------------------------------------------

// ContractViolation is the panic value raised when a caller breaks the
// heap's typed-view or ownership rules: resolving a ref with the wrong
// class, touching a freed object, releasing a mutex it does not own.
// These are bugs, not conditions to recover from.
type ContractViolation struct {
	Op  string
	Ref Ref
	Msg string
}

func (c *ContractViolation) Error() string {
	if c.Ref != NilRef {
		return fmt.Sprintf("vm: contract violation in %s (ref %d): %s", c.Op, c.Ref, c.Msg)
	}
	return fmt.Sprintf("vm: contract violation in %s: %s", c.Op, c.Msg)
}

func contractf(op string, r Ref, format string, args ...any) {
	cv := &ContractViolation{Op: op, Ref: r, Msg: fmt.Sprintf(format, args...)}
	log.Critical(cv.Error())
	panic(cv)
}

// IsContractViolation reports whether a recovered panic value is a
// *ContractViolation.
func IsContractViolation(v any) bool {
	_, ok := v.(*ContractViolation)
	return ok
}
