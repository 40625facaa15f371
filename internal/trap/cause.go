package trap

import (
	"errors"
	"fmt"
)

// Cause classifies a trap.
type Cause int

const (
	CauseSyscall Cause = iota
	CauseLoadFault
	CauseStoreFault
	CauseInstructionFault
	CauseIllegalInstruction
	CauseBreakpoint
	CauseTimer

	numCauses
)

var causeNames = [numCauses]string{
	"syscall",
	"load fault",
	"store fault",
	"instruction fault",
	"illegal instruction",
	"breakpoint",
	"timer",
}

func (c Cause) String() string {
	if c >= 0 && c < numCauses {
		return causeNames[c]
	}
	return fmt.Sprintf("{Cause %d}", int(c))
}

// Frame is what the hardware reports with a trap. Value is the faulting
// address for memory faults and the pc for instruction traps.
type Frame struct {
	Cause Cause
	Value uint64
}

// Mode is the privilege state of the gateway.
type Mode int

const (
	UserMode Mode = iota
	KernelMode
)

func (m Mode) String() string {
	if m == KernelMode {
		return "kernel"
	}
	return "user"
}

// Entry selects which trap vector the hart jumps to.
type Entry int

const (
	EntryUser Entry = iota
	EntryKernel
)

// ErrIdle is returned on the way back to user mode when no task is runnable.
var ErrIdle = errors.New("no runnable task")

// HaltError reports a fatal kernel condition. The machine must stop.
type HaltError struct {
	Cause  Cause
	Value  uint64
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("kernel halt: %s (cause %s, value %#x)", e.Reason, e.Cause, e.Value)
}
