package task

import (
	"errors"
	"sort"
)

// ErrPIDExhausted is returned when every pid up to the limit is in use.
var ErrPIDExhausted = errors.New("pid space exhausted")

// PIDAllocator hands out pids from a monotonic counter. Once the counter
// reaches the limit, pids returned with Free are reused lowest first.
type PIDAllocator struct {
	next     PID
	max      PID
	recycled []PID
	// freed counts pids returned in unbounded mode, which never reuses them.
	freed int
}

// NewPIDAllocator creates an allocator issuing pids 1..max. A max of zero or
// less means unbounded.
func NewPIDAllocator(max int) *PIDAllocator {
	return &PIDAllocator{next: 1, max: PID(max)}
}

// Alloc returns an unused pid.
func (a *PIDAllocator) Alloc() (PID, error) {
	if a.max <= 0 || a.next <= a.max {
		pid := a.next
		a.next++
		return pid, nil
	}
	if len(a.recycled) == 0 {
		return 0, ErrPIDExhausted
	}
	pid := a.recycled[0]
	a.recycled = a.recycled[1:]
	return pid, nil
}

// Free returns pid to the allocator. The caller guarantees no live or zombie
// task still holds it.
func (a *PIDAllocator) Free(pid PID) {
	if a.max <= 0 {
		a.freed++
		return
	}
	i := sort.Search(len(a.recycled), func(i int) bool { return a.recycled[i] >= pid })
	if i < len(a.recycled) && a.recycled[i] == pid {
		panic("task: pid freed twice")
	}
	a.recycled = append(a.recycled, 0)
	copy(a.recycled[i+1:], a.recycled[i:])
	a.recycled[i] = pid
}

// InUse reports how many pids are currently allocated.
func (a *PIDAllocator) InUse() int {
	return int(a.next-1) - len(a.recycled) - a.freed
}
