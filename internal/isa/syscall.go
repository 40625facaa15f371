package isa

import "fmt"

// Syscall is a system call identifier, passed in a7.
type Syscall int64

func (call Syscall) String() string {
	name, ok := syscallNames[call]
	if ok {
		return name
	}
	return fmt.Sprintf("{Syscall %d}", int64(call))
}

// System calls.
const (
	SysExit        Syscall = 93
	SysYield       Syscall = 124
	SysSetPriority Syscall = 140
	SysGetpid      Syscall = 172
	SysFork        Syscall = 220
	SysExec        Syscall = 221
	SysWaitpid     Syscall = 260
	SysSpawn       Syscall = 400
)

var syscallNames = map[Syscall]string{
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetpid:      "getpid",
	SysFork:        "fork",
	SysExec:        "exec",
	SysWaitpid:     "waitpid",
	SysSpawn:       "spawn",
}

// LookupSyscall maps a call name back to its number.
func LookupSyscall(name string) (Syscall, bool) {
	for call, n := range syscallNames {
		if n == name {
			return call, true
		}
	}
	return 0, false
}
