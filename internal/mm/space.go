// Package mm is the memory collaborator of the kernel: it hands out opaque
// address-space handles and validates every kernel access to user memory.
package mm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aristath/procore/internal/isa"
)

// Token names an address space. Tokens are never reused within one Memory.
type Token uint64

// Perm is a segment permission set.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Access is the kind of memory access that faulted.
type Access int

const (
	AccessLoad Access = iota
	AccessStore
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessLoad:
		return "load"
	case AccessStore:
		return "store"
	case AccessFetch:
		return "fetch"
	default:
		return fmt.Sprintf("{Access %d}", int(a))
	}
}

var (
	// ErrOutOfMemory is returned when the address-space capacity is exhausted.
	ErrOutOfMemory = errors.New("out of address spaces")

	// ErrUnterminated is returned when a user string has no NUL within MaxString bytes.
	ErrUnterminated = errors.New("unterminated user string")

	// ErrBadToken is returned for a token that names no live address space.
	ErrBadToken = errors.New("no such address space")
)

// Fault describes an access to unmapped or wrongly-permissioned memory.
type Fault struct {
	Addr   uint64
	Access Access
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault at %#x", f.Access, f.Addr)
}

type segment struct {
	base uint64
	mem  []byte
	perm Perm
}

func (s *segment) contains(addr, n uint64) bool {
	return addr >= s.base && addr+n <= s.base+uint64(len(s.mem)) && addr+n >= addr
}

// AddressSpace is one user mapping: shared read-only text, private data and a
// private stack.
type AddressSpace struct {
	token    Token
	text     []isa.Instr
	data     segment
	stack    segment
	released bool
}

// Token returns the handle naming this space.
func (as *AddressSpace) Token() Token {
	return as.token
}

// Fetch returns the instruction at pc.
func (as *AddressSpace) Fetch(pc uint64) (isa.Instr, error) {
	if pc < isa.TextBase || pc%isa.InstrSize != 0 {
		return isa.Instr{}, &Fault{Addr: pc, Access: AccessFetch}
	}
	idx := (pc - isa.TextBase) / isa.InstrSize
	if idx >= uint64(len(as.text)) {
		return isa.Instr{}, &Fault{Addr: pc, Access: AccessFetch}
	}
	return as.text[idx], nil
}

// LoadWord reads the 32-bit little-endian word at addr.
func (as *AddressSpace) LoadWord(addr uint64) (int32, error) {
	b, err := as.bytes(addr, 4, PermR, AccessLoad)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// StoreWord writes the 32-bit little-endian word at addr.
func (as *AddressSpace) StoreWord(addr uint64, v int32) error {
	b, err := as.bytes(addr, 4, PermW, AccessStore)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
	return nil
}

// bytes returns the backing slice for [addr, addr+n) if every byte is mapped
// with perm. Word accesses must be naturally aligned.
func (as *AddressSpace) bytes(addr, n uint64, perm Perm, access Access) ([]byte, error) {
	if n == 4 && addr%4 != 0 {
		return nil, &Fault{Addr: addr, Access: access}
	}
	for _, seg := range []*segment{&as.data, &as.stack} {
		if !seg.contains(addr, n) {
			continue
		}
		if seg.perm&perm != perm {
			return nil, &Fault{Addr: addr, Access: access}
		}
		off := addr - seg.base
		return seg.mem[off : off+n], nil
	}
	return nil, &Fault{Addr: addr, Access: access}
}
