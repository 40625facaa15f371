package mm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/aristath/procore/internal/isa"
)

// MaxString bounds the length of a string copied out of user memory.
const MaxString = 4096

// Memory owns every address space of the machine.
type Memory struct {
	mu     sync.Mutex
	limit  int
	next   Token
	spaces map[Token]*AddressSpace
}

// NewMemory creates a memory subsystem holding at most limit live address
// spaces. A limit of zero or less means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{
		limit:  limit,
		next:   1,
		spaces: make(map[Token]*AddressSpace),
	}
}

// NewSpace builds a fresh address space for prog: text shared with the
// program, data copied from its initializer, and a zeroed stack.
func (m *Memory) NewSpace(prog *isa.Program) (*AddressSpace, error) {
	data := make([]byte, len(prog.Data))
	copy(data, prog.Data)

	return m.install(&AddressSpace{
		text:  prog.Text,
		data:  segment{base: isa.DataBase, mem: data, perm: PermR | PermW},
		stack: segment{base: isa.StackTop - isa.StackSize, mem: make([]byte, isa.StackSize), perm: PermR | PermW},
	})
}

// Clone duplicates src. Text stays shared; data and stack are deep copies.
func (m *Memory) Clone(src *AddressSpace) (*AddressSpace, error) {
	if src.released {
		panic(fmt.Sprintf("mm: clone of released address space %d", src.token))
	}

	return m.install(&AddressSpace{
		text:  src.text,
		data:  segment{base: src.data.base, mem: bytes.Clone(src.data.mem), perm: src.data.perm},
		stack: segment{base: src.stack.base, mem: bytes.Clone(src.stack.mem), perm: src.stack.perm},
	})
}

func (m *Memory) install(as *AddressSpace) (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && len(m.spaces) >= m.limit {
		return nil, ErrOutOfMemory
	}

	as.token = m.next
	m.next++
	m.spaces[as.token] = as
	return as, nil
}

// Release frees as. Releasing a space twice is a kernel bug and panics.
func (m *Memory) Release(as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if as.released {
		panic(fmt.Sprintf("mm: double release of address space %d", as.token))
	}
	as.released = true
	as.data.mem = nil
	as.stack.mem = nil
	delete(m.spaces, as.token)
}

// Live reports the number of address spaces not yet released.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}

// Translator returns the user-memory capability for the space named by tok.
func (m *Memory) Translator(tok Token) (*Translator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	as, ok := m.spaces[tok]
	if !ok {
		return nil, fmt.Errorf("translator for %d: %w", tok, ErrBadToken)
	}
	return &Translator{space: as}, nil
}

// Translator is the only way kernel code reads or writes user memory. It is
// bound to one address space and validates every pointer it is given.
type Translator struct {
	space *AddressSpace
}

// String copies the NUL-terminated string at ptr out of user memory.
func (t *Translator) String(ptr uint64) (string, error) {
	var buf []byte
	for i := uint64(0); i < MaxString; i++ {
		b, err := t.space.bytes(ptr+i, 1, PermR, AccessLoad)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("string at %#x: %w", ptr, ErrUnterminated)
}

// Word validates ptr as a writable 32-bit location.
func (t *Translator) Word(ptr uint64) (*Word, error) {
	b, err := t.space.bytes(ptr, 4, PermR|PermW, AccessStore)
	if err != nil {
		return nil, err
	}
	return &Word{addr: ptr, mem: b}, nil
}

// Word is a validated, writable location in user memory.
type Word struct {
	addr uint64
	mem  []byte
}

// Addr returns the user address of the word.
func (w *Word) Addr() uint64 {
	return w.addr
}

// Get reads the word.
func (w *Word) Get() int32 {
	return int32(binary.LittleEndian.Uint32(w.mem))
}

// Set writes v to the word.
func (w *Word) Set(v int32) {
	binary.LittleEndian.PutUint32(w.mem, uint32(v))
}
