// Package isa defines the user-mode ABI of the simulated machine: the register
// file, the instruction set, the memory layout every user image is linked
// against, and the system call numbers.
package isa

import (
	"fmt"
	"strings"
)

// Reg names one of the 32 integer registers.
type Reg uint8

// Integer registers, RISC-V ABI names.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// NumRegs is the size of the integer register file.
const NumRegs = 32

var regNames = [NumRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func (r Reg) String() string {
	if int(r) < NumRegs {
		return regNames[r]
	}
	return fmt.Sprintf("x%d", r)
}

// ParseReg accepts an ABI name ("a0"), a numeric name ("x10") or "fp".
func ParseReg(s string) (Reg, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "fp" {
		return S0, true
	}
	for i, name := range regNames {
		if name == s {
			return Reg(i), true
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "x%d", &n); err == nil && n >= 0 && n < NumRegs && fmt.Sprintf("x%d", n) == s {
		return Reg(n), true
	}
	return 0, false
}

// Op is an instruction opcode.
type Op uint8

const (
	OpNop Op = iota
	OpLi
	OpMv
	OpAddi
	OpLw
	OpSw
	OpBeqz
	OpBnez
	OpJ
	OpEcall
	OpEbreak
	OpUnimp
)

var opNames = map[Op]string{
	OpNop:    "nop",
	OpLi:     "li",
	OpMv:     "mv",
	OpAddi:   "addi",
	OpLw:     "lw",
	OpSw:     "sw",
	OpBeqz:   "beqz",
	OpBnez:   "bnez",
	OpJ:      "j",
	OpEcall:  "ecall",
	OpEbreak: "ebreak",
	OpUnimp:  "unimp",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("{Op %d}", uint8(o))
}

// Instr is one decoded instruction. Operand use depends on Op:
//
//	li   Rd, Imm          mv   Rd, Rs1          addi Rd, Rs1, Imm
//	lw   Rd, Imm(Rs1)     sw   Rs2, Imm(Rs1)
//	beqz Rs1, Imm         bnez Rs1, Imm         j    Imm
//
// Branch and jump targets are absolute text addresses.
type Instr struct {
	Op  Op
	Rd  Reg
	Rs1 Reg
	Rs2 Reg
	Imm int64
}

func (i Instr) String() string {
	switch i.Op {
	case OpLi:
		return fmt.Sprintf("li %s, %d", i.Rd, i.Imm)
	case OpMv:
		return fmt.Sprintf("mv %s, %s", i.Rd, i.Rs1)
	case OpAddi:
		return fmt.Sprintf("addi %s, %s, %d", i.Rd, i.Rs1, i.Imm)
	case OpLw:
		return fmt.Sprintf("lw %s, %d(%s)", i.Rd, i.Imm, i.Rs1)
	case OpSw:
		return fmt.Sprintf("sw %s, %d(%s)", i.Rs2, i.Imm, i.Rs1)
	case OpBeqz, OpBnez:
		return fmt.Sprintf("%s %s, %#x", i.Op, i.Rs1, i.Imm)
	case OpJ:
		return fmt.Sprintf("j %#x", i.Imm)
	default:
		return i.Op.String()
	}
}

// InstrSize is the width of every instruction in bytes.
const InstrSize = 4

// Memory layout shared by the assembler, the loader and the memory subsystem.
const (
	TextBase  uint64 = 0x1000
	DataBase  uint64 = 0x10000
	StackTop  uint64 = 0x80000
	StackSize uint64 = 0x2000
)

// Syscall ABI registers.
const (
	RegSyscallID = A7
	RegReturn    = A0
)

// ArgRegs are the fixed argument registers of a system call.
var ArgRegs = [3]Reg{A0, A1, A2}
