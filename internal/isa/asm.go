package isa

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Program is an assembled user image: a text section of instructions, an
// initialized data section, and the symbol table of both.
type Program struct {
	Text    []Instr
	Data    []byte
	Symbols map[string]uint64
}

// Entry returns the address execution starts at.
func (p *Program) Entry() uint64 {
	if addr, ok := p.Symbols["main"]; ok {
		return addr
	}
	return TextBase
}

// SyntaxError reports a malformed source line.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// sourceLine is one instruction or directive after label stripping.
type sourceLine struct {
	num      int
	mnemonic string
	operands []string
}

// Assemble translates assembly source into a Program. It runs two passes: the
// first lays out labels and data, the second encodes instructions with every
// symbol resolved.
func Assemble(src string) (*Program, error) {
	prog := &Program{Symbols: make(map[string]uint64)}

	var lines []sourceLine
	pc := TextBase

	// Pass 1: labels, data directives, instruction addresses
	for i, raw := range strings.Split(src, "\n") {
		num := i + 1
		text := strings.TrimSpace(stripComment(raw))

		for {
			colon := labelEnd(text)
			if colon < 0 {
				break
			}
			label := strings.TrimSpace(text[:colon])
			if !validSymbol(label) {
				return nil, &SyntaxError{Line: num, Msg: fmt.Sprintf("invalid label %q", label)}
			}
			if _, dup := prog.Symbols[label]; dup {
				return nil, &SyntaxError{Line: num, Msg: fmt.Sprintf("duplicate symbol %q", label)}
			}
			prog.Symbols[label] = pc
			text = strings.TrimSpace(text[colon+1:])
		}

		if text == "" {
			continue
		}

		mnemonic, rest := splitMnemonic(text)
		mnemonic = strings.ToLower(mnemonic)
		if strings.HasPrefix(mnemonic, ".") {
			if err := prog.directive(num, mnemonic, rest); err != nil {
				return nil, err
			}
			continue
		}

		line := sourceLine{num: num, mnemonic: mnemonic, operands: splitOperands(rest)}
		lines = append(lines, line)
		pc += uint64(width(mnemonic)) * InstrSize
	}

	// Pass 2: encode
	for _, line := range lines {
		instrs, err := prog.encode(line)
		if err != nil {
			return nil, err
		}
		prog.Text = append(prog.Text, instrs...)
	}

	return prog, nil
}

// MustAssemble is Assemble for built-in sources known to be valid.
func MustAssemble(src string) *Program {
	prog, err := Assemble(src)
	if err != nil {
		panic(fmt.Sprintf("isa: assembling built-in program: %v", err))
	}
	return prog
}

// width is the number of machine instructions a mnemonic expands to.
func width(mnemonic string) int {
	if mnemonic == "sys" {
		return 2
	}
	return 1
}

// directive handles .string, .space and .word.
func (p *Program) directive(num int, name, rest string) error {
	label, arg := splitMnemonic(rest)
	if !validSymbol(label) {
		return &SyntaxError{Line: num, Msg: fmt.Sprintf("%s needs a label", name)}
	}
	if _, dup := p.Symbols[label]; dup {
		return &SyntaxError{Line: num, Msg: fmt.Sprintf("duplicate symbol %q", label)}
	}

	var payload []byte
	switch name {
	case ".string":
		s, err := strconv.Unquote(strings.TrimSpace(arg))
		if err != nil {
			return &SyntaxError{Line: num, Msg: fmt.Sprintf("bad string literal %s", arg)}
		}
		payload = append([]byte(s), 0)
	case ".space":
		n, err := strconv.ParseUint(strings.TrimSpace(arg), 0, 32)
		if err != nil || n == 0 {
			return &SyntaxError{Line: num, Msg: fmt.Sprintf("bad .space size %q", arg)}
		}
		payload = make([]byte, n)
	case ".word":
		v, err := strconv.ParseInt(strings.TrimSpace(arg), 0, 32)
		if err != nil {
			return &SyntaxError{Line: num, Msg: fmt.Sprintf("bad .word value %q", arg)}
		}
		payload = binary.LittleEndian.AppendUint32(nil, uint32(int32(v)))
	default:
		return &SyntaxError{Line: num, Msg: fmt.Sprintf("unknown directive %s", name)}
	}

	p.Symbols[label] = DataBase + uint64(len(p.Data))
	p.Data = append(p.Data, payload...)
	for len(p.Data)%4 != 0 {
		p.Data = append(p.Data, 0)
	}
	return nil
}

// encode turns one source line into machine instructions.
func (p *Program) encode(line sourceLine) ([]Instr, error) {
	fail := func(format string, args ...interface{}) ([]Instr, error) {
		return nil, &SyntaxError{Line: line.num, Msg: fmt.Sprintf(format, args...)}
	}
	ops := line.operands
	want := func(n int) error {
		if len(ops) != n {
			return &SyntaxError{Line: line.num, Msg: fmt.Sprintf("%s takes %d operands, got %d", line.mnemonic, n, len(ops))}
		}
		return nil
	}
	reg := func(s string) (Reg, error) {
		r, ok := ParseReg(s)
		if !ok {
			return 0, &SyntaxError{Line: line.num, Msg: fmt.Sprintf("unknown register %q", s)}
		}
		return r, nil
	}

	switch line.mnemonic {
	case "nop", "ecall", "ebreak", "unimp":
		if err := want(0); err != nil {
			return nil, err
		}
		op := map[string]Op{"nop": OpNop, "ecall": OpEcall, "ebreak": OpEbreak, "unimp": OpUnimp}[line.mnemonic]
		return []Instr{{Op: op}}, nil

	case "li":
		if err := want(2); err != nil {
			return nil, err
		}
		rd, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		imm, err := parseImm(ops[1])
		if err != nil {
			return fail("bad immediate %q", ops[1])
		}
		return []Instr{{Op: OpLi, Rd: rd, Imm: imm}}, nil

	case "la":
		if err := want(2); err != nil {
			return nil, err
		}
		rd, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		addr, ok := p.Symbols[ops[1]]
		if !ok {
			return fail("undefined symbol %q", ops[1])
		}
		return []Instr{{Op: OpLi, Rd: rd, Imm: int64(addr)}}, nil

	case "mv":
		if err := want(2); err != nil {
			return nil, err
		}
		rd, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		rs, err := reg(ops[1])
		if err != nil {
			return nil, err
		}
		return []Instr{{Op: OpMv, Rd: rd, Rs1: rs}}, nil

	case "addi":
		if err := want(3); err != nil {
			return nil, err
		}
		rd, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		rs, err := reg(ops[1])
		if err != nil {
			return nil, err
		}
		imm, err := parseImm(ops[2])
		if err != nil {
			return fail("bad immediate %q", ops[2])
		}
		return []Instr{{Op: OpAddi, Rd: rd, Rs1: rs, Imm: imm}}, nil

	case "lw", "sw":
		if err := want(2); err != nil {
			return nil, err
		}
		r, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		off, base, err := parseMemOperand(ops[1])
		if err != nil {
			return fail("bad memory operand %q", ops[1])
		}
		if line.mnemonic == "lw" {
			return []Instr{{Op: OpLw, Rd: r, Rs1: base, Imm: off}}, nil
		}
		return []Instr{{Op: OpSw, Rs2: r, Rs1: base, Imm: off}}, nil

	case "beqz", "bnez":
		if err := want(2); err != nil {
			return nil, err
		}
		rs, err := reg(ops[0])
		if err != nil {
			return nil, err
		}
		target, err := p.target(ops[1])
		if err != nil {
			return fail("%v", err)
		}
		op := OpBeqz
		if line.mnemonic == "bnez" {
			op = OpBnez
		}
		return []Instr{{Op: op, Rs1: rs, Imm: target}}, nil

	case "j":
		if err := want(1); err != nil {
			return nil, err
		}
		target, err := p.target(ops[0])
		if err != nil {
			return fail("%v", err)
		}
		return []Instr{{Op: OpJ, Imm: target}}, nil

	case "sys":
		if err := want(1); err != nil {
			return nil, err
		}
		call, ok := LookupSyscall(ops[0])
		if !ok {
			return fail("unknown system call %q", ops[0])
		}
		return []Instr{
			{Op: OpLi, Rd: RegSyscallID, Imm: int64(call)},
			{Op: OpEcall},
		}, nil
	}

	return fail("unknown instruction %q", line.mnemonic)
}

// target resolves a branch operand: a label or an absolute address.
func (p *Program) target(s string) (int64, error) {
	if addr, ok := p.Symbols[s]; ok {
		return int64(addr), nil
	}
	if v, err := parseImm(s); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("undefined label %q", s)
}

func parseImm(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 0, 64)
}

// parseMemOperand splits "imm(reg)"; a bare "(reg)" means offset 0.
func parseMemOperand(s string) (int64, Reg, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("missing base register")
	}
	var off int64
	if imm := strings.TrimSpace(s[:open]); imm != "" {
		v, err := parseImm(imm)
		if err != nil {
			return 0, 0, err
		}
		off = v
	}
	base, ok := ParseReg(s[open+1 : len(s)-1])
	if !ok {
		return 0, 0, fmt.Errorf("bad base register")
	}
	return off, base, nil
}

// stripComment drops everything after a '#' that is not inside a string literal.
func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '#':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}

// labelEnd returns the index of a leading label's colon, or -1.
func labelEnd(text string) int {
	colon := strings.IndexByte(text, ':')
	if colon <= 0 {
		return -1
	}
	if strings.ContainsAny(text[:colon], " \t\",") {
		return -1
	}
	return colon
}

func splitMnemonic(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

func splitOperands(rest string) []string {
	if rest == "" {
		return nil
	}
	parts := strings.Split(rest, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func validSymbol(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
