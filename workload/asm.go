package workload

import (
	"encoding/binary"
	"fmt"
)

// Asm assembles machine code with symbolic jump labels.
type Asm struct {
	code   []byte
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	at    int
	label string
}

// NewAsm creates an empty assembler.
func NewAsm() *Asm {
	return &Asm{labels: make(map[string]int)}
}

// Op appends op with its slot operands.
func (a *Asm) Op(op Op, slots ...byte) *Asm {
	a.code = append(a.code, byte(op))
	a.code = append(a.code, slots...)
	return a
}

// Const appends a push of v.
func (a *Asm) Const(v int32) *Asm {
	a.code = append(a.code, byte(OpConst))
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(v))
	return a
}

// Label names the current position.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.code)
	return a
}

// Jump appends a jump op (OpJmp or OpJz) to label.
func (a *Asm) Jump(op Op, label string) *Asm {
	a.code = append(a.code, byte(op))
	a.fixups = append(a.fixups, fixup{at: len(a.code), label: label})
	a.code = append(a.code, 0, 0, 0, 0)
	return a
}

// Code resolves labels and returns the assembled code.
func (a *Asm) Code() ([]byte, error) {
	out := append([]byte(nil), a.code...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("workload: undefined label %q", f.label)
		}
		binary.BigEndian.PutUint32(out[f.at:], uint32(target))
	}
	return out, nil
}

// MustCode is Code for programs known to be well formed.
func (a *Asm) MustCode() []byte {
	code, err := a.Code()
	if err != nil {
		panic(err)
	}
	return code
}
