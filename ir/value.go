package ir

import "fmt"

// Reg names a guest general-purpose register.
type Reg int

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	SP = R13
	LR = R14
	PC = R15
)

func (r Reg) String() string {
	switch r {
	case SP:
		return "sp"
	case LR:
		return "lr"
	case PC:
		return "pc"
	default:
		return fmt.Sprintf("r%d", int(r))
	}
}

// Value is an operand of an instruction: either an immediate, a guest
// register name, or a reference to the result of an earlier instruction in
// the same block.
type Value struct {
	inst *Inst
	imm  uint64
	reg  Reg
	kind valueKind
}

type valueKind int

const (
	valueImm valueKind = iota
	valueInst
	valueReg
)

// Imm builds an immediate operand.
func Imm(v uint64) Value {
	return Value{imm: v, kind: valueImm}
}

// RegRef builds a guest register name operand.
func RegRef(r Reg) Value {
	return Value{reg: r, kind: valueReg}
}

// Ref builds an operand referring to the result of inst.
func Ref(inst *Inst) Value {
	if inst == nil {
		panic("ir: nil instruction reference")
	}
	return Value{inst: inst, kind: valueInst}
}

func (v Value) IsImmediate() bool {
	return v.kind == valueImm
}

func (v Value) IsRegRef() bool {
	return v.kind == valueReg
}

// Inst returns the producing instruction; nil for immediates and register
// names.
func (v Value) Inst() *Inst {
	return v.inst
}

func (v Value) Imm() uint64 {
	if v.kind != valueImm {
		panic("ir: operand is not an immediate")
	}
	return v.imm
}

func (v Value) Reg() Reg {
	if v.kind != valueReg {
		panic("ir: operand is not a register name")
	}
	return v.reg
}

func (v Value) String() string {
	switch v.kind {
	case valueImm:
		return fmt.Sprintf("#%#x", v.imm)
	case valueReg:
		return v.reg.String()
	default:
		return fmt.Sprintf("%%%d", v.inst.Index())
	}
}
