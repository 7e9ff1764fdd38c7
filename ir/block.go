package ir

import (
	"fmt"
	"strings"
)

// Block is a single-entry, straight-line run of instructions for one guest
// location, closed by a terminal. Blocks are built front-to-back with
// AppendInst, which assigns instruction indices and maintains use counts on
// referenced results.
type Block struct {
	location    LocationDescriptor
	endLocation LocationDescriptor

	cond                  Cond
	condFailedLocation    LocationDescriptor
	condFailedCycleCount  int
	hasCondFailedLocation bool

	insts      []*Inst
	terminal   Terminal
	cycleCount int
}

// NewBlock starts an empty always-executed block at the given location.
func NewBlock(location LocationDescriptor) *Block {
	return &Block{
		location:    location,
		endLocation: location,
		cond:        CondAL,
	}
}

// AppendInst adds an instruction to the end of the block and bumps the use
// count of every result it consumes. It returns the new instruction so the
// caller can reference it in later operands.
func (b *Block) AppendInst(op Opcode, args ...Value) *Inst {
	if !op.Known() {
		panic(fmt.Sprintf("ir: unknown opcode %d", int(op)))
	}
	if len(args) != op.NumArgs() {
		panic(fmt.Sprintf("ir: %s expects %d args, got %d", op, op.NumArgs(), len(args)))
	}
	inst := &Inst{Op: op, Args: args, index: len(b.insts)}
	for _, arg := range args {
		if producer := arg.Inst(); producer != nil {
			producer.UseCount++
		}
	}
	b.insts = append(b.insts, inst)
	return inst
}

// Instructions returns the block's instructions in order.
func (b *Block) Instructions() []*Inst {
	return b.insts
}

func (b *Block) Location() LocationDescriptor {
	return b.location
}

func (b *Block) EndLocation() LocationDescriptor {
	return b.endLocation
}

// SetEndLocation records the location one past the last guest instruction the
// block translates. The half-open guest range [Location.PC, EndLocation.PC)
// is what cache invalidation tests against.
func (b *Block) SetEndLocation(loc LocationDescriptor) {
	b.endLocation = loc
}

func (b *Block) Condition() Cond {
	return b.cond
}

// SetCondition makes the whole block conditional: when cond fails at run
// time, execution charges failedCycles and links to failedLocation instead of
// running the block body.
func (b *Block) SetCondition(cond Cond, failedLocation LocationDescriptor, failedCycles int) {
	b.cond = cond
	b.condFailedLocation = failedLocation
	b.condFailedCycleCount = failedCycles
	b.hasCondFailedLocation = cond != CondAL && cond != CondNV
}

func (b *Block) HasConditionFailedLocation() bool {
	return b.hasCondFailedLocation
}

func (b *Block) ConditionFailedLocation() LocationDescriptor {
	return b.condFailedLocation
}

func (b *Block) ConditionFailedCycleCount() int {
	return b.condFailedCycleCount
}

func (b *Block) Terminal() Terminal {
	return b.terminal
}

func (b *Block) SetTerminal(term Terminal) {
	if b.terminal != nil {
		panic("ir: block already has a terminal")
	}
	b.terminal = term
}

func (b *Block) HasTerminal() bool {
	return b.terminal != nil
}

// CycleCount is the guest cycles the block charges when it executes.
func (b *Block) CycleCount() int {
	return b.cycleCount
}

func (b *Block) SetCycleCount(n int) {
	b.cycleCount = n
}

func (b *Block) AddCycles(n int) {
	b.cycleCount += n
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Block: location=%s\n", b.location)
	fmt.Fprintf(&sb, "cycles=%d", b.cycleCount)
	if b.cond != CondAL {
		fmt.Fprintf(&sb, ", cond=%s", b.cond)
	}
	sb.WriteByte('\n')
	for _, inst := range b.insts {
		fmt.Fprintf(&sb, "[%04d] %s\n", inst.index, inst)
	}
	return sb.String()
}
