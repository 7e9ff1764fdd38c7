package ir

import (
	"fmt"
	"strings"
)

// Inst is one instruction in a block. UseCount is the number of later
// instructions that consume the result; the register allocator holds a value
// live until that many uses have been realized, and treats any leftover count
// at the end of a block as a compiler defect.
type Inst struct {
	Op       Opcode
	Args     []Value
	UseCount int

	index int
}

// Index returns the instruction's position within its block.
func (i *Inst) Index() int {
	return i.index
}

// ProducesValue reports whether the instruction has a result.
func (i *Inst) ProducesValue() bool {
	return i.Op.ResultBits() != 0
}

func (i *Inst) String() string {
	var sb strings.Builder
	if i.ProducesValue() {
		fmt.Fprintf(&sb, "%%%d = ", i.index)
	}
	sb.WriteString(i.Op.String())
	for n, arg := range i.Args {
		if n == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(arg.String())
	}
	return sb.String()
}
