package ir

import "fmt"

// Opcode enumerates the intermediate operations a block may contain. The
// backend keeps a generator per opcode; an opcode without a generator is a
// front-end/back-end mismatch and compilation treats it as fatal.
type Opcode int

const (
	OpVoid Opcode = iota

	// Guest register and flag state
	OpGetRegister
	OpSetRegister
	OpGetCpsrNZCV
	OpSetCpsrNZCV
	OpSetCheckBit

	// Integer arithmetic
	OpAdd32
	OpAdd64
	OpSub32
	OpSub64
	OpAnd32
	OpAnd64
	OpOr32
	OpOr64
	OpXor32
	OpXor64

	// Memory
	OpReadMemory8
	OpReadMemory16
	OpReadMemory32
	OpReadMemory64
	OpWriteMemory8
	OpWriteMemory16
	OpWriteMemory32
	OpWriteMemory64

	// Exclusive (load-linked / store-conditional) memory
	OpExclusiveReadMemory8
	OpExclusiveReadMemory16
	OpExclusiveReadMemory32
	OpExclusiveReadMemory64
	OpExclusiveWriteMemory8
	OpExclusiveWriteMemory16
	OpExclusiveWriteMemory32
	OpExclusiveWriteMemory64
	OpClearExclusive

	// Host interaction
	OpCallSupervisor
	OpExceptionRaised
	OpCoprocSendOneWord
	OpCoprocGetOneWord
	OpPushRSB

	numOpcodes
)

type opcodeInfo struct {
	name    string
	numArgs int
	// result width in bits, 0 for void
	resultBits int
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpVoid: {"Void", 0, 0},

	OpGetRegister: {"GetRegister", 1, 32},
	OpSetRegister: {"SetRegister", 2, 0},
	OpGetCpsrNZCV: {"GetCpsrNZCV", 0, 32},
	OpSetCpsrNZCV: {"SetCpsrNZCV", 1, 0},
	OpSetCheckBit: {"SetCheckBit", 1, 0},

	OpAdd32: {"Add32", 2, 32},
	OpAdd64: {"Add64", 2, 64},
	OpSub32: {"Sub32", 2, 32},
	OpSub64: {"Sub64", 2, 64},
	OpAnd32: {"And32", 2, 32},
	OpAnd64: {"And64", 2, 64},
	OpOr32:  {"Or32", 2, 32},
	OpOr64:  {"Or64", 2, 64},
	OpXor32: {"Xor32", 2, 32},
	OpXor64: {"Xor64", 2, 64},

	OpReadMemory8:   {"ReadMemory8", 1, 8},
	OpReadMemory16:  {"ReadMemory16", 1, 16},
	OpReadMemory32:  {"ReadMemory32", 1, 32},
	OpReadMemory64:  {"ReadMemory64", 1, 64},
	OpWriteMemory8:  {"WriteMemory8", 2, 0},
	OpWriteMemory16: {"WriteMemory16", 2, 0},
	OpWriteMemory32: {"WriteMemory32", 2, 0},
	OpWriteMemory64: {"WriteMemory64", 2, 0},

	OpExclusiveReadMemory8:   {"ExclusiveReadMemory8", 1, 8},
	OpExclusiveReadMemory16:  {"ExclusiveReadMemory16", 1, 16},
	OpExclusiveReadMemory32:  {"ExclusiveReadMemory32", 1, 32},
	OpExclusiveReadMemory64:  {"ExclusiveReadMemory64", 1, 64},
	OpExclusiveWriteMemory8:  {"ExclusiveWriteMemory8", 2, 32},
	OpExclusiveWriteMemory16: {"ExclusiveWriteMemory16", 2, 32},
	OpExclusiveWriteMemory32: {"ExclusiveWriteMemory32", 2, 32},
	OpExclusiveWriteMemory64: {"ExclusiveWriteMemory64", 2, 32},
	OpClearExclusive:         {"ClearExclusive", 0, 0},

	OpCallSupervisor:    {"CallSupervisor", 1, 0},
	OpExceptionRaised:   {"ExceptionRaised", 2, 0},
	OpCoprocSendOneWord: {"CoprocSendOneWord", 2, 0},
	OpCoprocGetOneWord:  {"CoprocGetOneWord", 1, 32},
	OpPushRSB:           {"PushRSB", 1, 0},
}

func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

// NumArgs returns the declared argument count of the opcode.
func (op Opcode) NumArgs() int {
	return opcodeTable[op].numArgs
}

// ResultBits returns the width of the value the opcode produces, 0 if it
// produces none.
func (op Opcode) ResultBits() int {
	return opcodeTable[op].resultBits
}

// Known reports whether the opcode has a metadata entry.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}
