package backend

import "unsafe"

const (
	// RSBSize is the depth of the return stack buffer ring.
	RSBSize    = 8
	RSBPtrMask = RSBSize - 1

	// SpillCount is the number of 64-bit spill slots the allocator may use.
	SpillCount = 64

	NumGuestRegs = 16
)

// JitState is the per-processor guest state block. Generated code addresses
// it through StateReg (r15) with the offsets below, so the layout here and
// the offsets the emitter bakes into code can never drift apart.
type JitState struct {
	Regs [NumGuestRegs]uint32

	// mode half of the current location descriptor (T/E/step/FPCR bits)
	UpperLocationDescriptor uint32

	CpsrNZCV      uint32
	CheckBit      uint8
	HaltRequested uint8
	_             [2]uint8

	CyclesToRun     int64
	CyclesRemaining int64

	RSBPtr                 uint32
	_                      uint32
	RSBLocationDescriptors [RSBSize]uint64
	RSBCodePtrs            [RSBSize]uint64

	// CallbackTable points at the trampoline table generated stubs call
	// through; the embedder fills it before running code.
	CallbackTable *[NumCallbacks]uintptr

	Spill [SpillCount]uint64
}

// GetUniqueHash reconstructs the location descriptor execution currently
// corresponds to.
func (s *JitState) GetUniqueHash() uint64 {
	return uint64(s.UpperLocationDescriptor)<<32 | uint64(s.Regs[15])
}

// SetLocationDescriptor primes the state to start executing at loc.
func (s *JitState) SetLocationDescriptor(loc uint64) {
	s.Regs[15] = uint32(loc)
	s.UpperLocationDescriptor = uint32(loc >> 32)
}

// ResetRSB poisons the return stack buffer so stale predictions cannot hit.
func (s *JitState) ResetRSB() {
	for i := range s.RSBLocationDescriptors {
		s.RSBLocationDescriptors[i] = ^uint64(0)
		s.RSBCodePtrs[i] = 0
	}
	s.RSBPtr = 0
}

var jsProto JitState

var (
	offRegs          = int32(unsafe.Offsetof(jsProto.Regs))
	offUpperLocDesc  = int32(unsafe.Offsetof(jsProto.UpperLocationDescriptor))
	offCpsrNZCV      = int32(unsafe.Offsetof(jsProto.CpsrNZCV))
	offCheckBit      = int32(unsafe.Offsetof(jsProto.CheckBit))
	offHaltRequested = int32(unsafe.Offsetof(jsProto.HaltRequested))
	offCyclesToRun   = int32(unsafe.Offsetof(jsProto.CyclesToRun))
	offCyclesRemain  = int32(unsafe.Offsetof(jsProto.CyclesRemaining))
	offRSBPtr        = int32(unsafe.Offsetof(jsProto.RSBPtr))
	offRSBLocDescs   = int32(unsafe.Offsetof(jsProto.RSBLocationDescriptors))
	offRSBCodePtrs   = int32(unsafe.Offsetof(jsProto.RSBCodePtrs))
	offCallbackTable = int32(unsafe.Offsetof(jsProto.CallbackTable))
	offSpill         = int32(unsafe.Offsetof(jsProto.Spill))
)

// regOffset returns the state offset of guest register r.
func regOffset(r int) int32 {
	return offRegs + int32(4*r)
}

// offPC is where the guest program counter lives.
var offPC = regOffset(15)

// spillOffset returns the state offset of spill slot i.
func spillOffset(i int) int32 {
	return offSpill + int32(8*i)
}
