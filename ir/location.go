package ir

import "fmt"

// LocationDescriptor packs everything that identifies a guest program point
// into one totally-ordered 64-bit key: the program counter in the low 32 bits,
// the instruction-set mode bit (T), the big-endian bit (E), the single-step
// bit, and the floating-point control word in the upper bits. Two blocks
// starting at the same PC but compiled under different mode bits are different
// blocks and get different cache entries.
//
// Layout:
//
//	bits  0..31  PC
//	bit   32     T (alternate instruction-set mode)
//	bit   33     E (big-endian data accesses)
//	bit   34     single-stepping
//	bits 40..63  FPCR (control bits only)
type LocationDescriptor uint64

const (
	tFlagBit    = uint64(1) << 32
	eFlagBit    = uint64(1) << 33
	stepFlagBit = uint64(1) << 34
	fpcrShift   = 40
	fpcrMask    = uint32(0x07F7_0000) >> 16 // FPCR control bits, pre-shifted
)

// NewLocationDescriptor builds a descriptor from its components.
func NewLocationDescriptor(pc uint32, tFlag, eFlag bool, fpcr uint32) LocationDescriptor {
	v := uint64(pc)
	if tFlag {
		v |= tFlagBit
	}
	if eFlag {
		v |= eFlagBit
	}
	v |= uint64((fpcr>>16)&fpcrMask) << fpcrShift
	return LocationDescriptor(v)
}

func (d LocationDescriptor) PC() uint32 {
	return uint32(d)
}

func (d LocationDescriptor) TFlag() bool {
	return uint64(d)&tFlagBit != 0
}

func (d LocationDescriptor) EFlag() bool {
	return uint64(d)&eFlagBit != 0
}

func (d LocationDescriptor) SingleStepping() bool {
	return uint64(d)&stepFlagBit != 0
}

func (d LocationDescriptor) FPCR() uint32 {
	return uint32(uint64(d)>>fpcrShift) << 16
}

// Value returns the packed form. Descriptors order and compare by this value.
func (d LocationDescriptor) Value() uint64 {
	return uint64(d)
}

// SetPC returns a descriptor at a different PC with identical mode bits.
func (d LocationDescriptor) SetPC(pc uint32) LocationDescriptor {
	return LocationDescriptor(uint64(d)&^uint64(0xFFFFFFFF) | uint64(pc))
}

// AdvancePC returns a descriptor advanced by the given byte amount.
func (d LocationDescriptor) AdvancePC(amount int) LocationDescriptor {
	return d.SetPC(uint32(int(d.PC()) + amount))
}

// SetSingleStepping returns a derived descriptor with the single-step bit set
// or cleared. The receiver is unchanged.
func (d LocationDescriptor) SetSingleStepping(step bool) LocationDescriptor {
	if step {
		return LocationDescriptor(uint64(d) | stepFlagBit)
	}
	return LocationDescriptor(uint64(d) &^ stepFlagBit)
}

// UpperHalf returns the mode half of the descriptor, used by generated code
// that reconstructs the full descriptor from the guest PC at run time.
func (d LocationDescriptor) UpperHalf() uint32 {
	return uint32(uint64(d) >> 32)
}

func (d LocationDescriptor) String() string {
	t := "!T"
	if d.TFlag() {
		t = "T"
	}
	e := "!E"
	if d.EFlag() {
		e = "E"
	}
	step := ""
	if d.SingleStepping() {
		step = ",step"
	}
	return fmt.Sprintf("{%08x,%s,%s,%08x%s}", d.PC(), t, e, d.FPCR(), step)
}
