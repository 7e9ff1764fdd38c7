package backend

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/ir"
	"github.com/colorfulnotion/dynarec/log"
)

// RegAlloc hands host registers to the per-instruction generators. A value
// lives in exactly one host location (GPR, XMM, or a spill slot in the state
// block) from DefineValue until its declared number of uses has been
// consumed. Locations touched during the current instruction are locked until
// EndOfAllocScope so a generator can hold several registers at once.
//
// When no register is free the allocator evicts the unlocked value whose next
// use is farthest away. Candidate locations are scanned in a fixed order, so
// allocation is fully deterministic: the same block always produces the same
// machine code.
type RegAlloc struct {
	code  *CodeBlock
	block *ir.Block

	// declared uses not yet consumed, per value-producing instruction
	remainingUses map[*ir.Inst]int
	// instruction indices at which each value is consumed, ascending
	usePositions map[*ir.Inst][]int

	locOf map[*ir.Inst]int
	locs  []locInfo

	current int
}

type locInfo struct {
	value  *ir.Inst
	locked bool
}

var gprOrder = []HostReg{RAX, RBX, RCX, RDX, RSI, RDI, RBP, R8, R9, R10, R11, R12, R14}
var xmmOrder = []HostReg{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}

const (
	gprLocBase   = 0
	xmmLocBase   = gprLocBase + 13
	spillLocBase = xmmLocBase + 8
	numLocs      = spillLocBase + SpillCount
)

// NewRegAlloc builds an allocator for one block, precomputing every value's
// use positions for the eviction heuristic.
func NewRegAlloc(code *CodeBlock, block *ir.Block) *RegAlloc {
	ra := &RegAlloc{
		code:          code,
		block:         block,
		remainingUses: make(map[*ir.Inst]int),
		usePositions:  make(map[*ir.Inst][]int),
		locOf:         make(map[*ir.Inst]int),
		locs:          make([]locInfo, numLocs),
	}
	for _, inst := range block.Instructions() {
		if inst.ProducesValue() {
			ra.remainingUses[inst] = inst.UseCount
		}
		for _, arg := range inst.Args {
			if producer := arg.Inst(); producer != nil {
				ra.usePositions[producer] = append(ra.usePositions[producer], inst.Index())
			}
		}
	}
	return ra
}

// BeginInst tells the allocator which instruction the generators are about to
// emit code for.
func (ra *RegAlloc) BeginInst(index int) {
	ra.current = index
}

// UseGpr realizes v in a general-purpose register and consumes one use. The
// register still belongs to the value; the generator must not clobber it.
func (ra *RegAlloc) UseGpr(v ir.Value) HostReg {
	if v.IsImmediate() {
		r := ra.ScratchGpr()
		ra.code.MovRegImm64(r, v.Imm())
		return r
	}
	inst := ra.instOperand(v)
	idx := ra.realizeInGpr(inst)
	ra.locs[idx].locked = true
	ra.consumeUse(inst)
	return gprOrder[idx-gprLocBase]
}

// UseScratchGpr copies v into a register the generator may clobber and
// consumes one use. The value's own location, if any, is untouched.
func (ra *RegAlloc) UseScratchGpr(v ir.Value) HostReg {
	if v.IsImmediate() {
		r := ra.ScratchGpr()
		ra.code.MovRegImm64(r, v.Imm())
		return r
	}
	inst := ra.instOperand(v)
	srcIdx := ra.realizeInGpr(inst)
	ra.locs[srcIdx].locked = true
	dstIdx := ra.allocGpr()
	ra.code.MovRegReg64(gprOrder[dstIdx-gprLocBase], gprOrder[srcIdx-gprLocBase])
	ra.consumeUse(inst)
	return gprOrder[dstIdx-gprLocBase]
}

// UseScratchGprAt pins v into a specific register, evicting whatever lives
// there, and consumes one use. Used to marshal host-call arguments.
func (ra *RegAlloc) UseScratchGprAt(v ir.Value, reg HostReg) HostReg {
	idx := ra.gprLocIndex(reg)
	if ra.locs[idx].locked {
		panic(fmt.Sprintf("regalloc: %s is already reserved in this scope", reg))
	}
	if occ := ra.locs[idx].value; occ != nil {
		ra.spillLoc(idx)
	}
	ra.locs[idx].locked = true

	switch {
	case v.IsImmediate():
		ra.code.MovRegImm64(reg, v.Imm())
	default:
		inst := ra.instOperand(v)
		cur, ok := ra.locOf[inst]
		if !ok {
			panic(fmt.Sprintf("regalloc: use of undefined value %%%d", inst.Index()))
		}
		ra.copyFromLoc(reg, cur)
		ra.consumeUse(inst)
	}
	return reg
}

// ScratchGpr allocates a free register with no value in it.
func (ra *RegAlloc) ScratchGpr() HostReg {
	idx := ra.allocGpr()
	return gprOrder[idx-gprLocBase]
}

// ScratchGprAt reserves a specific register, evicting any occupant.
func (ra *RegAlloc) ScratchGprAt(reg HostReg) HostReg {
	idx := ra.gprLocIndex(reg)
	if ra.locs[idx].locked {
		panic(fmt.Sprintf("regalloc: %s is already reserved in this scope", reg))
	}
	if ra.locs[idx].value != nil {
		ra.spillLoc(idx)
	}
	ra.locs[idx].locked = true
	return reg
}

// ScratchXmm allocates a free SSE register.
func (ra *RegAlloc) ScratchXmm() HostReg {
	idx := ra.allocXmm()
	return xmmOrder[idx-xmmLocBase]
}

// DefineValue binds inst's result to the given register. Dead results
// (declared zero uses) are discarded.
func (ra *RegAlloc) DefineValue(inst *ir.Inst, reg HostReg) {
	if inst == nil || !inst.ProducesValue() {
		panic("regalloc: defining a value for a void instruction")
	}
	if _, ok := ra.locOf[inst]; ok {
		panic(fmt.Sprintf("regalloc: value %%%d defined twice", inst.Index()))
	}
	if inst.UseCount == 0 {
		return
	}
	idx := ra.locIndex(reg)
	if ra.locs[idx].value != nil {
		panic(fmt.Sprintf("regalloc: defining %%%d into occupied %s", inst.Index(), reg))
	}
	ra.locs[idx].value = inst
	ra.locs[idx].locked = true
	ra.locOf[inst] = idx
}

// HostCall marshals up to four arguments into the ABI argument registers,
// evacuates every live value from caller-saved registers, and reserves them
// for the duration of the call the generator is about to emit. When result is
// non-nil its value is defined as the call's return register.
func (ra *RegAlloc) HostCall(result *ir.Inst, args ...ir.Value) {
	if len(args) > 4 {
		panic("regalloc: too many host call arguments")
	}
	for i, arg := range args {
		ra.UseScratchGprAt(arg, abiArgRegs[i])
	}
	for _, r := range abiCallerSave {
		idx := ra.locIndex(r)
		if ra.locs[idx].locked {
			continue
		}
		if ra.locs[idx].value != nil {
			ra.spillLoc(idx)
		}
		ra.locs[idx].locked = true
	}
	if result != nil {
		ra.locs[ra.locIndex(abiReturnReg)].locked = false
		ra.DefineValue(result, abiReturnReg)
	}
}

// EndOfAllocScope unlocks every location and releases values whose uses are
// exhausted. Called after each instruction's generator.
func (ra *RegAlloc) EndOfAllocScope() {
	for idx := range ra.locs {
		ra.locs[idx].locked = false
		if v := ra.locs[idx].value; v != nil && ra.remainingUses[v] == 0 {
			ra.locs[idx].value = nil
			delete(ra.locOf, v)
		}
	}
}

// AssertNoMoreUses panics if any value still has unconsumed declared uses at
// the end of the block. A leftover count means the declared use counts and
// the instructions that actually ran disagree, which is a translator defect.
func (ra *RegAlloc) AssertNoMoreUses() {
	for inst, n := range ra.remainingUses {
		if n != 0 {
			panic(fmt.Sprintf("regalloc: value %%%d (%s) has %d unconsumed uses at end of block",
				inst.Index(), inst.Op, n))
		}
	}
}

// --- internals ---

func (ra *RegAlloc) instOperand(v ir.Value) *ir.Inst {
	inst := v.Inst()
	if inst == nil {
		panic("regalloc: register-name operand reached the allocator")
	}
	return inst
}

func (ra *RegAlloc) consumeUse(inst *ir.Inst) {
	n, ok := ra.remainingUses[inst]
	if !ok || n == 0 {
		panic(fmt.Sprintf("regalloc: value %%%d consumed more times than declared", inst.Index()))
	}
	ra.remainingUses[inst] = n - 1
}

func (ra *RegAlloc) locIndex(reg HostReg) int {
	if reg.IsXmm() {
		for i, r := range xmmOrder {
			if r == reg {
				return xmmLocBase + i
			}
		}
	} else {
		for i, r := range gprOrder {
			if r == reg {
				return gprLocBase + i
			}
		}
	}
	panic(fmt.Sprintf("regalloc: %s is not an allocatable register", reg))
}

func (ra *RegAlloc) gprLocIndex(reg HostReg) int {
	idx := ra.locIndex(reg)
	if idx >= xmmLocBase {
		panic(fmt.Sprintf("regalloc: %s is not a GPR", reg))
	}
	return idx
}

func isSpillLoc(idx int) bool {
	return idx >= spillLocBase
}

// realizeInGpr makes sure inst's value sits in a GPR and returns that
// location index.
func (ra *RegAlloc) realizeInGpr(inst *ir.Inst) int {
	cur, ok := ra.locOf[inst]
	if !ok {
		panic(fmt.Sprintf("regalloc: use of undefined value %%%d", inst.Index()))
	}
	if cur >= gprLocBase && cur < xmmLocBase {
		return cur
	}
	idx := ra.allocGpr()
	ra.copyFromLoc(gprOrder[idx-gprLocBase], cur)
	ra.rebind(inst, cur, idx)
	return idx
}

// copyFromLoc emits a move of the 64-bit value at location src into dst.
func (ra *RegAlloc) copyFromLoc(dst HostReg, src int) {
	switch {
	case isSpillLoc(src):
		ra.code.MovRegMem(64, dst, StateReg, spillOffset(src-spillLocBase))
	case src >= xmmLocBase:
		ra.code.MovqGprXmm(dst, xmmOrder[src-xmmLocBase])
	default:
		ra.code.MovRegReg64(dst, gprOrder[src-gprLocBase])
	}
}

func (ra *RegAlloc) rebind(inst *ir.Inst, from, to int) {
	ra.locs[from].value = nil
	ra.locs[to].value = inst
	ra.locOf[inst] = to
}

// allocGpr returns a locked, empty GPR location, evicting if necessary.
func (ra *RegAlloc) allocGpr() int {
	return ra.allocFrom(gprLocBase, xmmLocBase)
}

func (ra *RegAlloc) allocXmm() int {
	return ra.allocFrom(xmmLocBase, spillLocBase)
}

func (ra *RegAlloc) allocFrom(begin, end int) int {
	for idx := begin; idx < end; idx++ {
		if !ra.locs[idx].locked && ra.locs[idx].value == nil {
			ra.locs[idx].locked = true
			return idx
		}
	}

	// Evict the unlocked value whose next use is farthest away. Strict
	// greater-than keeps the scan deterministic on ties.
	victim := -1
	victimNext := -1
	for idx := begin; idx < end; idx++ {
		if ra.locs[idx].locked {
			continue
		}
		next := ra.nextUseAfter(ra.locs[idx].value)
		if next > victimNext {
			victim = idx
			victimNext = next
		}
	}
	if victim < 0 {
		panic("regalloc: all registers locked, emitter holds too many at once")
	}
	ra.spillLoc(victim)
	ra.locs[victim].locked = true
	return victim
}

// nextUseAfter returns the index of the value's next consumption at or after
// the current instruction; values never used again sort last.
func (ra *RegAlloc) nextUseAfter(inst *ir.Inst) int {
	const never = int(^uint(0) >> 1)
	for _, pos := range ra.usePositions[inst] {
		if pos >= ra.current {
			return pos
		}
	}
	return never
}

// spillLoc moves the value in the given register location out to a free
// spill slot in the state block.
func (ra *RegAlloc) spillLoc(idx int) {
	inst := ra.locs[idx].value
	if inst == nil {
		return
	}
	slot := ra.freeSpillSlot()
	if idx >= xmmLocBase {
		ra.code.MovqMemXmm(StateReg, spillOffset(slot), xmmOrder[idx-xmmLocBase])
	} else {
		ra.code.MovMemReg(64, StateReg, spillOffset(slot), gprOrder[idx-gprLocBase])
	}
	ra.rebind(inst, idx, spillLocBase+slot)
	log.Trace(log.RegAllocTracing, "spill", "value", inst.Index(), "slot", slot)
}

func (ra *RegAlloc) freeSpillSlot() int {
	for i := 0; i < SpillCount; i++ {
		if ra.locs[spillLocBase+i].value == nil {
			return i
		}
	}
	panic("regalloc: out of spill slots")
}
