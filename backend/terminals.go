package backend

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unsafe"

	"github.com/colorfulnotion/dynarec/ir"
	"github.com/colorfulnotion/dynarec/log"
)

// Patch sites come in three fixed-size kinds. Every variant that can be
// written into a site fits the budget, so patching is always an in-place
// overwrite.
const (
	// jg-on-cycles-remaining to a block entry, or store-PC + jg to the
	// dispatcher exit while the target is uncompiled
	patchJgSize = 20
	// unconditional jmp to a block entry, or store-PC + jmp to the exit
	patchJmpSize = 16
	// mov rcx, imm64 of a block entry, for RSB code pointers
	patchMovRcxSize = 10
)

// emitTerminal lowers a terminal. initialLocation is the block's own location
// with the single-step bit stripped; isSingleStep disables every linking and
// prediction shortcut so each block yields to the dispatcher.
func (e *Emitter) emitTerminal(term ir.Terminal, initialLocation ir.LocationDescriptor, isSingleStep bool) {
	c := e.code
	switch t := term.(type) {
	case ir.TermInterpret:
		e.emitSetLocation(t.Next, initialLocation)
		// InterpreterFallback(pc, numInstructions)
		c.MovRegImm32(RDI, t.Next.PC())
		c.MovRegImm32(RSI, 1)
		c.CallTo(e.callbackStubs[CallbackInterpreterFallback])
		c.JmpTo(e.returnFromRunCode)

	case ir.TermReturnToDispatch:
		c.JmpTo(e.returnFromRunCode)

	case ir.TermLinkBlock:
		if !e.config.EnableOptimizations || isSingleStep {
			e.emitSetLocation(t.Next, initialLocation)
			c.JmpTo(e.returnFromRunCode)
			return
		}
		c.CmpMemImm8s(true, StateReg, offCyclesRemain, 0)
		e.registerPatchSite(t.Next, &e.patchInfoFor(t.Next).jg)
		e.writePatchJg(t.Next)
		// budget exhausted: persist the location, predict the resume point,
		// and yield
		e.emitSetLocation(t.Next, initialLocation)
		e.pushRSBHelper(t.Next)
		c.JmpTo(e.forceReturnFromRunCode)

	case ir.TermLinkBlockFast:
		if !e.config.EnableOptimizations || isSingleStep {
			e.emitSetLocation(t.Next, initialLocation)
			c.JmpTo(e.returnFromRunCode)
			return
		}
		e.registerPatchSite(t.Next, &e.patchInfoFor(t.Next).jmp)
		e.writePatchJmp(t.Next)

	case ir.TermPopRSBHint:
		if !e.config.EnableOptimizations || isSingleStep {
			c.JmpTo(e.returnFromRunCode)
			return
		}
		c.JmpTo(e.popRSBHintHandler)

	case ir.TermFastDispatchHint:
		if !e.config.EnableOptimizations || !e.config.EnableFastDispatch || isSingleStep {
			c.JmpTo(e.returnFromRunCode)
			return
		}
		c.JmpTo(e.fastDispatchHintHandler)

	case ir.TermIf:
		pass := e.emitCond(t.Cond)
		e.emitTerminal(t.Else, initialLocation, isSingleStep)
		c.SetJumpTarget(pass)
		e.emitTerminal(t.Then, initialLocation, isSingleStep)

	case ir.TermCheckBit:
		c.CmpByteMemImm(StateReg, offCheckBit, 0)
		toElse := c.Jcc(CC_E)
		e.emitTerminal(t.Then, initialLocation, isSingleStep)
		c.SetJumpTarget(toElse)
		e.emitTerminal(t.Else, initialLocation, isSingleStep)

	case ir.TermCheckHalt:
		c.CmpByteMemImm(StateReg, offHaltRequested, 0)
		c.JccTo(CC_NE, e.forceReturnFromRunCode)
		e.emitTerminal(t.Else, initialLocation, isSingleStep)

	default:
		panic(fmt.Sprintf("backend: unknown terminal %T", term))
	}
}

// emitSetLocation stores the successor's PC, and its mode half when it
// differs from the current block's.
func (e *Emitter) emitSetLocation(next, initial ir.LocationDescriptor) {
	e.code.MovMemImm32(false, StateReg, offPC, next.PC())
	if next.UpperHalf() != initial.UpperHalf() {
		e.code.MovMemImm32(false, StateReg, offUpperLocDesc, next.UpperHalf())
	}
}

// --- patchable sites ---

func (e *Emitter) patchInfoFor(loc ir.LocationDescriptor) *patchInformation {
	info, ok := e.patchInfo[loc]
	if !ok {
		info = &patchInformation{}
		e.patchInfo[loc] = info
	}
	return info
}

func (e *Emitter) registerPatchSite(loc ir.LocationDescriptor, list *[]CodePtr) {
	*list = append(*list, e.code.GetCodePtr())
}

// writePatchJg emits the jg-kind site for loc at the cursor, choosing the
// direct or placeholder variant by whether loc is compiled.
func (e *Emitter) writePatchJg(loc ir.LocationDescriptor) {
	start := e.code.GetCodePtr()
	if desc, ok := e.blocks[loc]; ok {
		e.code.JccTo(CC_G, desc.Entrypoint)
	} else {
		e.code.MovMemImm32(false, StateReg, offPC, loc.PC())
		e.code.JccTo(CC_G, e.returnFromRunCode)
	}
	e.code.EnsurePatchLocationSize(start, patchJgSize)
}

func (e *Emitter) writePatchJmp(loc ir.LocationDescriptor) {
	start := e.code.GetCodePtr()
	if desc, ok := e.blocks[loc]; ok {
		e.code.JmpTo(desc.Entrypoint)
	} else {
		e.code.MovMemImm32(false, StateReg, offPC, loc.PC())
		e.code.JmpTo(e.returnFromRunCode)
	}
	e.code.EnsurePatchLocationSize(start, patchJmpSize)
}

func (e *Emitter) writePatchMovRcx(loc ir.LocationDescriptor) {
	start := e.code.GetCodePtr()
	if desc, ok := e.blocks[loc]; ok {
		e.code.MovRegImm64(RCX, uint64(desc.Entrypoint))
	} else {
		e.code.MovRegImm64(RCX, uint64(e.returnFromRunCode))
	}
	e.code.EnsurePatchLocationSize(start, patchMovRcxSize)
}

// patch rewrites every recorded site targeting loc to its current form. The
// buffer must already be writable.
func (e *Emitter) patch(loc ir.LocationDescriptor, entry CodePtr, compiled bool) {
	info, ok := e.patchInfo[loc]
	if !ok {
		return
	}
	save := e.code.GetCodePtr()
	n := 0
	for _, site := range info.jg {
		e.code.SetCodePtr(site)
		e.writePatchJg(loc)
		e.code.FlushIcacheSection(site, site+patchJgSize)
		n++
	}
	for _, site := range info.jmp {
		e.code.SetCodePtr(site)
		e.writePatchJmp(loc)
		e.code.FlushIcacheSection(site, site+patchJmpSize)
		n++
	}
	for _, site := range info.movRcx {
		e.code.SetCodePtr(site)
		e.writePatchMovRcx(loc)
		e.code.FlushIcacheSection(site, site+patchMovRcxSize)
		n++
	}
	e.code.SetCodePtr(save)
	if n > 0 {
		log.Debug(log.CacheMonitoring, "patched link sites",
			"location", loc.String(), "sites", n, "entry", entry, "compiled", compiled)
	}
}

// unpatch reverts every site targeting loc to the placeholder form and wipes
// the block out of the prediction structures. Caller removes loc from the
// block cache afterwards; the placeholder writers below must not see it as
// compiled, so the entry is deleted here first.
func (e *Emitter) unpatch(loc ir.LocationDescriptor) {
	delete(e.blocks, loc)
	e.patch(loc, 0, false)

	for i := range e.fastDispatchTable {
		if e.fastDispatchTable[i].LocationDescriptor == loc.Value() {
			e.fastDispatchTable[i] = invalidFastDispatchEntry
		}
	}
}

// --- return stack buffer ---

// pushRSBHelper records (location, code pointer) in the state's RSB ring.
// The code pointer is itself a patchable imm64: it tracks the target block
// through compilation and invalidation. Clobbers rax/rbx/rcx.
func (e *Emitter) pushRSBHelper(loc ir.LocationDescriptor) {
	c := e.code
	c.MovRegImm64(RBX, loc.Value())
	c.MovRegMem(32, RAX, StateReg, offRSBPtr)
	c.AluRegImm8s(false, X86_EXT_ADD, RAX, 1)
	c.AluRegImm32(false, X86_EXT_AND, RAX, RSBPtrMask)
	c.MovMemReg(32, StateReg, offRSBPtr, RAX)
	c.MovMemIndexReg64(StateReg, RAX, 8, offRSBLocDescs, RBX)
	e.registerPatchSite(loc, &e.patchInfoFor(loc).movRcx)
	e.writePatchMovRcx(loc)
	c.MovMemIndexReg64(StateReg, RAX, 8, offRSBCodePtrs, RCX)
}

// --- fast dispatch table ---

const fastDispatchTableSize = 1024

// FastDispatchEntry is one slot of the hashed dispatch table: a full
// location descriptor (the hash is not trusted, a hit requires an exact
// descriptor match) and the block's code pointer.
type FastDispatchEntry struct {
	LocationDescriptor uint64
	CodePtr            uint64
}

var invalidFastDispatchEntry = FastDispatchEntry{LocationDescriptor: ^uint64(0)}

func newFastDispatchTable() []FastDispatchEntry {
	t := make([]FastDispatchEntry, fastDispatchTableSize)
	for i := range t {
		t[i] = invalidFastDispatchEntry
	}
	return t
}

func (e *Emitter) clearFastDispatchTable() {
	for i := range e.fastDispatchTable {
		e.fastDispatchTable[i] = invalidFastDispatchEntry
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// fastDispatchHash hashes a packed descriptor the way the CRC32 instruction
// does: Castagnoli polynomial, zero seed, no bit inversion. The inversions
// here cancel the ones crc32.Update applies internally.
func fastDispatchHash(value uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return ^crc32.Update(^uint32(0), castagnoli, b[:])
}

func (e *Emitter) fastDispatchSlot(value uint64) *FastDispatchEntry {
	return &e.fastDispatchTable[fastDispatchHash(value)&(fastDispatchTableSize-1)]
}

// LookupFastDispatch is the host-side twin of the emitted hint handler: hash
// the descriptor, compare the slot's full descriptor, and on a cache miss
// install the block if one is compiled. The bool reports whether a code
// pointer was produced.
func (e *Emitter) LookupFastDispatch(loc ir.LocationDescriptor) (CodePtr, bool) {
	entry := e.fastDispatchSlot(loc.Value())
	if entry.LocationDescriptor == loc.Value() {
		return CodePtr(entry.CodePtr), true
	}
	desc, ok := e.blocks[loc]
	if !ok {
		return 0, false
	}
	entry.LocationDescriptor = loc.Value()
	entry.CodePtr = uint64(desc.Entrypoint)
	return desc.Entrypoint, true
}

// genTerminalHandlers emits the shared prediction handlers: the RSB pop and
// the hashed-table dispatch. Both reconstruct the current location descriptor
// from the state block, verify their prediction with a full descriptor
// compare, and fall back to the host block lookup callback on a miss.
func (e *Emitter) genTerminalHandlers() {
	c := e.code

	calcLocationDescriptor := func() {
		// rbx = upper<<32 | PC
		c.MovRegMem(32, RAX, StateReg, offPC)
		c.MovRegMem(32, RBX, StateReg, offUpperLocDesc)
		c.ShlRegImm(true, RBX, 32)
		c.OrRegReg(true, RBX, RAX)
	}

	e.popRSBHintHandler = c.AlignCode16()
	calcLocationDescriptor()
	// the pop consumes the top slot whether or not the prediction matches;
	// a mispredicted return must not leave a stale entry shadowing the ring
	c.MovRegMem(32, RCX, StateReg, offRSBPtr)
	c.MovRegReg32(RAX, RCX)
	c.AluRegImm8s(false, X86_EXT_SUB, RAX, 1)
	c.AluRegImm32(false, X86_EXT_AND, RAX, RSBPtrMask)
	c.MovMemReg(32, StateReg, offRSBPtr, RAX)
	c.CmpRegMemIndex64(RBX, StateReg, RCX, 8, offRSBLocDescs)
	var rsbMiss FixupBranch
	if e.config.EnableFastDispatch {
		rsbMiss = c.Jcc(CC_NE)
	} else {
		c.JccTo(CC_NE, e.returnFromRunCode)
	}
	c.MovRegMemIndex64(RDX, StateReg, RCX, 8, offRSBCodePtrs)
	c.JmpReg(RDX)

	e.fastDispatchHintHandler = c.AlignCode16()
	calcLocationDescriptor()
	lookupBody := c.GetCodePtr()
	if e.config.EnableFastDispatch {
		c.SetJumpTargetAt(rsbMiss, lookupBody)
	}
	tableAddr := uintptr(unsafe.Pointer(&e.fastDispatchTable[0]))
	// rax = &table[crc32c(descriptor) & mask]
	c.XorRegReg(false, RAX, RAX)
	c.Crc32RegReg64(RAX, RBX)
	c.AluRegImm32(false, X86_EXT_AND, RAX, fastDispatchTableSize-1)
	c.ShlRegImm(false, RAX, 4)
	c.MovRegImm64(RCX, uint64(tableAddr))
	c.AddRegReg(true, RAX, RCX)
	c.CmpRegMem(true, RBX, RAX, 0)
	miss := c.Jcc(CC_NE)
	c.MovRegMem(64, RDX, RAX, 8)
	c.JmpReg(RDX)
	c.SetJumpTarget(miss)
	// install the descriptor, ask the host for the code pointer, remember it
	c.MovMemReg(64, RAX, 0, RBX)
	c.MovRegReg64(RBP, RAX)
	c.CallTo(e.callbackStubs[CallbackLookupBlock])
	c.MovMemReg(64, RBP, 8, RAX)
	c.JmpReg(RAX)
}
