package backend

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/ir"
	"github.com/colorfulnotion/dynarec/log"
)

// Emitter turns blocks into host code and owns everything compiled so far:
// the block cache, the cross-block patch sites, the fastmem demotion state,
// and the prediction structures. One Emitter per guest processor.
type Emitter struct {
	code   *CodeBlock
	config UserConfig

	blocks      map[ir.LocationDescriptor]BlockDescriptor
	blockRanges blockRangeIndex
	patchInfo   map[ir.LocationDescriptor]*patchInformation

	fastmemPatches map[CodePtr]*fastmemPatchInfo
	doNotFastmem   map[DoNotFastmemMarker]struct{}

	fastDispatchTable []FastDispatchEntry

	// stub entrypoints, emitted once at buffer start
	runCode                 CodePtr
	returnFromRunCode       CodePtr
	forceReturnFromRunCode  CodePtr
	callbackStubs           [NumCallbacks]CodePtr
	popRSBHintHandler       CodePtr
	fastDispatchHintHandler CodePtr

	genTable map[ir.Opcode]genFunc

	afterStubs CodePtr
}

// patchInformation lists every patchable site in already-emitted code that
// targets one block location, by site kind.
type patchInformation struct {
	jg     []CodePtr
	jmp    []CodePtr
	movRcx []CodePtr
}

// EmitContext is what a per-opcode generator gets to work with.
type EmitContext struct {
	RA    *RegAlloc
	Block *ir.Block
	Index int
}

type genFunc func(e *Emitter, ctx *EmitContext, inst *ir.Inst)

// NewEmitter builds an emitter, allocates its code buffer, and emits the
// fixed stubs (run-code entry and exits, callback thunks, terminal handlers).
func NewEmitter(config UserConfig) (*Emitter, error) {
	var code *CodeBlock
	if config.ExecutableCode {
		var err error
		code, err = NewExecutableCodeBlock(config.codeCacheSize())
		if err != nil {
			return nil, err
		}
	} else {
		code = NewCodeBlock(config.codeCacheSize())
	}

	e := &Emitter{
		code:              code,
		config:            config,
		blocks:            make(map[ir.LocationDescriptor]BlockDescriptor),
		patchInfo:         make(map[ir.LocationDescriptor]*patchInformation),
		fastmemPatches:    make(map[CodePtr]*fastmemPatchInfo),
		doNotFastmem:      make(map[DoNotFastmemMarker]struct{}),
		fastDispatchTable: newFastDispatchTable(),
		genTable:          buildGenTable(),
	}

	e.code.EnableWriting()
	e.genRunCodeStubs()
	e.genMemoryAccessors()
	e.genTerminalHandlers()
	e.afterStubs = e.code.GetCodePtr()
	e.code.DisableWriting()

	log.Debug(log.JitMonitoring, "emitter ready",
		"cacheSize", config.codeCacheSize(), "stubBytes", e.afterStubs)
	return e, nil
}

// Code exposes the buffer for the dispatcher and for inspection.
func (e *Emitter) Code() *CodeBlock {
	return e.code
}

// RunCodeEntry is the host-callable entrypoint stub.
func (e *Emitter) RunCodeEntry() CodePtr {
	return e.runCode
}

// ReturnFromRunCode is the normal exit stub generated code jumps to when it
// yields back to the dispatcher.
func (e *Emitter) ReturnFromRunCode() CodePtr {
	return e.returnFromRunCode
}

// ForceReturnFromRunCode is the exit stub that abandons the remaining cycle
// budget first.
func (e *Emitter) ForceReturnFromRunCode() CodePtr {
	return e.forceReturnFromRunCode
}

// Emit compiles one block and registers it in the cache. Any patchable sites
// in previously compiled blocks that target this location are rewritten to
// direct branches before Emit returns.
func (e *Emitter) Emit(block *ir.Block) BlockDescriptor {
	if !block.HasTerminal() {
		panic(fmt.Sprintf("backend: block %s has no terminal", block.Location()))
	}

	e.code.EnableWriting()
	defer e.code.DisableWriting()

	ra := NewRegAlloc(e.code, block)
	ctx := &EmitContext{RA: ra, Block: block}

	entrypoint := e.code.AlignCode16()
	e.emitCondPrelude(block)

	for i, inst := range block.Instructions() {
		ctx.Index = i
		ra.BeginInst(i)
		gen, ok := e.genTable[inst.Op]
		if !ok {
			panic(fmt.Sprintf("backend: no generator for opcode %s", inst.Op))
		}
		gen(e, ctx, inst)
		ra.EndOfAllocScope()
	}
	ra.AssertNoMoreUses()

	e.emitAddCycles(block.CycleCount())
	e.emitTerminal(block.Terminal(),
		block.Location().SetSingleStepping(false),
		block.Location().SingleStepping())

	// overrun trap: falling off the end of a block is a translator defect
	e.code.Ud2()

	end := e.code.GetCodePtr()
	e.code.FlushIcacheSection(entrypoint, end)

	desc := BlockDescriptor{
		Entrypoint:  entrypoint,
		Size:        end - entrypoint,
		Location:    block.Location(),
		EndLocation: block.EndLocation(),
	}
	start, rangeEnd := desc.GuestRange()
	e.blockRanges.AddRange(start, rangeEnd, block.Location())
	e.registerBlock(desc)
	return desc
}

// registerBlock puts the descriptor in the cache and redirects every pending
// patch site at this location to the fresh entrypoint.
func (e *Emitter) registerBlock(desc BlockDescriptor) {
	if old, ok := e.blocks[desc.Location]; ok {
		log.Warn(log.CacheMonitoring, "block recompiled without invalidation",
			"location", desc.Location.String(), "oldEntry", old.Entrypoint)
	}
	e.blocks[desc.Location] = desc
	e.patch(desc.Location, desc.Entrypoint, true)
	log.Debug(log.JitMonitoring, "block compiled",
		"location", desc.Location.String(), "entry", desc.Entrypoint, "size", desc.Size)
}

// GetBasicBlock looks up a compiled block.
func (e *Emitter) GetBasicBlock(loc ir.LocationDescriptor) (BlockDescriptor, bool) {
	desc, ok := e.blocks[loc]
	return desc, ok
}

// BlockCount returns how many blocks are live in the cache.
func (e *Emitter) BlockCount() int {
	return len(e.blocks)
}

// InvalidateCacheRange throws away every block whose guest range overlaps
// [start, end], reverting any direct branches into them.
func (e *Emitter) InvalidateCacheRange(start, end uint32) {
	locs := e.blockRanges.InvalidateRange(start, end)
	if len(locs) == 0 {
		return
	}
	e.invalidateBlocks(locs)
	log.Debug(log.CacheMonitoring, "invalidated range",
		"start", start, "end", end, "blocks", len(locs))
}

// InvalidateBasicBlocks throws away the named blocks.
func (e *Emitter) InvalidateBasicBlocks(locs []ir.LocationDescriptor) {
	e.blockRanges.InvalidateLocations(locs)
	e.invalidateBlocks(locs)
}

func (e *Emitter) invalidateBlocks(locs []ir.LocationDescriptor) {
	e.code.EnableWriting()
	defer e.code.DisableWriting()
	for _, loc := range locs {
		if _, ok := e.blocks[loc]; !ok {
			continue
		}
		e.unpatch(loc)
		delete(e.blocks, loc)
	}
}

// ClearCache drops every compiled block and resets the prediction state. The
// fixed stubs survive; emission resumes right after them. Do-not-fastmem
// markers persist: a site that faulted once stays demoted.
func (e *Emitter) ClearCache() {
	e.code.EnableWriting()
	defer e.code.DisableWriting()

	e.blocks = make(map[ir.LocationDescriptor]BlockDescriptor)
	e.patchInfo = make(map[ir.LocationDescriptor]*patchInformation)
	e.fastmemPatches = make(map[CodePtr]*fastmemPatchInfo)
	e.blockRanges.Clear()
	e.clearFastDispatchTable()
	e.code.SetCodePtr(e.afterStubs)
	e.code.ResetFarCode()
	log.Info(log.CacheMonitoring, "cache cleared")
}

// emitCondPrelude guards a conditional block: when the condition fails, the
// block body is skipped, the failure cycle count is charged, and control
// links to the condition-failed location.
func (e *Emitter) emitCondPrelude(block *ir.Block) {
	if block.Condition() == ir.CondAL || block.Condition() == ir.CondNV {
		if block.HasConditionFailedLocation() {
			panic("backend: unconditional block with a condition-failed location")
		}
		return
	}
	if !block.HasConditionFailedLocation() {
		panic("backend: conditional block without a condition-failed location")
	}

	pass := e.emitCond(block.Condition())
	e.emitAddCycles(block.ConditionFailedCycleCount())
	e.emitTerminal(ir.TermLinkBlock{Next: block.ConditionFailedLocation()},
		block.Location().SetSingleStepping(false),
		block.Location().SingleStepping())
	e.code.SetJumpTarget(pass)
}

// emitCond emits an evaluation of cond against the state's NZCV word and
// returns a branch taken when the condition passes. Clobbers rax/rcx, so it
// only runs outside allocator scopes.
func (e *Emitter) emitCond(cond ir.Cond) FixupBranch {
	const (
		flagN = uint32(1) << 31
		flagZ = uint32(1) << 30
		flagC = uint32(1) << 29
		flagV = uint32(1) << 28
	)
	c := e.code

	testFlag := func(flag uint32, takenWhenSet bool) FixupBranch {
		c.TestMemImm32(StateReg, offCpsrNZCV, flag)
		if takenWhenSet {
			return c.Jcc(CC_NE)
		}
		return c.Jcc(CC_E)
	}

	switch cond {
	case ir.CondEQ:
		return testFlag(flagZ, true)
	case ir.CondNE:
		return testFlag(flagZ, false)
	case ir.CondCS:
		return testFlag(flagC, true)
	case ir.CondCC:
		return testFlag(flagC, false)
	case ir.CondMI:
		return testFlag(flagN, true)
	case ir.CondPL:
		return testFlag(flagN, false)
	case ir.CondVS:
		return testFlag(flagV, true)
	case ir.CondVC:
		return testFlag(flagV, false)
	case ir.CondHI, ir.CondLS:
		// C set and Z clear
		c.MovRegMem(32, RAX, StateReg, offCpsrNZCV)
		c.AluRegImm32(false, X86_EXT_AND, RAX, flagC|flagZ)
		c.AluRegImm32(false, X86_EXT_CMP, RAX, flagC)
		if cond == ir.CondHI {
			return c.Jcc(CC_E)
		}
		return c.Jcc(CC_NE)
	case ir.CondGE, ir.CondLT:
		// N == V: align V under N and xor
		c.MovRegMem(32, RAX, StateReg, offCpsrNZCV)
		c.MovRegReg32(RCX, RAX)
		c.ShlRegImm(false, RCX, 3)
		c.XorRegReg(false, RCX, RAX)
		c.TestRegImm32(false, RCX, flagN)
		if cond == ir.CondGE {
			return c.Jcc(CC_E)
		}
		return c.Jcc(CC_NE)
	case ir.CondGT, ir.CondLE:
		// Z clear and N == V
		c.MovRegMem(32, RAX, StateReg, offCpsrNZCV)
		c.MovRegReg32(RCX, RAX)
		c.ShlRegImm(false, RCX, 3)
		c.XorRegReg(false, RCX, RAX)
		c.ShlRegImm(false, RAX, 1)
		c.OrRegReg(false, RCX, RAX)
		c.TestRegImm32(false, RCX, flagN)
		if cond == ir.CondGT {
			return c.Jcc(CC_E)
		}
		return c.Jcc(CC_NE)
	default:
		panic(fmt.Sprintf("backend: cannot emit condition %s", cond))
	}
}

// emitAddCycles charges the block's cycle count against the budget.
func (e *Emitter) emitAddCycles(cycles int) {
	if cycles == 0 {
		return
	}
	e.code.SubMemImm32(true, StateReg, offCyclesRemain, uint32(cycles))
}

// genRunCodeStubs emits the host entry and the two exit stubs. The entry is
// called as (state, target, fastmemBase); it pins the state and fastmem base
// registers and tail-jumps into generated code.
func (e *Emitter) genRunCodeStubs() {
	c := e.code

	e.runCode = c.AlignCode16()
	c.PushReg(RBX)
	c.PushReg(RBP)
	c.PushReg(R12)
	c.PushReg(R13)
	c.PushReg(R14)
	c.PushReg(R15)
	c.MovRegReg64(StateReg, RDI)
	c.MovRegReg64(FastmemReg, RDX)
	c.JmpReg(RSI)

	e.forceReturnFromRunCode = c.AlignCode16()
	c.MovMemImm32(true, StateReg, offCyclesRemain, 0)

	e.returnFromRunCode = c.GetCodePtr()
	c.PopReg(R15)
	c.PopReg(R14)
	c.PopReg(R13)
	c.PopReg(R12)
	c.PopReg(RBP)
	c.PopReg(RBX)
	c.Ret()
}
