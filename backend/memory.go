package backend

import (
	"fmt"
	"unsafe"

	"github.com/colorfulnotion/dynarec/ir"
	"github.com/colorfulnotion/dynarec/log"
)

// Memory access strategy, fastest first:
//
//  1. fastmem: one load/store at [FastmemReg + vaddr]. An access that faults
//     is demoted: the site is patched to a far slow path so execution can
//     resume, the site is marked do-not-fastmem forever, and the owning
//     block is invalidated so its recompile uses a slower strategy.
//  2. page table: inline walk of the host pointer table, with a far callback
//     fallback for unmapped pages.
//  3. callbacks: a host call per access.

// fastmemPatchSize is the fixed byte size of an inline fastmem access site;
// big enough for any access form and for the jmp that replaces it on
// demotion.
const fastmemPatchSize = 8

// DoNotFastmemMarker names one memory access site: the block it belongs to
// and the instruction offset within it. Demotion is permanent per site.
type DoNotFastmemMarker struct {
	Location   ir.LocationDescriptor
	InstOffset int
}

type fastmemPatchInfo struct {
	marker     DoNotFastmemMarker
	regenerate func()
}

func (e *Emitter) shouldFastmem(marker DoNotFastmemMarker) bool {
	if !e.config.Fastmem {
		return false
	}
	_, demoted := e.doNotFastmem[marker]
	return !demoted
}

// HandleFault is the host fault hook: given the code address of a faulting
// fastmem access, it patches the site over to a slow path and demotes it. A
// fault anywhere else is unrecoverable.
func (e *Emitter) HandleFault(faultAddr CodePtr) {
	info, ok := e.fastmemPatches[faultAddr]
	if !ok {
		panic(fmt.Sprintf("backend: fault at %#x is not a fastmem access site", faultAddr))
	}
	delete(e.fastmemPatches, faultAddr)

	func() {
		e.code.EnableWriting()
		defer e.code.DisableWriting()
		info.regenerate()
	}()

	e.doNotFastmem[info.marker] = struct{}{}
	e.InvalidateBasicBlocks([]ir.LocationDescriptor{info.marker.Location})
	log.Debug(log.FastmemMonitoring, "fastmem site demoted",
		"codeAddr", faultAddr,
		"location", info.marker.Location.String(),
		"instOffset", info.marker.InstOffset)
}

// FastmemPatchCount reports how many fastmem sites are currently live.
func (e *Emitter) FastmemPatchCount() int {
	return len(e.fastmemPatches)
}

// IsDemoted reports whether an access site has been marked do-not-fastmem.
func (e *Emitter) IsDemoted(marker DoNotFastmemMarker) bool {
	_, ok := e.doNotFastmem[marker]
	return ok
}

// --- per-opcode generators ---

func (e *Emitter) emitReadMemory(ctx *EmitContext, inst *ir.Inst, bits int) {
	marker := DoNotFastmemMarker{Location: ctx.Block.Location(), InstOffset: ctx.Index}

	if e.shouldFastmem(marker) {
		vaddr := ctx.RA.UseGpr(inst.Args[0])
		result := ctx.RA.ScratchGpr()
		site := e.code.GetCodePtr()
		e.code.MovRegMemIndexWidth(bits, result, FastmemReg, vaddr, 1, 0)
		e.code.EnsurePatchLocationSize(site, fastmemPatchSize)
		e.fastmemPatches[site] = &fastmemPatchInfo{
			marker: marker,
			regenerate: func() {
				e.regenerateFastmemSite(site, bits, result, vaddr, false)
			},
		}
		ctx.RA.DefineValue(inst, result)
		return
	}

	if e.config.PageTable != nil {
		e.emitPageTableRead(ctx, inst, bits)
		return
	}

	ctx.RA.HostCall(inst, inst.Args[0])
	e.code.CallTo(e.callbackStubs[memoryCallbackKind(bits, false)])
}

func (e *Emitter) emitWriteMemory(ctx *EmitContext, inst *ir.Inst, bits int) {
	marker := DoNotFastmemMarker{Location: ctx.Block.Location(), InstOffset: ctx.Index}

	if e.shouldFastmem(marker) {
		vaddr := ctx.RA.UseGpr(inst.Args[0])
		value := ctx.RA.UseGpr(inst.Args[1])
		site := e.code.GetCodePtr()
		e.code.MovMemIndexRegWidth(bits, FastmemReg, vaddr, 1, 0, value)
		e.code.EnsurePatchLocationSize(site, fastmemPatchSize)
		e.fastmemPatches[site] = &fastmemPatchInfo{
			marker: marker,
			regenerate: func() {
				e.regenerateFastmemSite(site, bits, value, vaddr, true)
			},
		}
		return
	}

	if e.config.PageTable != nil {
		e.emitPageTableWrite(ctx, inst, bits)
		return
	}

	ctx.RA.HostCall(nil, inst.Args[0], inst.Args[1])
	e.code.CallTo(e.callbackStubs[memoryCallbackKind(bits, true)])
}

// regenerateFastmemSite overwrites a demoted inline access with a jump to a
// far slow path that performs the access through the callbacks, then resumes
// after the site. The buffer is already writable.
func (e *Emitter) regenerateFastmemSite(site CodePtr, bits int, reg, vaddr HostReg, isWrite bool) {
	c := e.code

	save := c.GetCodePtr()
	c.SetCodePtr(site)
	thunk := c.Jmp()
	c.EnsurePatchLocationSize(site, fastmemPatchSize)
	c.FlushIcacheSection(site, site+fastmemPatchSize)
	c.SetCodePtr(save)

	c.SwitchToFarCode()
	farBegin := c.AlignCode16()
	c.SetJumpTarget(thunk)
	if isWrite {
		e.emitSavedCall(memoryCallbackKind(bits, true), RAX, false, vaddr, reg)
	} else {
		e.emitSavedCall(memoryCallbackKind(bits, false), reg, true, vaddr)
	}
	c.JmpTo(site + fastmemPatchSize)
	c.FlushIcacheSection(farBegin, c.GetCodePtr())
	c.SwitchToNearCode()
}

// emitPageTableRead walks the page table inline; unmapped pages take a far
// callback fallback.
func (e *Emitter) emitPageTableRead(ctx *EmitContext, inst *ir.Inst, bits int) {
	c := e.code
	ra := ctx.RA

	vaddr := ra.UseScratchGpr(inst.Args[0])
	page := ra.ScratchGpr()
	result := ra.ScratchGpr()

	c.MovRegImm64(page, uint64(e.pageTableAddr()))
	c.MovRegReg64(result, vaddr)
	c.ShrRegImm(true, result, PageBits)
	c.MovRegMemIndex64(page, page, result, 8, 0)
	c.TestRegReg(true, page, page)
	abort := c.Jcc(CC_E)
	c.AluRegImm32(false, X86_EXT_AND, vaddr, PageMask)
	c.MovRegMemIndexWidth(bits, result, page, vaddr, 1, 0)
	end := c.Jmp()

	c.SwitchToFarCode()
	c.AlignCode16()
	c.SetJumpTarget(abort)
	e.emitSavedCall(memoryCallbackKind(bits, false), result, true, vaddr)
	farEnd := c.Jmp()
	c.SwitchToNearCode()
	c.SetJumpTarget(end)
	c.SetJumpTargetAt(farEnd, c.GetCodePtr())

	ra.DefineValue(inst, result)
}

func (e *Emitter) emitPageTableWrite(ctx *EmitContext, inst *ir.Inst, bits int) {
	c := e.code
	ra := ctx.RA

	vaddr := ra.UseScratchGpr(inst.Args[0])
	value := ra.UseGpr(inst.Args[1])
	page := ra.ScratchGpr()
	idx := ra.ScratchGpr()

	c.MovRegImm64(page, uint64(e.pageTableAddr()))
	c.MovRegReg64(idx, vaddr)
	c.ShrRegImm(true, idx, PageBits)
	c.MovRegMemIndex64(page, page, idx, 8, 0)
	c.TestRegReg(true, page, page)
	abort := c.Jcc(CC_E)
	c.AluRegImm32(false, X86_EXT_AND, vaddr, PageMask)
	c.MovMemIndexRegWidth(bits, page, vaddr, 1, 0, value)
	end := c.Jmp()

	c.SwitchToFarCode()
	c.AlignCode16()
	c.SetJumpTarget(abort)
	e.emitSavedCall(memoryCallbackKind(bits, true), RAX, false, vaddr, value)
	farEnd := c.Jmp()
	c.SwitchToNearCode()
	c.SetJumpTarget(end)
	c.SetJumpTargetAt(farEnd, c.GetCodePtr())
}

func (e *Emitter) pageTableAddr() uintptr {
	return uintptr(unsafe.Pointer(&e.config.PageTable[0]))
}

// --- exclusive accesses ---

func (e *Emitter) emitExclusiveReadMemory(ctx *EmitContext, inst *ir.Inst, bits int) {
	ctx.RA.HostCall(inst, inst.Args[0])
	e.code.CallTo(e.callbackStubs[exclusiveCallbackKind(bits, false)])
}

func (e *Emitter) emitExclusiveWriteMemory(ctx *EmitContext, inst *ir.Inst, bits int) {
	ctx.RA.HostCall(inst, inst.Args[0], inst.Args[1])
	e.code.CallTo(e.callbackStubs[exclusiveCallbackKind(bits, true)])
}

// --- shared helpers ---

var callerSavedGprs = []HostReg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}

// emitSavedCall calls a callback stub outside any allocator scope. Every
// caller-saved GPR except the result register is saved before anything else
// touches a register: argument marshalling overwrites the ABI argument
// registers, and any live value in them must already be on the stack by then.
// The marshal itself goes through the stack so aliasing between argument
// registers cannot clobber another argument. Stack stays 16-byte aligned at
// the call.
func (e *Emitter) emitSavedCall(kind int, result HostReg, hasResult bool, args ...HostReg) {
	c := e.code

	var saved []HostReg
	for _, r := range callerSavedGprs {
		if hasResult && r == result {
			continue
		}
		saved = append(saved, r)
	}
	pad := len(saved)%2 == 1
	if pad {
		c.AluRegImm8s(true, X86_EXT_SUB, RSP, 8)
	}
	for _, r := range saved {
		c.PushReg(r)
	}

	// the saves above read registers without modifying them, so the argument
	// sources still hold their original values here
	for _, a := range args {
		c.PushReg(a)
	}
	for i := len(args) - 1; i >= 0; i-- {
		c.PopReg(abiArgRegs[i])
	}

	c.CallTo(e.callbackStubs[kind])
	if hasResult && result != RAX {
		c.MovRegReg64(result, RAX)
	}

	for i := len(saved) - 1; i >= 0; i-- {
		c.PopReg(saved[i])
	}
	if pad {
		c.AluRegImm8s(true, X86_EXT_ADD, RSP, 8)
	}
}

// genMemoryAccessors emits one stub per callback table slot. Generated code
// calls the stub; the stub tail-calls through the table the embedder filled
// in. Keeping the table indirection out of line makes every call site a
// plain rel32 call and keeps the table patchable at run time.
func (e *Emitter) genMemoryAccessors() {
	for kind := 0; kind < NumCallbacks; kind++ {
		e.callbackStubs[kind] = e.code.AlignCode16()
		e.code.MovRegMem(64, RAX, StateReg, offCallbackTable)
		e.code.CallMem(RAX, int32(kind*8))
		e.code.Ret()
	}
}
