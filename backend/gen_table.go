package backend

import (
	"github.com/colorfulnotion/dynarec/ir"
)

// buildGenTable wires every opcode to its generator. An opcode missing here
// panics at emission time; see Emit.
func buildGenTable() map[ir.Opcode]genFunc {
	t := map[ir.Opcode]genFunc{
		ir.OpGetRegister: genGetRegister,
		ir.OpSetRegister: genSetRegister,
		ir.OpGetCpsrNZCV: genGetCpsrNZCV,
		ir.OpSetCpsrNZCV: genSetCpsrNZCV,
		ir.OpSetCheckBit: genSetCheckBit,

		ir.OpAdd32: genALU(X86_EXT_ADD, false),
		ir.OpAdd64: genALU(X86_EXT_ADD, true),
		ir.OpSub32: genALU(X86_EXT_SUB, false),
		ir.OpSub64: genALU(X86_EXT_SUB, true),
		ir.OpAnd32: genALU(X86_EXT_AND, false),
		ir.OpAnd64: genALU(X86_EXT_AND, true),
		ir.OpOr32:  genALU(X86_EXT_OR, false),
		ir.OpOr64:  genALU(X86_EXT_OR, true),
		ir.OpXor32: genALU(X86_EXT_XOR, false),
		ir.OpXor64: genALU(X86_EXT_XOR, true),

		ir.OpClearExclusive:  genClearExclusive,
		ir.OpCallSupervisor:  genCallSupervisor,
		ir.OpExceptionRaised: genExceptionRaised,

		ir.OpCoprocSendOneWord: genCoprocSendOneWord,
		ir.OpCoprocGetOneWord:  genCoprocGetOneWord,
		ir.OpPushRSB:           genPushRSB,
	}

	for i, width := range []int{8, 16, 32, 64} {
		w := width
		t[ir.OpReadMemory8+ir.Opcode(i)] = func(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
			e.emitReadMemory(ctx, inst, w)
		}
		t[ir.OpWriteMemory8+ir.Opcode(i)] = func(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
			e.emitWriteMemory(ctx, inst, w)
		}
		t[ir.OpExclusiveReadMemory8+ir.Opcode(i)] = func(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
			e.emitExclusiveReadMemory(ctx, inst, w)
		}
		t[ir.OpExclusiveWriteMemory8+ir.Opcode(i)] = func(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
			e.emitExclusiveWriteMemory(ctx, inst, w)
		}
	}
	return t
}

func genGetRegister(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	result := ctx.RA.ScratchGpr()
	e.code.MovRegMem(32, result, StateReg, regOffset(int(inst.Args[0].Reg())))
	ctx.RA.DefineValue(inst, result)
}

func genSetRegister(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	off := regOffset(int(inst.Args[0].Reg()))
	if inst.Args[1].IsImmediate() {
		e.code.MovMemImm32(false, StateReg, off, uint32(inst.Args[1].Imm()))
		return
	}
	v := ctx.RA.UseGpr(inst.Args[1])
	e.code.MovMemReg(32, StateReg, off, v)
}

func genGetCpsrNZCV(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	result := ctx.RA.ScratchGpr()
	e.code.MovRegMem(32, result, StateReg, offCpsrNZCV)
	ctx.RA.DefineValue(inst, result)
}

func genSetCpsrNZCV(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	const nzcvMask = 0xF0000000
	if inst.Args[0].IsImmediate() {
		e.code.MovMemImm32(false, StateReg, offCpsrNZCV, uint32(inst.Args[0].Imm())&nzcvMask)
		return
	}
	v := ctx.RA.UseScratchGpr(inst.Args[0])
	e.code.AluRegImm32(false, X86_EXT_AND, v, nzcvMask)
	e.code.MovMemReg(32, StateReg, offCpsrNZCV, v)
}

func genSetCheckBit(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	if inst.Args[0].IsImmediate() {
		e.code.MovByteMemImm(StateReg, offCheckBit, byte(inst.Args[0].Imm()&1))
		return
	}
	v := ctx.RA.UseGpr(inst.Args[0])
	e.code.MovMemReg(8, StateReg, offCheckBit, v)
}

// genALU builds a two-operand ALU generator. The result clobbers a copy of
// the first operand; a second operand that fits the sign-extended imm32 form
// is folded into the instruction.
func genALU(ext byte, w bool) genFunc {
	return func(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
		result := ctx.RA.UseScratchGpr(inst.Args[0])
		rhs := inst.Args[1]
		if rhs.IsImmediate() && immFitsALU(rhs.Imm(), w) {
			e.code.AluRegImm32(w, ext, result, uint32(rhs.Imm()))
		} else {
			v := ctx.RA.UseGpr(rhs)
			switch ext {
			case X86_EXT_ADD:
				e.code.AddRegReg(w, result, v)
			case X86_EXT_SUB:
				e.code.SubRegReg(w, result, v)
			case X86_EXT_AND:
				e.code.AndRegReg(w, result, v)
			case X86_EXT_OR:
				e.code.OrRegReg(w, result, v)
			case X86_EXT_XOR:
				e.code.XorRegReg(w, result, v)
			}
		}
		ctx.RA.DefineValue(inst, result)
	}
}

// immFitsALU reports whether imm survives the imm32 encoding, which the
// 64-bit forms sign-extend.
func immFitsALU(imm uint64, w bool) bool {
	if !w {
		return imm <= 0xFFFFFFFF
	}
	return uint64(int64(int32(uint32(imm)))) == imm
}

func genClearExclusive(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	ctx.RA.HostCall(nil)
	e.code.CallTo(e.callbackStubs[CallbackClearExclusive])
}

// genCallSupervisor settles the cycle accounts with the host around the SVC:
// ticks consumed so far are reported before the call, and the budget is
// reloaded afterwards so the host can shorten or extend the timeslice.
func genCallSupervisor(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	c := e.code
	ra := ctx.RA

	var svcReg HostReg
	hasReg := false
	if !inst.Args[0].IsImmediate() {
		// rbx is callee-saved, so it survives the AddTicks call below
		svcReg = ra.UseScratchGprAt(inst.Args[0], RBX)
		hasReg = true
	}
	ra.HostCall(nil)

	c.MovRegMem(64, RDI, StateReg, offCyclesToRun)
	c.SubRegMem(true, RDI, StateReg, offCyclesRemain)
	c.CallTo(e.callbackStubs[CallbackAddTicks])

	if hasReg {
		c.MovRegReg32(RDI, svcReg)
	} else {
		c.MovRegImm32(RDI, uint32(inst.Args[0].Imm()))
	}
	c.CallTo(e.callbackStubs[CallbackCallSVC])

	c.CallTo(e.callbackStubs[CallbackGetTicksRemaining])
	c.MovMemReg(64, StateReg, offCyclesToRun, RAX)
	c.MovMemReg(64, StateReg, offCyclesRemain, RAX)
}

func genExceptionRaised(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	ctx.RA.HostCall(nil, inst.Args[0], inst.Args[1])
	e.code.CallTo(e.callbackStubs[CallbackExceptionRaised])
}

func genCoprocSendOneWord(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	if !e.config.HasCoprocessor {
		emitCoprocException(e, ctx)
		return
	}
	ctx.RA.HostCall(nil, inst.Args[0], inst.Args[1])
	e.code.CallTo(e.callbackStubs[CallbackCoprocSendOneWord])
}

func genCoprocGetOneWord(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	if !e.config.HasCoprocessor {
		// the result is never meaningful on this path, but the value must
		// still be defined for the allocator's books
		ctx.RA.HostCall(inst)
		emitCoprocExceptionCall(e, ctx)
		return
	}
	ctx.RA.HostCall(inst, inst.Args[0])
	e.code.CallTo(e.callbackStubs[CallbackCoprocGetOneWord])
}

// emitCoprocException raises a guest-visible exception for a coprocessor
// access with no side channel configured. Recoverable: the guest decides
// what an undefined coprocessor means.
func emitCoprocException(e *Emitter, ctx *EmitContext) {
	ctx.RA.HostCall(nil)
	emitCoprocExceptionCall(e, ctx)
}

func emitCoprocExceptionCall(e *Emitter, ctx *EmitContext) {
	e.code.MovRegImm32(RDI, ctx.Block.Location().PC())
	e.code.MovRegImm64(RSI, ExceptionCoprocessor)
	e.code.CallTo(e.callbackStubs[CallbackExceptionRaised])
}

func genPushRSB(e *Emitter, ctx *EmitContext, inst *ir.Inst) {
	ctx.RA.ScratchGprAt(RAX)
	ctx.RA.ScratchGprAt(RBX)
	ctx.RA.ScratchGprAt(RCX)
	e.pushRSBHelper(ir.LocationDescriptor(inst.Args[0].Imm()))
}
