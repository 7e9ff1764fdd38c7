package backend

// Instruction encoders. Each method emits one instruction at the cursor.
// Memory operands are [base+disp] or [base+index*scale+disp]; the helpers
// below pick the shortest ModRM/SIB/displacement form and take care of the
// RSP/R12 SIB requirement and the RBP/R13 zero-displacement quirk.

// FixupBranch remembers a forward branch whose 32-bit displacement is filled
// in later by SetJumpTarget.
type FixupBranch struct {
	// position just past the rel32 field
	ptr CodePtr
}

func rexByte(w bool, reg, index, base HostReg) byte {
	var rex byte
	if w {
		rex |= 8
	}
	if reg.extended() {
		rex |= 4
	}
	if index.extended() {
		rex |= 2
	}
	if base.extended() {
		rex |= 1
	}
	if rex != 0 {
		return X86_REX | rex
	}
	return 0
}

// needsRex8 reports whether an 8-bit operand register requires a REX prefix
// to select SPL/BPL/SIL/DIL instead of AH/CH/DH/BH.
func needsRex8(r HostReg) bool {
	return r >= RSP && r <= RDI
}

func (b *CodeBlock) emitRexOpt(rex byte, force bool) {
	if rex != 0 {
		b.emit(rex)
	} else if force {
		b.emit(X86_REX)
	}
}

// emitRR emits a register-register form: opcode bytes then ModRM with
// mod=11, reg and rm fields as given.
func (b *CodeBlock) emitRR(w bool, opcode []byte, reg, rm HostReg, force8 bool) {
	b.emitRexOpt(rexByte(w, reg, RAX, rm), force8)
	b.emit(opcode...)
	b.emit(X86_MOD_REG | reg.bits()<<3 | rm.bits())
}

// emitRM emits a register-memory form with a [base+disp] operand.
func (b *CodeBlock) emitRM(w bool, opcode []byte, reg, base HostReg, disp int32, force8 bool) {
	b.emitRexOpt(rexByte(w, reg, RAX, base), force8)
	b.emit(opcode...)
	b.emitMemOperand(reg.bits(), base, disp)
}

// emitRMIndex emits a register-memory form with a [base+index*scale+disp]
// operand.
func (b *CodeBlock) emitRMIndex(w bool, opcode []byte, reg, base, index HostReg, scale int, disp int32) {
	if index == RSP {
		panic("backend: rsp cannot be an index register")
	}
	b.emitRexOpt(rexByte(w, reg, index, base), false)
	b.emit(opcode...)
	b.emitMemIndexOperand(reg.bits(), base, index, scale, disp)
}

func (b *CodeBlock) emitMemOperand(reg byte, base HostReg, disp int32) {
	rm := base.bits()
	mod := memMod(rm, disp)
	b.emit(mod | reg<<3 | rm)
	if rm == 4 {
		// SIB with no index
		b.emit(0x24)
	}
	b.emitDisp(mod, disp)
}

func (b *CodeBlock) emitMemIndexOperand(reg byte, base, index HostReg, scale int, disp int32) {
	var scaleBits byte
	switch scale {
	case 1:
		scaleBits = 0
	case 2:
		scaleBits = 1
	case 4:
		scaleBits = 2
	case 8:
		scaleBits = 3
	default:
		panic("backend: invalid SIB scale")
	}
	mod := memMod(base.bits(), disp)
	b.emit(mod | reg<<3 | 4)
	b.emit(scaleBits<<6 | index.bits()<<3 | base.bits())
	b.emitDisp(mod, disp)
}

// memMod picks the addressing mode. rm/base 101 with mod 00 means
// RIP-relative (or no base under SIB), so RBP/R13 always carry at least a
// disp8.
func memMod(rmBits byte, disp int32) byte {
	switch {
	case disp == 0 && rmBits != 5:
		return X86_MOD_INDIRECT
	case disp >= -128 && disp <= 127:
		return X86_MOD_DISP8
	default:
		return X86_MOD_DISP32
	}
}

func (b *CodeBlock) emitDisp(mod byte, disp int32) {
	switch mod {
	case X86_MOD_DISP8:
		b.emit(byte(disp))
	case X86_MOD_DISP32:
		b.emitU32(uint32(disp))
	}
}

// --- moves ---

func (b *CodeBlock) MovRegImm64(dst HostReg, imm uint64) {
	b.emit(rexByte(true, RAX, RAX, dst))
	b.emit(X86_OP_MOV_REG_IMM + dst.bits())
	b.emitU64(imm)
}

func (b *CodeBlock) MovRegImm32(dst HostReg, imm uint32) {
	b.emitRexOpt(rexByte(false, RAX, RAX, dst), false)
	b.emit(X86_OP_MOV_REG_IMM + dst.bits())
	b.emitU32(imm)
}

func (b *CodeBlock) MovRegReg64(dst, src HostReg) {
	b.emitRR(true, []byte{X86_OP_MOV_RM_REG}, src, dst, false)
}

func (b *CodeBlock) MovRegReg32(dst, src HostReg) {
	b.emitRR(false, []byte{X86_OP_MOV_RM_REG}, src, dst, false)
}

// MovRegMem loads bits wide from [base+disp] into dst. 8- and 16-bit loads
// zero-extend.
func (b *CodeBlock) MovRegMem(bits int, dst, base HostReg, disp int32) {
	switch bits {
	case 8:
		b.emitRM(false, []byte{X86_OP_2BYTE, X86_OP_MOVZX_RM8}, dst, base, disp, false)
	case 16:
		b.emitRM(false, []byte{X86_OP_2BYTE, X86_OP_MOVZX_RM16}, dst, base, disp, false)
	case 32:
		b.emitRM(false, []byte{X86_OP_MOV_REG_RM}, dst, base, disp, false)
	case 64:
		b.emitRM(true, []byte{X86_OP_MOV_REG_RM}, dst, base, disp, false)
	default:
		panic("backend: invalid load width")
	}
}

// MovMemReg stores bits wide of src to [base+disp].
func (b *CodeBlock) MovMemReg(bits int, base HostReg, disp int32, src HostReg) {
	switch bits {
	case 8:
		b.emitRM(false, []byte{X86_OP_MOV_RM_REG8}, src, base, disp, needsRex8(src))
	case 16:
		b.emit(X86_PREFIX16)
		b.emitRM(false, []byte{X86_OP_MOV_RM_REG}, src, base, disp, false)
	case 32:
		b.emitRM(false, []byte{X86_OP_MOV_RM_REG}, src, base, disp, false)
	case 64:
		b.emitRM(true, []byte{X86_OP_MOV_RM_REG}, src, base, disp, false)
	default:
		panic("backend: invalid store width")
	}
}

// MovRegMemIndex64 loads a qword from [base+index*scale+disp].
func (b *CodeBlock) MovRegMemIndex64(dst, base, index HostReg, scale int, disp int32) {
	b.emitRMIndex(true, []byte{X86_OP_MOV_REG_RM}, dst, base, index, scale, disp)
}

// MovMemIndexReg64 stores a qword to [base+index*scale+disp].
func (b *CodeBlock) MovMemIndexReg64(base, index HostReg, scale int, disp int32, src HostReg) {
	b.emitRMIndex(true, []byte{X86_OP_MOV_RM_REG}, src, base, index, scale, disp)
}

// MovRegMemIndexWidth loads bits wide from [base+index*scale+disp],
// zero-extending narrow widths.
func (b *CodeBlock) MovRegMemIndexWidth(bits int, dst, base, index HostReg, scale int, disp int32) {
	switch bits {
	case 8:
		b.emitRMIndex(false, []byte{X86_OP_2BYTE, X86_OP_MOVZX_RM8}, dst, base, index, scale, disp)
	case 16:
		b.emitRMIndex(false, []byte{X86_OP_2BYTE, X86_OP_MOVZX_RM16}, dst, base, index, scale, disp)
	case 32:
		b.emitRMIndex(false, []byte{X86_OP_MOV_REG_RM}, dst, base, index, scale, disp)
	case 64:
		b.emitRMIndex(true, []byte{X86_OP_MOV_REG_RM}, dst, base, index, scale, disp)
	default:
		panic("backend: invalid load width")
	}
}

// MovMemIndexRegWidth stores bits wide of src to [base+index*scale+disp].
func (b *CodeBlock) MovMemIndexRegWidth(bits int, base, index HostReg, scale int, disp int32, src HostReg) {
	switch bits {
	case 8:
		if needsRex8(src) {
			// force REX so 4..7 select SPL..DIL
			b.emit(X86_REX | rexByte(false, src, index, base))
			b.emit(X86_OP_MOV_RM_REG8)
			b.emitMemIndexOperand(src.bits(), base, index, scale, disp)
			return
		}
		b.emitRMIndex(false, []byte{X86_OP_MOV_RM_REG8}, src, base, index, scale, disp)
	case 16:
		b.emit(X86_PREFIX16)
		b.emitRMIndex(false, []byte{X86_OP_MOV_RM_REG}, src, base, index, scale, disp)
	case 32:
		b.emitRMIndex(false, []byte{X86_OP_MOV_RM_REG}, src, base, index, scale, disp)
	case 64:
		b.emitRMIndex(true, []byte{X86_OP_MOV_RM_REG}, src, base, index, scale, disp)
	default:
		panic("backend: invalid store width")
	}
}

// MovMemImm32 stores imm to [base+disp] as a dword, or sign-extended to a
// qword when w is set.
func (b *CodeBlock) MovMemImm32(w bool, base HostReg, disp int32, imm uint32) {
	b.emitRexOpt(rexByte(w, RAX, RAX, base), false)
	b.emit(X86_OP_MOV_RM_IMM)
	b.emitMemOperand(0, base, disp)
	b.emitU32(imm)
}

// MovByteMemImm stores imm8 to byte [base+disp].
func (b *CodeBlock) MovByteMemImm(base HostReg, disp int32, imm byte) {
	b.emitRexOpt(rexByte(false, RAX, RAX, base), false)
	b.emit(X86_OP_MOV_RM_IMM8)
	b.emitMemOperand(0, base, disp)
	b.emit(imm)
}

// --- ALU ---

func (b *CodeBlock) AddRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_ADD_RM_REG}, src, dst, false)
}

func (b *CodeBlock) SubRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_SUB_RM_REG}, src, dst, false)
}

func (b *CodeBlock) AndRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_AND_RM_REG}, src, dst, false)
}

func (b *CodeBlock) OrRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_OR_RM_REG}, src, dst, false)
}

func (b *CodeBlock) XorRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_XOR_RM_REG}, src, dst, false)
}

func (b *CodeBlock) CmpRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_CMP_RM_REG}, src, dst, false)
}

func (b *CodeBlock) TestRegReg(w bool, dst, src HostReg) {
	b.emitRR(w, []byte{X86_OP_TEST_RM_REG}, src, dst, false)
}

// AluRegImm32 emits a group-1 ALU op (ADD/OR/AND/SUB/XOR/CMP by ext) with a
// 32-bit immediate.
func (b *CodeBlock) AluRegImm32(w bool, ext byte, dst HostReg, imm uint32) {
	b.emitRexOpt(rexByte(w, RAX, RAX, dst), false)
	b.emit(X86_OP_GRP1_RM_IMM32)
	b.emit(X86_MOD_REG | ext<<3 | dst.bits())
	b.emitU32(imm)
}

// AluRegImm8s emits a group-1 ALU op with a sign-extended 8-bit immediate.
func (b *CodeBlock) AluRegImm8s(w bool, ext byte, dst HostReg, imm int8) {
	b.emitRexOpt(rexByte(w, RAX, RAX, dst), false)
	b.emit(X86_OP_GRP1_RM_IMM8s)
	b.emit(X86_MOD_REG | ext<<3 | dst.bits())
	b.emit(byte(imm))
}

func (b *CodeBlock) TestRegImm32(w bool, dst HostReg, imm uint32) {
	b.emitRexOpt(rexByte(w, RAX, RAX, dst), false)
	b.emit(X86_OP_GRP3_RM)
	b.emit(X86_MOD_REG | 0<<3 | dst.bits())
	b.emitU32(imm)
}

func (b *CodeBlock) shiftRegImm(w bool, ext byte, dst HostReg, imm byte) {
	b.emitRexOpt(rexByte(w, RAX, RAX, dst), false)
	b.emit(X86_OP_GRP2_RM_IMM8)
	b.emit(X86_MOD_REG | ext<<3 | dst.bits())
	b.emit(imm)
}

func (b *CodeBlock) ShlRegImm(w bool, dst HostReg, imm byte) {
	b.shiftRegImm(w, X86_EXT_SHL, dst, imm)
}

func (b *CodeBlock) ShrRegImm(w bool, dst HostReg, imm byte) {
	b.shiftRegImm(w, X86_EXT_SHR, dst, imm)
}

func (b *CodeBlock) SarRegImm(w bool, dst HostReg, imm byte) {
	b.shiftRegImm(w, X86_EXT_SAR, dst, imm)
}

// --- ALU against memory ---

// CmpMemImm8s compares [base+disp] (dword, or qword when w) against a
// sign-extended imm8.
func (b *CodeBlock) CmpMemImm8s(w bool, base HostReg, disp int32, imm int8) {
	b.emitRexOpt(rexByte(w, RAX, RAX, base), false)
	b.emit(X86_OP_GRP1_RM_IMM8s)
	b.emitMemOperand(X86_EXT_CMP, base, disp)
	b.emit(byte(imm))
}

// CmpByteMemImm compares byte [base+disp] against imm8.
func (b *CodeBlock) CmpByteMemImm(base HostReg, disp int32, imm byte) {
	b.emitRexOpt(rexByte(false, RAX, RAX, base), false)
	b.emit(X86_OP_GRP1_RM_IMM8s8)
	b.emitMemOperand(X86_EXT_CMP, base, disp)
	b.emit(imm)
}

// SubMemImm32 subtracts imm from [base+disp].
func (b *CodeBlock) SubMemImm32(w bool, base HostReg, disp int32, imm uint32) {
	b.emitRexOpt(rexByte(w, RAX, RAX, base), false)
	b.emit(X86_OP_GRP1_RM_IMM32)
	b.emitMemOperand(X86_EXT_SUB, base, disp)
	b.emitU32(imm)
}

// TestMemImm32 tests dword [base+disp] against imm.
func (b *CodeBlock) TestMemImm32(base HostReg, disp int32, imm uint32) {
	b.emitRexOpt(rexByte(false, RAX, RAX, base), false)
	b.emit(X86_OP_GRP3_RM)
	b.emitMemOperand(0, base, disp)
	b.emitU32(imm)
}

func (b *CodeBlock) CmpRegMem(w bool, reg, base HostReg, disp int32) {
	b.emitRM(w, []byte{X86_OP_CMP_REG_RM}, reg, base, disp, false)
}

func (b *CodeBlock) CmpRegMemIndex64(reg, base, index HostReg, scale int, disp int32) {
	b.emitRMIndex(true, []byte{X86_OP_CMP_REG_RM}, reg, base, index, scale, disp)
}

func (b *CodeBlock) SubRegMem(w bool, dst, base HostReg, disp int32) {
	b.emitRM(w, []byte{X86_OP_SUB_REG_RM}, dst, base, disp, false)
}

// --- control flow ---

// Jmp emits an unconditional jump with an unresolved rel32.
func (b *CodeBlock) Jmp() FixupBranch {
	b.emit(X86_OP_JMP_REL32)
	b.emitU32(0)
	return FixupBranch{ptr: b.cursor}
}

// JmpTo emits an unconditional jump to a known position.
func (b *CodeBlock) JmpTo(target CodePtr) {
	b.emit(X86_OP_JMP_REL32)
	b.emitU32(uint32(int32(target - (b.cursor + 4))))
}

// Jcc emits a conditional jump with an unresolved rel32.
func (b *CodeBlock) Jcc(cc CondCode) FixupBranch {
	b.emit(X86_OP_2BYTE, X86_OP_JCC_REL32|byte(cc))
	b.emitU32(0)
	return FixupBranch{ptr: b.cursor}
}

// JccTo emits a conditional jump to a known position.
func (b *CodeBlock) JccTo(cc CondCode, target CodePtr) {
	b.emit(X86_OP_2BYTE, X86_OP_JCC_REL32|byte(cc))
	b.emitU32(uint32(int32(target - (b.cursor + 4))))
}

// SetJumpTarget resolves a fixup to the current cursor.
func (b *CodeBlock) SetJumpTarget(fb FixupBranch) {
	b.SetJumpTargetAt(fb, b.cursor)
}

// SetJumpTargetAt resolves a fixup to an arbitrary position.
func (b *CodeBlock) SetJumpTargetAt(fb FixupBranch, target CodePtr) {
	b.writeU32At(fb.ptr-4, uint32(int32(target-fb.ptr)))
}

func (b *CodeBlock) CallTo(target CodePtr) {
	b.emit(X86_OP_CALL_REL32)
	b.emitU32(uint32(int32(target - (b.cursor + 4))))
}

func (b *CodeBlock) CallReg(r HostReg) {
	b.emitRexOpt(rexByte(false, RAX, RAX, r), false)
	b.emit(X86_OP_GRP5_RM)
	b.emit(X86_MOD_REG | X86_EXT_CALL<<3 | r.bits())
}

// CallMem emits an indirect call through qword [base+disp].
func (b *CodeBlock) CallMem(base HostReg, disp int32) {
	b.emitRexOpt(rexByte(false, RAX, RAX, base), false)
	b.emit(X86_OP_GRP5_RM)
	b.emitMemOperand(X86_EXT_CALL, base, disp)
}

func (b *CodeBlock) JmpReg(r HostReg) {
	b.emitRexOpt(rexByte(false, RAX, RAX, r), false)
	b.emit(X86_OP_GRP5_RM)
	b.emit(X86_MOD_REG | X86_EXT_JMP<<3 | r.bits())
}

func (b *CodeBlock) PushReg(r HostReg) {
	b.emitRexOpt(rexByte(false, RAX, RAX, r), false)
	b.emit(0x50 + r.bits())
}

func (b *CodeBlock) PopReg(r HostReg) {
	b.emitRexOpt(rexByte(false, RAX, RAX, r), false)
	b.emit(0x58 + r.bits())
}

func (b *CodeBlock) Ret() {
	b.emit(X86_OP_RET)
}

// Ud2 emits the guaranteed-invalid opcode. Placed after every block body as
// an overrun trap.
func (b *CodeBlock) Ud2() {
	b.emit(X86_OP_2BYTE, X86_OP_UD2)
}

func (b *CodeBlock) Nop() {
	b.emit(X86_OP_NOP)
}

func (b *CodeBlock) Int3() {
	b.emit(X86_OP_INT3)
}

// Crc32RegReg32 accumulates src into dst with the Castagnoli polynomial
// (SSE4.2 CRC32 r32, r/m32).
func (b *CodeBlock) Crc32RegReg32(dst, src HostReg) {
	b.emit(0xF2)
	b.emitRexOpt(rexByte(false, dst, RAX, src), false)
	b.emit(X86_OP_2BYTE, 0x38, 0xF1)
	b.emit(X86_MOD_REG | dst.bits()<<3 | src.bits())
}

// Crc32RegReg64 accumulates a full qword (CRC32 r64, r/m64).
func (b *CodeBlock) Crc32RegReg64(dst, src HostReg) {
	b.emit(0xF2)
	b.emit(rexByte(true, dst, RAX, src))
	b.emit(X86_OP_2BYTE, 0x38, 0xF1)
	b.emit(X86_MOD_REG | dst.bits()<<3 | src.bits())
}

// --- SSE scalar moves, used only for spilling vector values ---

// MovqXmmMem loads a qword from [base+disp] into an XMM register.
func (b *CodeBlock) MovqXmmMem(dst HostReg, base HostReg, disp int32) {
	b.emit(0xF3)
	b.emitRexOpt(rexByte(false, dst, RAX, base), false)
	b.emit(X86_OP_2BYTE, 0x7E)
	b.emitMemOperand(dst.bits(), base, disp)
}

// MovqMemXmm stores the low qword of an XMM register to [base+disp].
func (b *CodeBlock) MovqMemXmm(base HostReg, disp int32, src HostReg) {
	b.emit(X86_PREFIX16)
	b.emitRexOpt(rexByte(false, src, RAX, base), false)
	b.emit(X86_OP_2BYTE, 0xD6)
	b.emitMemOperand(src.bits(), base, disp)
}

// MovqXmmGpr moves a GPR qword into an XMM register.
func (b *CodeBlock) MovqXmmGpr(dst, src HostReg) {
	b.emit(X86_PREFIX16)
	b.emit(rexByte(true, dst, RAX, src))
	b.emit(X86_OP_2BYTE, 0x6E)
	b.emit(X86_MOD_REG | dst.bits()<<3 | src.bits())
}

// MovqGprXmm moves the low qword of an XMM register into a GPR.
func (b *CodeBlock) MovqGprXmm(dst, src HostReg) {
	b.emit(X86_PREFIX16)
	b.emit(rexByte(true, src, RAX, dst))
	b.emit(X86_OP_2BYTE, 0x7E)
	b.emit(X86_MOD_REG | src.bits()<<3 | dst.bits())
}
