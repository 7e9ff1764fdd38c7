package backend

import (
	"bytes"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func decodeOne(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}

// decodeAll decodes the emitted buffer and fails on anything malformed.
func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			t.Fatalf("decode failed at offset %#x: %v (bytes % x)", pos, err, code[pos:])
		}
		insts = append(insts, inst)
		pos += inst.Len
	}
	return insts
}

func TestEncodeMovRegImm64(t *testing.T) {
	b := NewCodeBlock(256)
	b.MovRegImm64(RAX, 0x1122334455667788)
	b.MovRegImm64(R15, 0xDEADBEEF)

	insts := decodeAll(t, b.Bytes())
	if len(insts) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(insts))
	}
	for _, inst := range insts {
		if inst.Op != x86asm.MOV {
			t.Fatalf("expected MOV, got %v", inst.Op)
		}
	}
	if got := insts[0].Args[1].(x86asm.Imm); uint64(got) != 0x1122334455667788 {
		t.Fatalf("wrong immediate: %#x", uint64(got))
	}
	if got := insts[1].Args[0].(x86asm.Reg); got != x86asm.R15 {
		t.Fatalf("wrong register: %v", got)
	}
}

func TestEncodeLoadStoreWidths(t *testing.T) {
	b := NewCodeBlock(256)
	b.MovRegMem(8, RAX, R15, 16)
	b.MovRegMem(16, RBX, R15, 16)
	b.MovRegMem(32, RCX, R15, 16)
	b.MovRegMem(64, RDX, R15, 16)
	b.MovMemReg(8, R15, 16, RSI)
	b.MovMemReg(16, R15, 16, RSI)
	b.MovMemReg(32, R15, 16, RSI)
	b.MovMemReg(64, R15, 16, RSI)

	insts := decodeAll(t, b.Bytes())
	if len(insts) != 8 {
		t.Fatalf("expected 8 instructions, got %d", len(insts))
	}
	wantOps := []x86asm.Op{
		x86asm.MOVZX, x86asm.MOVZX, x86asm.MOV, x86asm.MOV,
		x86asm.MOV, x86asm.MOV, x86asm.MOV, x86asm.MOV,
	}
	for i, inst := range insts {
		if inst.Op != wantOps[i] {
			t.Fatalf("inst %d: expected %v, got %v", i, wantOps[i], inst.Op)
		}
	}
}

// RSP/R12 need a SIB byte, RBP/R13 need an explicit displacement. Both must
// round-trip through the decoder with the right memory operand.
func TestEncodeAwkwardBaseRegisters(t *testing.T) {
	for _, base := range []HostReg{RSP, RBP, R12, R13} {
		b := NewCodeBlock(64)
		b.MovRegMem(64, RAX, base, 0)
		insts := decodeAll(t, b.Bytes())
		if len(insts) != 1 {
			t.Fatalf("base %v: expected 1 instruction, got %d", base, len(insts))
		}
		mem, ok := insts[0].Args[1].(x86asm.Mem)
		if !ok {
			t.Fatalf("base %v: operand is %T, not memory", base, insts[0].Args[1])
		}
		if mem.Disp != 0 {
			t.Fatalf("base %v: displacement %d, want 0", base, mem.Disp)
		}
	}
}

func TestEncodeIndexedAccess(t *testing.T) {
	b := NewCodeBlock(64)
	b.MovRegMemIndex64(RAX, R15, RCX, 8, 0x40)
	b.MovRegMemIndexWidth(8, RBX, R13, RDX, 1, 0)

	insts := decodeAll(t, b.Bytes())
	mem := insts[0].Args[1].(x86asm.Mem)
	if mem.Base != x86asm.R15 || mem.Index != x86asm.RCX || mem.Scale != 8 || mem.Disp != 0x40 {
		t.Fatalf("wrong indexed operand: %+v", mem)
	}
	mem = insts[1].Args[1].(x86asm.Mem)
	if mem.Base != x86asm.R13 || mem.Index != x86asm.RDX || mem.Scale != 1 {
		t.Fatalf("wrong fastmem-shaped operand: %+v", mem)
	}
}

func TestFixupBranchResolution(t *testing.T) {
	b := NewCodeBlock(256)
	fb := b.Jmp()
	b.Nop()
	b.Nop()
	b.SetJumpTarget(fb)
	target := b.GetCodePtr()

	rel := int32(b.readU32At(fb.ptr - 4))
	if got := fb.ptr + int(rel); got != target {
		t.Fatalf("fixup resolves to %#x, want %#x", got, target)
	}

	// conditional flavor
	cb := b.Jcc(CC_G)
	b.Ud2()
	b.SetJumpTarget(cb)
	rel = int32(b.readU32At(cb.ptr - 4))
	if got := cb.ptr + int(rel); got != b.GetCodePtr() {
		t.Fatalf("jcc fixup resolves to %#x, want %#x", got, b.GetCodePtr())
	}
}

func TestJmpToBackwards(t *testing.T) {
	b := NewCodeBlock(256)
	target := b.GetCodePtr()
	b.Nop()
	b.JmpTo(target)

	insts := decodeAll(t, b.Bytes())
	rel := insts[1].Args[0].(x86asm.Rel)
	// rel is relative to the end of the jmp
	if got := 1 + insts[1].Len + int(rel); got != target {
		t.Fatalf("jmp lands at %#x, want %#x", got, target)
	}
}

func TestAlignCode16(t *testing.T) {
	b := NewCodeBlock(256)
	b.Nop()
	p := b.AlignCode16()
	if p%16 != 0 {
		t.Fatalf("AlignCode16 returned unaligned %#x", p)
	}
	if p != b.GetCodePtr() {
		t.Fatalf("cursor %#x not at aligned position %#x", b.GetCodePtr(), p)
	}
}

func TestEnsurePatchLocationSize(t *testing.T) {
	b := NewCodeBlock(256)
	start := b.GetCodePtr()
	b.Ret()
	b.EnsurePatchLocationSize(start, 8)
	if b.GetCodePtr()-start != 8 {
		t.Fatalf("patch site is %d bytes, want 8", b.GetCodePtr()-start)
	}
	if !bytes.Equal(b.Slice(start+1, start+8), []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}) {
		t.Fatalf("padding is not NOPs: % x", b.Slice(start+1, start+8))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("oversized patch site did not panic")
		}
	}()
	start = b.GetCodePtr()
	b.MovRegImm64(RAX, 0)
	b.EnsurePatchLocationSize(start, 4)
}

func TestFarCodeRegion(t *testing.T) {
	b := NewCodeBlock(1024)
	b.Nop()
	near := b.GetCodePtr()
	b.SwitchToFarCode()
	farStart := b.GetCodePtr()
	if farStart <= near {
		t.Fatalf("far region %#x not past near code %#x", farStart, near)
	}
	b.Ret()
	b.SwitchToNearCode()
	if b.GetCodePtr() != near {
		t.Fatalf("near cursor not restored: %#x != %#x", b.GetCodePtr(), near)
	}
	if len(b.FarBytes()) != 1 || b.FarBytes()[0] != X86_OP_RET {
		t.Fatalf("far code wrong: % x", b.FarBytes())
	}
}

func TestWriteProtectionGuard(t *testing.T) {
	b := NewCodeBlock(64)
	b.DisableWriting()
	defer func() {
		if recover() == nil {
			t.Fatal("emitting into a protected buffer did not panic")
		}
	}()
	b.Nop()
}

func TestEncodeCrc32(t *testing.T) {
	b := NewCodeBlock(64)
	b.Crc32RegReg32(RAX, RCX)
	b.Crc32RegReg64(RAX, RBX)
	insts := decodeAll(t, b.Bytes())
	for i, inst := range insts {
		if inst.Op != x86asm.CRC32 {
			t.Fatalf("inst %d: expected CRC32, got %v", i, inst.Op)
		}
	}
}

func TestEncodeTestMemImm(t *testing.T) {
	b := NewCodeBlock(64)
	b.TestMemImm32(R15, 0x40, 0x40000000)
	insts := decodeAll(t, b.Bytes())
	if len(insts) != 1 || insts[0].Op != x86asm.TEST {
		t.Fatalf("expected TEST, got %v", insts)
	}
	mem := insts[0].Args[0].(x86asm.Mem)
	if mem.Base != x86asm.R15 || mem.Disp != 0x40 {
		t.Fatalf("wrong memory operand: %+v", mem)
	}
	if imm := insts[0].Args[1].(x86asm.Imm); uint32(imm) != 0x40000000 {
		t.Fatalf("wrong immediate: %#x", uint64(imm))
	}
}

func TestEncodeCallThroughTable(t *testing.T) {
	b := NewCodeBlock(64)
	b.MovRegMem(64, RAX, R15, offCallbackTable)
	b.CallMem(RAX, 0x28)
	insts := decodeAll(t, b.Bytes())
	if insts[1].Op != x86asm.CALL {
		t.Fatalf("expected CALL, got %v", insts[1].Op)
	}
	mem := insts[1].Args[0].(x86asm.Mem)
	if mem.Base != x86asm.RAX || mem.Disp != 0x28 {
		t.Fatalf("wrong call operand: %+v", mem)
	}
}
