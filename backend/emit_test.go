package backend

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/dynarec/ir"
)

func TestBlockEntrypointAlignedWithTrap(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	desc := e.Emit(returnBlock(loc))

	if desc.Entrypoint%16 != 0 {
		t.Fatalf("entrypoint %#x not 16-byte aligned", desc.Entrypoint)
	}
	end := desc.Entrypoint + desc.Size
	if e.code.At(end-2) != X86_OP_2BYTE || e.code.At(end-1) != X86_OP_UD2 {
		t.Fatalf("block does not end with the overrun trap: % x", e.code.Slice(end-2, end))
	}
	if got, ok := e.GetBasicBlock(loc); !ok || got != desc {
		t.Fatal("descriptor not registered in the cache")
	}
}

func TestUnknownOpcodePanics(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	blk := ir.NewBlock(loc)
	blk.AppendInst(ir.OpVoid)
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermReturnToDispatch{})

	defer func() {
		if recover() == nil {
			t.Fatal("opcode without a generator did not panic")
		}
	}()
	e.Emit(blk)
}

func TestBlockWithoutTerminalPanics(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	blk := ir.NewBlock(ir.NewLocationDescriptor(0x100, false, false, 0))

	defer func() {
		if recover() == nil {
			t.Fatal("terminal-less block did not panic")
		}
	}()
	e.Emit(blk)
}

// A conditional block gets a prelude that charges the failure cycles and
// links to the condition-failed location when the condition does not hold.
func TestConditionalBlockPrelude(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	failLoc := loc.AdvancePC(4)

	blk := ir.NewBlock(loc)
	v := blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.R1))
	blk.AppendInst(ir.OpSetRegister, ir.RegRef(ir.R2), ir.Ref(v))
	blk.SetCondition(ir.CondNE, failLoc, 1)
	blk.SetEndLocation(loc.AdvancePC(8))
	blk.SetCycleCount(2)
	blk.SetTerminal(ir.TermReturnToDispatch{})
	desc := e.Emit(blk)

	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
	info := e.patchInfo[failLoc]
	if info == nil || len(info.jg) != 1 {
		t.Fatal("condition-failed path registered no link site")
	}
}

func TestEveryConditionEmits(t *testing.T) {
	conds := []ir.Cond{
		ir.CondEQ, ir.CondNE, ir.CondCS, ir.CondCC, ir.CondMI, ir.CondPL,
		ir.CondVS, ir.CondVC, ir.CondHI, ir.CondLS, ir.CondGE, ir.CondLT,
		ir.CondGT, ir.CondLE,
	}
	for _, cond := range conds {
		e := newTestEmitter(t, testConfig())
		loc := ir.NewLocationDescriptor(0x100, false, false, 0)
		blk := ir.NewBlock(loc)
		blk.SetCondition(cond, loc.AdvancePC(4), 1)
		blk.SetEndLocation(loc.AdvancePC(8))
		blk.SetTerminal(ir.TermReturnToDispatch{})
		desc := e.Emit(blk)
		decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
	}
}

func TestInterpretTerminal(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	blk := ir.NewBlock(loc)
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermInterpret{Next: loc.AdvancePC(4)})
	desc := e.Emit(blk)

	code := e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size)
	insts := decodeAll(t, code)
	// the terminal persists the next PC before calling out
	if code[0] != X86_REX_B || code[1] != X86_OP_MOV_RM_IMM {
		t.Fatalf("interpret terminal does not store the PC first: % x", code[:8])
	}
	// the fallback takes (pc, numInstructions) in the argument registers
	var sawPC, sawCount bool
	for _, inst := range insts {
		if inst.Op == x86asm.CALL {
			break
		}
		if inst.Op != x86asm.MOV {
			continue
		}
		r, ok := inst.Args[0].(x86asm.Reg)
		imm, okImm := inst.Args[1].(x86asm.Imm)
		if !ok || !okImm {
			continue
		}
		if r == x86asm.EDI && uint32(imm) == 0x104 {
			sawPC = true
		}
		if r == x86asm.ESI && imm == 1 {
			sawCount = true
		}
	}
	if !sawPC || !sawCount {
		t.Fatalf("fallback arguments not marshalled before the call: pc=%v count=%v", sawPC, sawCount)
	}
}

func TestStubsDecode(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	decodeAll(t, e.code.Slice(e.RunCodeEntry(), e.afterStubs))
}

func TestSupervisorCallShape(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	blk := ir.NewBlock(loc)
	blk.AppendInst(ir.OpCallSupervisor, ir.Imm(0x42))
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermCheckHalt{Else: ir.TermReturnToDispatch{}})
	desc := e.Emit(blk)
	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
}

func TestCoprocessorWithoutChannelRaisesException(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	blk := ir.NewBlock(loc)
	blk.AppendInst(ir.OpCoprocSendOneWord, ir.Imm(1), ir.Imm(2))
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermReturnToDispatch{})
	desc := e.Emit(blk)
	// must compile to an exception call, not a crash
	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
}

func TestRecompileWarnsButReplaces(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x100, false, false, 0)
	d1 := e.Emit(returnBlock(loc))
	d2 := e.Emit(returnBlock(loc))
	if d1.Entrypoint == d2.Entrypoint {
		t.Fatal("recompile reused the old entrypoint")
	}
	got, _ := e.GetBasicBlock(loc)
	if got != d2 {
		t.Fatal("cache does not hold the newest descriptor")
	}
}
