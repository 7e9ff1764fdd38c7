package backend

import (
	"bytes"
	"strings"
	"testing"

	"github.com/colorfulnotion/dynarec/ir"
)

func testConfig() UserConfig {
	return UserConfig{
		EnableOptimizations: true,
		CodeCacheSize:       1 << 20,
	}
}

func newTestEmitter(t *testing.T, config UserConfig) *Emitter {
	t.Helper()
	e, err := NewEmitter(config)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	return e
}

// pressureBlock keeps more values live than there are allocatable registers,
// forcing spills.
func pressureBlock(loc ir.LocationDescriptor) *ir.Block {
	blk := ir.NewBlock(loc)
	var vals []*ir.Inst
	for i := 0; i < 20; i++ {
		vals = append(vals, blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.Reg(i%13))))
	}
	acc := vals[0]
	for _, v := range vals[1:] {
		acc = blk.AppendInst(ir.OpAdd32, ir.Ref(acc), ir.Ref(v))
	}
	blk.AppendInst(ir.OpSetRegister, ir.RegRef(ir.R0), ir.Ref(acc))
	blk.SetEndLocation(loc.AdvancePC(80))
	blk.SetCycleCount(20)
	blk.SetTerminal(ir.TermReturnToDispatch{})
	return blk
}

func TestSpillUnderPressure(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x1000, false, false, 0)
	desc := e.Emit(pressureBlock(loc))

	// the block must decode cleanly end to end, spill traffic included
	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))

	// spills show up as stores into the state's spill area
	found := false
	code := e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size)
	for pos := 0; pos < len(code); {
		inst, err := decodeOne(code[pos:])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if s := inst.String(); strings.Contains(s, "R15") && strings.Contains(s, "MOV") {
			found = true
		}
		pos += inst.Len
	}
	if !found {
		t.Fatal("no state-relative traffic in a block that must spill")
	}
}

// Allocation must be fully deterministic: the same block emitted twice into
// fresh emitters yields identical machine code.
func TestAllocationDeterminism(t *testing.T) {
	loc := ir.NewLocationDescriptor(0x2000, false, false, 0)

	e1 := newTestEmitter(t, testConfig())
	d1 := e1.Emit(pressureBlock(loc))
	e2 := newTestEmitter(t, testConfig())
	d2 := e2.Emit(pressureBlock(loc))

	if d1.Entrypoint != d2.Entrypoint || d1.Size != d2.Size {
		t.Fatalf("descriptors differ: %+v vs %+v", d1, d2)
	}
	c1 := e1.code.Slice(d1.Entrypoint, d1.Entrypoint+d1.Size)
	c2 := e2.code.Slice(d2.Entrypoint, d2.Entrypoint+d2.Size)
	if !bytes.Equal(c1, c2) {
		t.Fatal("same block produced different machine code")
	}
}

// A declared use count higher than the consumptions that actually happen is
// a translator defect and must be caught at the end of the block.
func TestUseCountMismatchPanics(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x3000, false, false, 0)
	blk := ir.NewBlock(loc)
	v := blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.R1))
	blk.AppendInst(ir.OpSetRegister, ir.RegRef(ir.R2), ir.Ref(v))
	v.UseCount++ // declare a consumer that never comes
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermReturnToDispatch{})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("use count mismatch did not panic")
		}
		if !strings.Contains(r.(string), "unconsumed uses") {
			t.Fatalf("wrong panic: %v", r)
		}
	}()
	e.Emit(blk)
}

func TestDeadValueDiscarded(t *testing.T) {
	e := newTestEmitter(t, testConfig())
	loc := ir.NewLocationDescriptor(0x4000, false, false, 0)
	blk := ir.NewBlock(loc)
	blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.R1)) // result never used
	blk.SetEndLocation(loc.AdvancePC(4))
	blk.SetTerminal(ir.TermReturnToDispatch{})

	desc := e.Emit(blk)
	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
}

func TestHostCallSpillsLiveValues(t *testing.T) {
	cfg := testConfig() // no fastmem, no page table: reads go through callbacks
	e := newTestEmitter(t, cfg)
	loc := ir.NewLocationDescriptor(0x5000, false, false, 0)
	blk := ir.NewBlock(loc)
	live := blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.R1))
	addr := blk.AppendInst(ir.OpGetRegister, ir.RegRef(ir.R2))
	loaded := blk.AppendInst(ir.OpReadMemory32, ir.Ref(addr))
	sum := blk.AppendInst(ir.OpAdd32, ir.Ref(live), ir.Ref(loaded))
	blk.AppendInst(ir.OpSetRegister, ir.RegRef(ir.R3), ir.Ref(sum))
	blk.SetEndLocation(loc.AdvancePC(12))
	blk.SetTerminal(ir.TermReturnToDispatch{})

	desc := e.Emit(blk)
	// live must survive the host call; the code must be well formed
	decodeAll(t, e.code.Slice(desc.Entrypoint, desc.Entrypoint+desc.Size))
}
