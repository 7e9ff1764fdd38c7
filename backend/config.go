package backend

import "github.com/colorfulnotion/dynarec/monitor"

// Callback table slots. Generated stubs call through
// JitState.CallbackTable[kind]; the embedder populates the table with
// trampolines that forward to the Go-side UserCallbacks.
const (
	CallbackReadMemory8 = iota
	CallbackReadMemory16
	CallbackReadMemory32
	CallbackReadMemory64
	CallbackWriteMemory8
	CallbackWriteMemory16
	CallbackWriteMemory32
	CallbackWriteMemory64
	CallbackExclusiveReadMemory8
	CallbackExclusiveReadMemory16
	CallbackExclusiveReadMemory32
	CallbackExclusiveReadMemory64
	CallbackExclusiveWriteMemory8
	CallbackExclusiveWriteMemory16
	CallbackExclusiveWriteMemory32
	CallbackExclusiveWriteMemory64
	CallbackClearExclusive
	CallbackInterpreterFallback
	CallbackCallSVC
	CallbackExceptionRaised
	CallbackAddTicks
	CallbackGetTicksRemaining
	CallbackLookupBlock
	CallbackCoprocSendOneWord
	CallbackCoprocGetOneWord

	NumCallbacks
)

// memoryCallbackKind returns the table slot for a plain access of the given
// width.
func memoryCallbackKind(bits int, write bool) int {
	var idx int
	switch bits {
	case 8:
		idx = 0
	case 16:
		idx = 1
	case 32:
		idx = 2
	case 64:
		idx = 3
	default:
		panic("backend: invalid memory access width")
	}
	if write {
		return CallbackWriteMemory8 + idx
	}
	return CallbackReadMemory8 + idx
}

func exclusiveCallbackKind(bits int, write bool) int {
	kind := memoryCallbackKind(bits, write)
	return kind - CallbackReadMemory8 + CallbackExclusiveReadMemory8
}

// UserCallbacks is the host interface guest code reaches through the
// callback table: memory when no faster strategy applies, the interpreter
// fallback, supervisor calls, exceptions, and the cycle counter.
type UserCallbacks interface {
	MemoryRead8(vaddr uint32) uint8
	MemoryRead16(vaddr uint32) uint16
	MemoryRead32(vaddr uint32) uint32
	MemoryRead64(vaddr uint32) uint64
	MemoryWrite8(vaddr uint32, value uint8)
	MemoryWrite16(vaddr uint32, value uint16)
	MemoryWrite32(vaddr uint32, value uint32)
	MemoryWrite64(vaddr uint32, value uint64)

	// InterpreterFallback runs numInstructions guest instructions starting
	// at pc outside generated code.
	InterpreterFallback(pc uint32, numInstructions int)

	CallSVC(swi uint32)
	ExceptionRaised(pc uint32, exception uint64)

	AddTicks(ticks uint64)
	GetTicksRemaining() uint64
}

// PageTable maps guest page numbers to host pointers, one entry per
// PageSize-sized page; a nil entry means the page is unmapped and the access
// goes through the callbacks.
const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

type PageTable []uintptr

// NewPageTable allocates a table covering the full 32-bit guest space.
func NewPageTable() PageTable {
	return make(PageTable, 1<<(32-PageBits))
}

// UserConfig bundles everything block translation needs to know about the
// embedding.
type UserConfig struct {
	Callbacks UserCallbacks

	// ProcessorID identifies this core to the global exclusive monitor.
	ProcessorID   int
	GlobalMonitor *monitor.ExclusiveMonitor

	// PageTable, when non-nil, enables inline page-table walks for memory
	// accesses.
	PageTable PageTable

	// Fastmem enables direct [FastmemReg+vaddr] accesses, with fault-driven
	// demotion per access site.
	Fastmem bool

	// HasCoprocessor enables the coprocessor side channel; without it a
	// coprocessor operation raises a guest-visible exception.
	HasCoprocessor bool

	// EnableOptimizations gates block linking and prediction. With it off
	// every terminal returns to the dispatcher.
	EnableOptimizations bool

	// EnableFastDispatch gates the hashed dispatch table prediction.
	EnableFastDispatch bool

	// CodeCacheSize is the size of the emission buffer in bytes.
	CodeCacheSize int

	// ExecutableCode backs the buffer with mmap and real page protection
	// flips instead of a plain byte slice.
	ExecutableCode bool
}

const defaultCodeCacheSize = 16 * 1024 * 1024

func (c *UserConfig) codeCacheSize() int {
	if c.CodeCacheSize > 0 {
		return c.CodeCacheSize
	}
	return defaultCodeCacheSize
}

// ExceptionCoprocessor is reported through ExceptionRaised when guest code
// touches a coprocessor and no side channel is configured.
const ExceptionCoprocessor = uint64(0xC0)
