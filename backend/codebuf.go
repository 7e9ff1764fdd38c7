package backend

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// CodePtr is a position inside a CodeBlock's buffer. All recorded code
// addresses (block entrypoints, patch sites, branch targets) are buffer
// offsets, so descriptors stay valid across write-protection changes and can
// be inspected without executing anything.
type CodePtr = int

// CodeBlock is the emission buffer. The front of the buffer is near code
// (block bodies, stubs); the tail is far code (cold paths such as fastmem
// slow paths), grown from farBase upward. Emission happens at a movable
// cursor so already-emitted spans can be re-entered and patched in place.
type CodeBlock struct {
	buf    []byte
	cursor int
	used   int

	farBase   int
	farCursor int
	farUsed   int
	inFar     bool
	nearSave  int

	mmapped  bool
	writable bool

	icacheFlushes int
}

// NewCodeBlock allocates a plain in-memory buffer. It is always writable;
// EnableWriting/DisableWriting are bookkeeping only. The far region takes the
// top quarter of the buffer.
func NewCodeBlock(size int) *CodeBlock {
	b := &CodeBlock{buf: make([]byte, size), writable: true}
	b.initRegions()
	return b
}

// NewExecutableCodeBlock allocates the buffer with mmap so it can be switched
// between RW and RX with mprotect. The buffer starts writable.
func NewExecutableCodeBlock(size int) (*CodeBlock, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap code buffer: %w", err)
	}
	b := &CodeBlock{buf: buf, mmapped: true, writable: true}
	b.initRegions()
	return b, nil
}

func (b *CodeBlock) initRegions() {
	b.farBase = len(b.buf) - len(b.buf)/4
	b.farCursor = b.farBase
	b.farUsed = b.farBase
}

// Close releases an mmap-backed buffer.
func (b *CodeBlock) Close() error {
	if !b.mmapped {
		return nil
	}
	buf := b.buf
	b.buf = nil
	return unix.Munmap(buf)
}

// EnableWriting makes the buffer writable. For mmap-backed buffers this is an
// mprotect to RW; code must not be executed until DisableWriting.
func (b *CodeBlock) EnableWriting() {
	if b.mmapped && !b.writable {
		if err := unix.Mprotect(b.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			panic(fmt.Sprintf("backend: mprotect RW failed: %v", err))
		}
	}
	b.writable = true
}

// DisableWriting returns an mmap-backed buffer to RX.
func (b *CodeBlock) DisableWriting() {
	if b.mmapped && b.writable {
		if err := unix.Mprotect(b.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			panic(fmt.Sprintf("backend: mprotect RX failed: %v", err))
		}
	}
	b.writable = false
}

func (b *CodeBlock) GetCodePtr() CodePtr {
	return b.cursor
}

// SetCodePtr moves the emission cursor, typically back into already-emitted
// code to patch it. The caller is responsible for restoring it.
func (b *CodeBlock) SetCodePtr(p CodePtr) {
	b.cursor = p
}

// SpaceRemaining returns the bytes left in the current region.
func (b *CodeBlock) SpaceRemaining() int {
	if b.inFar {
		return len(b.buf) - b.cursor
	}
	return b.farBase - b.cursor
}

// SwitchToFarCode redirects emission to the far region. Must be balanced by
// SwitchToNearCode.
func (b *CodeBlock) SwitchToFarCode() {
	if b.inFar {
		panic("backend: already emitting far code")
	}
	b.nearSave = b.cursor
	b.cursor = b.farCursor
	b.inFar = true
}

// SwitchToNearCode returns emission to the near region.
func (b *CodeBlock) SwitchToNearCode() {
	if !b.inFar {
		panic("backend: not emitting far code")
	}
	b.farCursor = b.cursor
	b.cursor = b.nearSave
	b.inFar = false
}

// ResetFarCode rewinds the far region to its base so cold paths emitted for
// discarded blocks are reclaimed. Near code is untouched.
func (b *CodeBlock) ResetFarCode() {
	if b.inFar {
		panic("backend: resetting far code while emitting into it")
	}
	b.farCursor = b.farBase
	b.farUsed = b.farBase
}

// AlignCode16 pads with NOPs to a 16-byte boundary and returns the aligned
// position.
func (b *CodeBlock) AlignCode16() CodePtr {
	for b.cursor&15 != 0 {
		b.emit(X86_OP_NOP)
	}
	return b.cursor
}

// EnsurePatchLocationSize pads with NOPs so the span emitted since start is
// exactly size bytes. Patchable sites must have a fixed size so any variant
// can be written over any other.
func (b *CodeBlock) EnsurePatchLocationSize(start CodePtr, size int) {
	n := b.cursor - start
	if n > size {
		panic(fmt.Sprintf("backend: patch site at %#x is %d bytes, budget %d", start, n, size))
	}
	for ; n < size; n++ {
		b.emit(X86_OP_NOP)
	}
}

// FlushIcacheSection records that [begin, end) was modified. A no-op on
// x86-64 beyond bookkeeping; kept as the single point where cache
// maintenance would go.
func (b *CodeBlock) FlushIcacheSection(begin, end CodePtr) {
	if end < begin {
		panic(fmt.Sprintf("backend: bad icache flush range [%#x, %#x)", begin, end))
	}
	b.icacheFlushes++
}

// IcacheFlushCount returns how many sections were flushed.
func (b *CodeBlock) IcacheFlushCount() int {
	return b.icacheFlushes
}

// Bytes returns the emitted near code. For inspection and disassembly.
func (b *CodeBlock) Bytes() []byte {
	return b.buf[:b.used]
}

// FarBytes returns the emitted far code.
func (b *CodeBlock) FarBytes() []byte {
	return b.buf[b.farBase:b.farUsed]
}

// At returns the byte at position p.
func (b *CodeBlock) At(p CodePtr) byte {
	return b.buf[p]
}

// Slice returns the bytes in [begin, end).
func (b *CodeBlock) Slice(begin, end CodePtr) []byte {
	return b.buf[begin:end]
}

func (b *CodeBlock) emit(bytes ...byte) {
	if !b.writable {
		panic("backend: emitting into write-protected buffer")
	}
	limit := b.farBase
	if b.inFar {
		limit = len(b.buf)
	}
	if b.cursor+len(bytes) > limit {
		panic(fmt.Sprintf("backend: code buffer exhausted at %#x", b.cursor))
	}
	copy(b.buf[b.cursor:], bytes)
	b.cursor += len(bytes)
	if b.inFar {
		if b.cursor > b.farUsed {
			b.farUsed = b.cursor
		}
	} else if b.cursor > b.used {
		b.used = b.cursor
	}
}

func (b *CodeBlock) emitU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.emit(tmp[:]...)
}

func (b *CodeBlock) emitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.emit(tmp[:]...)
}

func (b *CodeBlock) writeU32At(p CodePtr, v uint32) {
	if !b.writable {
		panic("backend: patching write-protected buffer")
	}
	binary.LittleEndian.PutUint32(b.buf[p:], v)
}

func (b *CodeBlock) readU32At(p CodePtr) uint32 {
	return binary.LittleEndian.Uint32(b.buf[p:])
}
