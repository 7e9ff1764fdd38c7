package monitor

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32bytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func TestReadMarkThenWriteSucceeds(t *testing.T) {
	m := NewExclusiveMonitor(2)
	mem := uint32(0x11223344)

	got := m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(mem) })
	require.Equal(t, u32bytes(mem), got)

	ok := m.DoExclusiveOperation(0, 0x1000, func(saved []byte) bool {
		assert.Equal(t, u32bytes(mem), saved)
		mem = 0x55667788
		return true
	})
	assert.True(t, ok)
	assert.Equal(t, uint32(0x55667788), mem)
}

func TestWriteWithoutMarkFails(t *testing.T) {
	m := NewExclusiveMonitor(1)
	called := false
	ok := m.DoExclusiveOperation(0, 0x1000, func([]byte) bool {
		called = true
		return true
	})
	assert.False(t, ok)
	assert.False(t, called, "write callback must not run without a mark")
}

func TestMarkIsConsumedByWrite(t *testing.T) {
	m := NewExclusiveMonitor(1)
	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	assert.True(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
	// second conditional write sees no mark
	assert.False(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
}

func TestInterveningClaimBreaksReservation(t *testing.T) {
	m := NewExclusiveMonitor(2)
	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	m.ReadAndMark(1, 0x1000, func() []byte { return u32bytes(1) })

	// processor 1 wins; processor 0's mark on the same granule is cleared
	assert.True(t, m.DoExclusiveOperation(1, 0x1000, func([]byte) bool { return true }))
	assert.False(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
}

func TestDifferentAddressDoesNotBreakReservation(t *testing.T) {
	m := NewExclusiveMonitor(2)
	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	m.ReadAndMark(1, 0x2000, func() []byte { return u32bytes(2) })

	assert.True(t, m.DoExclusiveOperation(1, 0x2000, func([]byte) bool { return true }))
	assert.True(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
}

func TestWriteToDifferentAddressFails(t *testing.T) {
	m := NewExclusiveMonitor(1)
	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	assert.False(t, m.DoExclusiveOperation(0, 0x1004, func([]byte) bool { return true }))
	// the failed attempt consumed the mark
	assert.False(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
}

func TestGranuleCoversNeighbors(t *testing.T) {
	m := NewExclusiveMonitorWithGranule(2, 16)
	m.ReadAndMark(0, 0x1004, func() []byte { return u32bytes(1) })

	// same 16-byte granule, different address
	assert.True(t, m.DoExclusiveOperation(0, 0x100C, func([]byte) bool { return true }))
}

func TestInvalidGranulePanics(t *testing.T) {
	assert.Panics(t, func() { NewExclusiveMonitorWithGranule(1, 3) })
	assert.Panics(t, func() { NewExclusiveMonitor(0) })
}

func TestClearProcessor(t *testing.T) {
	m := NewExclusiveMonitor(2)
	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	m.ReadAndMark(1, 0x2000, func() []byte { return u32bytes(2) })

	m.ClearProcessor(0)
	assert.False(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
	assert.True(t, m.DoExclusiveOperation(1, 0x2000, func([]byte) bool { return true }))

	m.ReadAndMark(0, 0x1000, func() []byte { return u32bytes(1) })
	m.Clear()
	assert.False(t, m.DoExclusiveOperation(0, 0x1000, func([]byte) bool { return true }))
}

// Racing conditional writes to the same granule: exactly one succeeds.
func TestRacingWritesOneWinner(t *testing.T) {
	const processors = 8
	m := NewExclusiveMonitor(processors)

	for i := 0; i < processors; i++ {
		m.ReadAndMark(i, 0x1000, func() []byte { return u32bytes(0) })
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < processors; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if m.DoExclusiveOperation(id, 0x1000, func([]byte) bool { return true }) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, winners, "exactly one racing store-conditional may succeed")
}

func TestProcessorCount(t *testing.T) {
	assert.Equal(t, 4, NewExclusiveMonitor(4).GetProcessorCount())
}
