// Package monitor implements a global exclusive monitor shared by all guest
// processors: the load-linked/store-conditional arbitration point for
// exclusive memory instructions.
package monitor

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/dynarec/log"
)

// An address marked exclusive covers the naturally-aligned granule containing
// it. The default granule is a single byte address, matching the reference
// arbitration where any intervening exclusive claim on the exact address
// breaks the reservation; real hardware uses larger granules, configurable
// via NewExclusiveMonitorWithGranule.
const DefaultGranuleSize = 1

const invalidAddress = ^uint64(0)

type processorState struct {
	address uint64
	// snapshot of the bytes read under the mark, compared semantics are the
	// caller's business; the monitor only replays them into the conditional
	// write.
	value []byte
}

// ExclusiveMonitor arbitrates exclusive accesses between processors. All
// operations on it are serialized by one internal lock, which is what makes a
// read-and-mark or a conditional write atomic with respect to every other
// processor's exclusive operations.
type ExclusiveMonitor struct {
	mu          sync.Mutex
	state       []processorState
	granuleMask uint64
}

// NewExclusiveMonitor returns a monitor for the given number of processors
// with the default granule.
func NewExclusiveMonitor(processorCount int) *ExclusiveMonitor {
	return NewExclusiveMonitorWithGranule(processorCount, DefaultGranuleSize)
}

// NewExclusiveMonitorWithGranule returns a monitor whose reservations cover
// naturally-aligned granules of the given power-of-two size in bytes.
func NewExclusiveMonitorWithGranule(processorCount, granuleSize int) *ExclusiveMonitor {
	if processorCount <= 0 {
		panic(fmt.Sprintf("monitor: invalid processor count %d", processorCount))
	}
	if granuleSize <= 0 || granuleSize&(granuleSize-1) != 0 {
		panic(fmt.Sprintf("monitor: granule size %d is not a power of two", granuleSize))
	}
	m := &ExclusiveMonitor{
		state:       make([]processorState, processorCount),
		granuleMask: ^uint64(granuleSize - 1),
	}
	m.unsafeClear()
	return m
}

// GetProcessorCount returns the number of processors the monitor arbitrates.
func (m *ExclusiveMonitor) GetProcessorCount() int {
	return len(m.state)
}

// ReadAndMark performs the read op and marks the granule containing address
// as exclusive to processorID. The read happens under the monitor lock, so no
// other processor's exclusive operation can interleave with it. The bytes the
// read returns are retained and later handed to DoExclusiveOperation's write.
func (m *ExclusiveMonitor) ReadAndMark(processorID int, address uint64, read func() []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	masked := address & m.granuleMask
	s := &m.state[processorID]
	s.address = masked
	s.value = read()
	log.Trace(log.MonitorMonitoring, "exclusive mark", "processor", processorID, "address", masked, "width", len(s.value))
	return s.value
}

// DoExclusiveOperation runs write only if processorID still holds an
// exclusive mark covering address. The mark is consumed either way. The write
// receives the bytes saved by the matching ReadAndMark and reports whether it
// performed the store; its result is returned. Returns false without calling
// write when the mark was lost.
func (m *ExclusiveMonitor) DoExclusiveOperation(processorID int, address uint64, write func(saved []byte) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checkAndClearLocked(processorID, address) {
		log.Trace(log.MonitorMonitoring, "exclusive store failed", "processor", processorID, "address", address)
		return false
	}
	return write(m.state[processorID].value)
}

// checkAndClearLocked tests whether processorID holds a mark covering address
// and clears that mark. When it does, every other processor's mark on the
// same granule is also cleared, so only one of several racing conditional
// writes can succeed. Caller holds the lock.
func (m *ExclusiveMonitor) checkAndClearLocked(processorID int, address uint64) bool {
	masked := address & m.granuleMask

	if m.state[processorID].address != masked {
		m.state[processorID].address = invalidAddress
		return false
	}

	for i := range m.state {
		if i != processorID && m.state[i].address == masked {
			m.state[i].address = invalidAddress
		}
	}
	m.state[processorID].address = invalidAddress
	return true
}

// Clear evicts all processors' marks.
func (m *ExclusiveMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsafeClear()
}

// ClearProcessor evicts one processor's mark.
func (m *ExclusiveMonitor) ClearProcessor(processorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[processorID].address = invalidAddress
}

func (m *ExclusiveMonitor) unsafeClear() {
	for i := range m.state {
		m.state[i].address = invalidAddress
		m.state[i].value = nil
	}
}
