package modelcache

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryProbe reports how much memory is available for loading another model.
type MemoryProbe interface {
	AvailableBytes() (uint64, error)
}

// SystemMemory probes host memory.
type SystemMemory struct{}

// AvailableBytes returns the memory available to new allocations without swapping.
func (SystemMemory) AvailableBytes() (uint64, error) {
	stats, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read virtual memory stats: %w", err)
	}

	return stats.Available, nil
}
