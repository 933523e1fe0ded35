package async

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/leadpulse/errors"
)

// MemoryProbe reports the resident memory of the current process in bytes.
type MemoryProbe func() (uint64, error)

// ProcessRSS is the default MemoryProbe.
func ProcessRSS() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to inspect current process")
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read process memory")
	}
	return info.RSS, nil
}

// getMemoryStats returns system memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// checkMemoryPressure compares the memory budget with what the host has free.
// Returns a warning message, or empty string if the budget fits.
func checkMemoryPressure(budget uint64) string {
	if budget == 0 {
		return ""
	}
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return "" // Can't check, assume OK
	}
	if budget > available {
		return fmt.Sprintf(
			"Memory budget (%s) exceeds available memory (%s of %s). "+
				"The host may start swapping before the budget stops the run.",
			formatBytes(budget), formatBytes(available), formatBytes(total))
	}
	return ""
}

func formatBytes(b uint64) string {
	const mb = 1024 * 1024
	if b >= 1024*mb {
		return fmt.Sprintf("%.1fGB", float64(b)/float64(1024*mb))
	}
	return fmt.Sprintf("%dMB", b/mb)
}
