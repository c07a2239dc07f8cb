//go:build linux

package stats

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const meminfoPath = "/proc/meminfo"

func hostUsedPercent() (float64, error) {
	f, err := os.Open(meminfoPath)
	if err == nil {
		defer f.Close()
		pct, perr := meminfoUsedPercent(f)
		if perr == nil {
			return pct, nil
		}
		err = perr
	}
	pct, serr := sysinfoUsedPercent()
	if serr != nil {
		return 0, errors.Join(err, serr)
	}
	return pct, nil
}

// sysinfoUsedPercent is the fallback when /proc is not mounted. Sysinfo has
// no page cache figure, so only free and buffer RAM count as available.
func sysinfoUsedPercent() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	if total == 0 {
		return 0, fmt.Errorf("%w: sysinfo reported no RAM", ErrProbeUnavailable)
	}
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if free > total {
		free = total
	}
	return float64(total-free) / float64(total) * 100, nil
}
