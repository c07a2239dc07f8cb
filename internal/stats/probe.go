package stats

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
)

// ErrProbeUnavailable is returned by probes that cannot read memory usage on
// this platform.
var ErrProbeUnavailable = errors.New("memory probe unavailable")

// MemoryProbe reports memory usage as a percentage.
type MemoryProbe interface {
	UsedPercent() (float64, error)
}

// ProbeFunc adapts a function to MemoryProbe.
type ProbeFunc func() (float64, error)

// UsedPercent implements MemoryProbe.
func (f ProbeFunc) UsedPercent() (float64, error) {
	return f()
}

// HostMemory reports the share of host RAM in use.
func HostMemory() MemoryProbe {
	return ProbeFunc(hostUsedPercent)
}

// RuntimeMemory reports memory obtained by the Go runtime as a share of
// ceiling bytes.
func RuntimeMemory(ceiling uint64) MemoryProbe {
	return ProbeFunc(func() (float64, error) {
		if ceiling == 0 {
			return 0, ErrProbeUnavailable
		}
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Sys) / float64(ceiling) * 100, nil
	})
}

// FirstAvailable returns a probe that asks each probe in turn and uses the
// first reading that succeeds.
func FirstAvailable(probes ...MemoryProbe) MemoryProbe {
	return ProbeFunc(func() (float64, error) {
		errs := make([]error, 0, len(probes))
		for _, p := range probes {
			pct, err := p.UsedPercent()
			if err == nil {
				return pct, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return 0, ErrProbeUnavailable
		}
		return 0, errors.Join(errs...)
	})
}

// meminfoUsedPercent computes (MemTotal-MemAvailable)/MemTotal from a
// /proc/meminfo listing. Page cache counts as available.
func meminfoUsedPercent(r io.Reader) (float64, error) {
	var total, avail uint64
	var haveTotal, haveAvail bool

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		var dst *uint64
		switch name {
		case "MemTotal":
			dst, haveTotal = &total, true
		case "MemAvailable":
			dst, haveAvail = &avail, true
		default:
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, fmt.Errorf("meminfo: empty %s", name)
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("meminfo: %s: %w", name, err)
		}
		*dst = v
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("meminfo: %w", err)
	}
	if !haveTotal || !haveAvail || total == 0 {
		return 0, fmt.Errorf("%w: meminfo lacks MemTotal or MemAvailable", ErrProbeUnavailable)
	}
	if avail > total {
		avail = total
	}
	return float64(total-avail) / float64(total) * 100, nil
}
