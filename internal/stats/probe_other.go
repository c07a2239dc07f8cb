//go:build !linux

package stats

func hostUsedPercent() (float64, error) {
	return 0, ErrProbeUnavailable
}
