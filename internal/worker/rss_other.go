//go:build !linux

package worker

// sampleUsage is best-effort; platforms without getrusage report zeros
// and the pool falls back to deadline-only enforcement.
func sampleUsage() (peakRSS uint64, cpuSeconds float64) {
	return 0, 0
}
