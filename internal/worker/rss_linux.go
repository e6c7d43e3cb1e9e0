//go:build linux

package worker

import "golang.org/x/sys/unix"

// sampleUsage returns the process's peak RSS in bytes and total CPU
// seconds, including reaped children (the interpreter subprocesses of
// CommandRuntime).
func sampleUsage() (peakRSS uint64, cpuSeconds float64) {
	var self, children unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &self); err != nil {
		return 0, 0
	}
	_ = unix.Getrusage(unix.RUSAGE_CHILDREN, &children)

	// Maxrss is reported in kilobytes on Linux.
	peakRSS = uint64(self.Maxrss) * 1024
	if c := uint64(children.Maxrss) * 1024; c > peakRSS {
		peakRSS = c
	}
	cpuSeconds = tvToSeconds(self.Utime) + tvToSeconds(self.Stime) +
		tvToSeconds(children.Utime) + tvToSeconds(children.Stime)
	return peakRSS, cpuSeconds
}

func tvToSeconds(tv unix.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
