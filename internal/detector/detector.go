package detector

import "fmt"

// Probe reports whether a PID refers to a live process.
// Implementations must not disturb the target process.
type Probe interface {
	Alive(pid int) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(pid int) bool

func (f ProbeFunc) Alive(pid int) bool { return f(pid) }

// OS probes the operating system process table.
var OS Probe = ProbeFunc(pidAlive)

// Detector is a strategy that determines if a worker is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the worker is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// IncarnationDetector detects a specific run of a process: the PID must be alive
// and, when StartUnix is known, its start time must match so a recycled PID is
// reported as dead.
type IncarnationDetector struct {
	PID       int
	StartUnix int64
	Probe     Probe
}

func (d IncarnationDetector) Alive() (bool, error) {
	p := d.Probe
	if p == nil {
		p = OS
	}
	if !p.Alive(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		cur := StartUnix(d.PID)
		if cur > 0 && cur != d.StartUnix {
			return false, nil // PID reused; not our worker
		}
	}
	return true, nil
}

func (d IncarnationDetector) Describe() string {
	return fmt.Sprintf("pid:%d@%d", d.PID, d.StartUnix)
}

// StartUnix returns the start time of pid as Unix seconds, or 0 when unavailable.
func StartUnix(pid int) int64 { return getProcStartUnix(pid) }
