package unit

type State string

const (
	StateLaunching     State = "launching"
	StateRunning       State = "running"
	StateCrashDetected State = "crash_detected"
	StateRelaunching   State = "relaunching"
	// StateCrashed is terminal for a process that died with restart_on_crash off
	StateCrashed  State = "crashed"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ExitReason records why a unit's goroutine returned
type ExitReason int

const (
	// ExitNone means the goroutine has not exited
	ExitNone ExitReason = iota
	// ExitRequested is a Stop call
	ExitRequested
	// ExitProbeFailure is a refused launch: port in use, environment problem, exec error
	ExitProbeFailure
	// ExitFault is a recovered panic inside the goroutine
	ExitFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitRequested:
		return "requested"
	case ExitProbeFailure:
		return "probe_failure"
	case ExitFault:
		return "fault"
	default:
		return "unknown"
	}
}
