// Package probe answers the two questions asked before a managed process is
// spawned: is its TCP port already taken, and does its runtime environment exist.
package probe

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds a single port probe
const DefaultDialTimeout = 500 * time.Millisecond

// IsPortInUse reports whether something accepts TCP connections on localhost:port.
// Port 0 means "no port" and is never in use.
func IsPortInUse(port int) bool {
	return IsPortInUseTimeout(port, DefaultDialTimeout)
}

func IsPortInUseTimeout(port int, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// EnvironmentStatus is the result of probing a runtime environment directory
type EnvironmentStatus int

const (
	EnvironmentOK EnvironmentStatus = iota
	// EnvironmentUnconfigured means no environment was given at all
	EnvironmentUnconfigured
	// EnvironmentMissing means the environment or its bin directory does not exist
	EnvironmentMissing
)

func (s EnvironmentStatus) String() string {
	switch s {
	case EnvironmentOK:
		return "ok"
	case EnvironmentUnconfigured:
		return "unconfigured"
	case EnvironmentMissing:
		return "missing"
	default:
		return fmt.Sprintf("EnvironmentStatus(%d)", int(s))
	}
}

// BinDir is the executables directory inside an environment
func BinDir(environment string) string {
	return filepath.Join(environment, "bin")
}

// ProbeEnvironment checks that environment/bin exists and is a directory
func ProbeEnvironment(environment string) EnvironmentStatus {
	if environment == "" {
		return EnvironmentUnconfigured
	}
	info, err := os.Stat(BinDir(environment))
	if err != nil || !info.IsDir() {
		return EnvironmentMissing
	}
	return EnvironmentOK
}
