//go:build !windows

package process

import (
	"golang.org/x/sys/unix"
)

// SendKillSignal sends SIGKILL to the whole process group led by pid
func SendKillSignal(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
