//go:build !windows

package session

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPTYWithSize starts the command attached to a new PTY at the given
// dimensions.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// stopSignal is the graceful termination signal sent before force-kill.
func stopSignal() os.Signal {
	return syscall.SIGTERM
}
