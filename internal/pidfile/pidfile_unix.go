//go:build unix

package pidfile

import (
	"fmt"
	"os"
	"syscall"
)

// lockFile takes an exclusive flock, blocking until other instances let go.
func lockFile(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", file.Name(), err)
	}
	return nil
}

func unlockFile(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", file.Name(), err)
	}
	return nil
}
