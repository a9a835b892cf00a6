package main

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// reboot flushes filesystems and restarts the host. It requires
// CAP_SYS_BOOT and does not return on success.
func reboot(context.Context) error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}
