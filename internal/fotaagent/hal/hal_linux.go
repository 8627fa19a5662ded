//go:build linux

package hal

import (
	"context"
	"syscall"

	"github.com/autopeer-io/fota/pkg/log"
)

// LinuxHAL reboots the machine through the kernel.
type LinuxHAL struct{}

func newPlatformHAL() HAL {
	return &LinuxHAL{}
}

func (h *LinuxHAL) DeviceID() string {
	return DiscoverDeviceID()
}

func (h *LinuxHAL) Reboot(ctx context.Context) error {
	log.Info("System is rebooting NOW...")
	syscall.Sync()
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}
