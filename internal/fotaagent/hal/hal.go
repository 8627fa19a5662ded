// Package hal is the thin layer between the agent and the device it runs on.
package hal

import (
	"context"
	"os"
	"strings"

	"github.com/autopeer-io/fota/pkg/log"
)

// ExitCodeReboot is the exit status of a simulated reboot. A supervisor
// restarting the agent on this code plays the role of the bootloader.
const ExitCodeReboot = 3

// HAL is what the agent needs from the platform.
type HAL interface {
	// DeviceID returns the hardware identity, or "" when unknown.
	DeviceID() string

	// Reboot restarts the device into the current boot target. On success
	// it does not return.
	Reboot(ctx context.Context) error
}

// New returns the platform HAL, or the simulated one when simulate is set.
func New(simulate bool) HAL {
	if simulate {
		return NewSimulated()
	}
	return newPlatformHAL()
}

// identitySources are tried in order by DiscoverDeviceID.
var identitySources = []string{
	"/etc/cpeer/device-id",
	"/etc/machine-id",
}

// DiscoverDeviceID reads the device identity from CPEER_DEVICE_ID or the
// first readable identity file.
func DiscoverDeviceID() string {
	if id := strings.TrimSpace(os.Getenv("CPEER_DEVICE_ID")); id != "" {
		log.Info("Device ID detected from env", "id", id)
		return id
	}
	for _, path := range identitySources {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(content)); id != "" {
			log.Info("Device ID detected from file", "id", id, "path", path)
			return id
		}
	}
	return ""
}
