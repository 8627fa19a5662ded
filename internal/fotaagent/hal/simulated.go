package hal

import (
	"context"
	"os"

	"github.com/autopeer-io/fota/pkg/log"
)

// SimulatedHAL stands in for a device during development: a reboot ends
// the process with ExitCodeReboot.
type SimulatedHAL struct {
	exit func(code int)
}

func NewSimulated() *SimulatedHAL {
	return &SimulatedHAL{exit: os.Exit}
}

func (h *SimulatedHAL) DeviceID() string {
	if id := DiscoverDeviceID(); id != "" {
		return id
	}
	return "dev-simulated-001"
}

func (h *SimulatedHAL) Reboot(ctx context.Context) error {
	log.Warn("[HAL-Sim] >>> REBOOT REQUESTED <<<", "exitCode", ExitCodeReboot)
	_ = log.Sync()
	h.exit(ExitCodeReboot)
	return nil
}
