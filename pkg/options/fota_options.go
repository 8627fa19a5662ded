package options

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*FotaOptions)(nil)

// FotaOptions holds the update engine settings.
type FotaOptions struct {
	// DeviceID identifies the device towards the update server.
	DeviceID string `json:"device-id" mapstructure:"device-id"`

	// StateDir holds the slot images, the boot control block and the ledger.
	StateDir string `json:"state-dir" mapstructure:"state-dir"`

	// MacKey is the shared secret of the per-chunk HMAC-SHA256. Empty
	// disables chunk MAC checks.
	MacKey string `json:"mac-key" mapstructure:"mac-key"`

	CheckInterval       time.Duration `json:"check-interval" mapstructure:"check-interval"`
	ChunkTimeout        time.Duration `json:"chunk-timeout" mapstructure:"chunk-timeout"`
	MaxDownloadRetries  uint64        `json:"max-download-retries" mapstructure:"max-download-retries"`
	RollbackTimeout     time.Duration `json:"rollback-timeout" mapstructure:"rollback-timeout"`
	MaxBootAttempts     uint32        `json:"max-boot-attempts" mapstructure:"max-boot-attempts"`
	MaxRollbackAttempts uint32        `json:"max-rollback-attempts" mapstructure:"max-rollback-attempts"`

	// ReorderWindow is how far ahead of the next missing chunk an
	// out-of-order chunk is still written.
	ReorderWindow uint32 `json:"reorder-window" mapstructure:"reorder-window"`

	// VersionPolicy is lexical or semver.
	VersionPolicy string `json:"version-policy" mapstructure:"version-policy"`

	// SlotCapacity is the size of each boot slot in bytes.
	SlotCapacity uint32 `json:"slot-capacity" mapstructure:"slot-capacity"`

	// FactoryVersion is recorded for slot a when the state dir is new.
	FactoryVersion string `json:"factory-version" mapstructure:"factory-version"`

	// AutoConfirm marks a new image stable once the agent's own services
	// are up. When false the stable checkpoint must come from the local
	// diagnostics endpoint.
	AutoConfirm bool `json:"auto-confirm" mapstructure:"auto-confirm"`

	// SimulateReboot exits the process instead of rebooting the device.
	SimulateReboot bool `json:"simulate-reboot" mapstructure:"simulate-reboot"`
}

func NewFotaOptions() *FotaOptions {
	return &FotaOptions{
		StateDir:            "/var/lib/cpeer-fota",
		CheckInterval:       6 * time.Hour,
		ChunkTimeout:        10 * time.Second,
		MaxDownloadRetries:  5,
		RollbackTimeout:     5 * time.Minute,
		MaxBootAttempts:     3,
		MaxRollbackAttempts: 3,
		ReorderWindow:       16,
		VersionPolicy:       "lexical",
		SlotCapacity:        64 << 20,
		FactoryVersion:      "0.0.0",
		AutoConfirm:         true,
	}
}

func (o *FotaOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if o.DeviceID == "" {
		errs = append(errs, errors.New("fota.device-id is required"))
	}
	if o.StateDir == "" {
		errs = append(errs, errors.New("fota.state-dir is required"))
	}
	for name, d := range map[string]time.Duration{
		"check-interval":   o.CheckInterval,
		"chunk-timeout":    o.ChunkTimeout,
		"rollback-timeout": o.RollbackTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("fota.%s must be positive, got %s", name, d))
		}
	}
	if o.MaxBootAttempts == 0 {
		errs = append(errs, errors.New("fota.max-boot-attempts must be at least 1"))
	}
	if o.MaxRollbackAttempts == 0 {
		errs = append(errs, errors.New("fota.max-rollback-attempts must be at least 1"))
	}
	if o.ReorderWindow == 0 {
		errs = append(errs, errors.New("fota.reorder-window must be at least 1"))
	}
	if o.SlotCapacity == 0 {
		errs = append(errs, errors.New("fota.slot-capacity must be positive"))
	}
	switch o.VersionPolicy {
	case "lexical", "semver":
	default:
		errs = append(errs, fmt.Errorf("fota.version-policy must be lexical or semver, got %q", o.VersionPolicy))
	}

	return errs
}

func (o *FotaOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.DeviceID, "fota.device-id", o.DeviceID, "Device identifier sent to the update server.")
	fs.StringVar(&o.StateDir, "fota.state-dir", o.StateDir, "Directory holding slot images, the boot control block and the ledger.")
	fs.StringVar(&o.MacKey, "fota.mac-key", o.MacKey, "Shared secret for per-chunk HMAC-SHA256 (empty disables chunk MAC checks).")

	fs.DurationVar(&o.CheckInterval, "fota.check-interval", o.CheckInterval, "Period between update checks.")
	fs.DurationVar(&o.ChunkTimeout, "fota.chunk-timeout", o.ChunkTimeout, "Timeout of a single chunk fetch attempt.")
	fs.Uint64Var(&o.MaxDownloadRetries, "fota.max-download-retries", o.MaxDownloadRetries, "Retries per chunk before the session aborts.")
	fs.DurationVar(&o.RollbackTimeout, "fota.rollback-timeout", o.RollbackTimeout, "Window for a new image to reach the stable checkpoint.")
	fs.Uint32Var(&o.MaxBootAttempts, "fota.max-boot-attempts", o.MaxBootAttempts, "Unconfirmed boots tolerated before rolling back.")
	fs.Uint32Var(&o.MaxRollbackAttempts, "fota.max-rollback-attempts", o.MaxRollbackAttempts, "Consecutive rollbacks before automatic updates are suspended.")

	fs.Uint32Var(&o.ReorderWindow, "fota.reorder-window", o.ReorderWindow, "Chunks past the next missing one that may arrive out of order.")
	fs.StringVar(&o.VersionPolicy, "fota.version-policy", o.VersionPolicy, "Version comparison: lexical or semver.")
	fs.Uint32Var(&o.SlotCapacity, "fota.slot-capacity", o.SlotCapacity, "Size of each boot slot in bytes.")
	fs.StringVar(&o.FactoryVersion, "fota.factory-version", o.FactoryVersion, "Version recorded for the factory image on first start.")
	fs.BoolVar(&o.AutoConfirm, "fota.auto-confirm", o.AutoConfirm, "Confirm a new image once the agent is connected; otherwise wait for POST /v1/fota/mark-stable.")
	fs.BoolVar(&o.SimulateReboot, "fota.simulate-reboot", o.SimulateReboot, "Exit with code 3 instead of rebooting, for development without real hardware.")
}
