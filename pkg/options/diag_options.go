package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*DiagOptions)(nil)

// DiagOptions contains configuration items related to the local diagnostics
// HTTP server.
type DiagOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Network with server network.
	Network string `json:"network" mapstructure:"network"`

	// Address with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout with server timeout.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewDiagOptions creates a DiagOptions object with default parameters.
func NewDiagOptions() *DiagOptions {
	return &DiagOptions{
		Enabled: true,
		Network: "tcp",
		Addr:    "127.0.0.1:9464",
		Timeout: 10 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *DiagOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	switch o.Network {
	case "tcp", "tcp4", "tcp6":
		if err := ValidateAddress(o.Addr); err != nil {
			errors = append(errors, err)
		}
	case "unix":
		if o.Addr == "" {
			errors = append(errors, fmt.Errorf("diag.addr must name a socket path"))
		}
	default:
		errors = append(errors, fmt.Errorf("diag.network must be tcp or unix, got %q", o.Network))
	}

	return errors
}

// AddFlags adds flags related to the diagnostics server to the specified
// FlagSet.
func (o *DiagOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "diag.enabled", o.Enabled, "Serve health, metrics and status over HTTP.")
	fs.StringVar(&o.Network, "diag.network", o.Network, "Specify the network for the diagnostics server.")
	fs.StringVar(&o.Addr, "diag.addr", o.Addr, "Specify the diagnostics server bind address and port.")
	fs.DurationVar(&o.Timeout, "diag.timeout", o.Timeout, "Timeout for diagnostics server connections.")
}
