package options

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the client side of the update server API.
type HttpOptions struct {
	// Server is the base URL of the update server.
	Server string `json:"server" mapstructure:"server"`

	// Timeout bounds one request. Chunk fetches use fota.chunk-timeout.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// InsecureSkipVerify disables TLS verification. Testing only.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Server:  "https://fota.autopeer.io",
		Timeout: 30 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateURL(o.Server, "http", "https"); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags related to the update server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Server, "http.server", o.Server, "Base URL of the update server.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Timeout for manifest, ack and report requests.")
	fs.BoolVar(&o.InsecureSkipVerify, "http.insecure-skip-verify", o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")
}

// NewClient builds the HTTP client used by the transport and the reporter.
func (o *HttpOptions) NewClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if o.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: o.Timeout}
}
