package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fota/internal/fotaagent"
	"github.com/autopeer-io/fota/internal/fotaagent/hal"
	"github.com/autopeer-io/fota/pkg/app"
	"github.com/autopeer-io/fota/pkg/log"
	"github.com/autopeer-io/fota/pkg/options"
)

type AgentOptions struct {
	FotaOptions *options.FotaOptions `json:"fota" mapstructure:"fota"`
	HttpOptions *options.HttpOptions `json:"http" mapstructure:"http"`
	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	S3Options   *options.S3Options   `json:"s3" mapstructure:"s3"`
	DiagOptions *options.DiagOptions `json:"diag" mapstructure:"diag"`
	Log         *log.Options         `json:"log" mapstructure:"log"`
}

var _ app.NamedFlagSetOptions = (*AgentOptions)(nil)

func NewAgentOptions() *AgentOptions {
	o := &AgentOptions{
		FotaOptions: options.NewFotaOptions(),
		HttpOptions: options.NewHttpOptions(),
		MqttOptions: options.NewMqttOptions(),
		S3Options:   options.NewS3Options(),
		DiagOptions: options.NewDiagOptions(),
		Log:         log.NewOptions(),
	}

	return o
}

func (o *AgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.FotaOptions.AddFlags(fss.FlagSet("fota"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.DiagOptions.AddFlags(fss.FlagSet("diag"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete falls back to the platform identity when no device ID is
// configured.
func (o *AgentOptions) Complete() error {
	if o.FotaOptions.DeviceID == "" {
		o.FotaOptions.DeviceID = hal.New(o.FotaOptions.SimulateReboot).DeviceID()
	}
	return nil
}

func (o *AgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.FotaOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.DiagOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *AgentOptions) Config() (*fotaagent.Config, error) {
	return &fotaagent.Config{
		FotaOptions: o.FotaOptions,
		HttpOptions: o.HttpOptions,
		MqttOptions: o.MqttOptions,
		S3Options:   o.S3Options,
		DiagOptions: o.DiagOptions,
	}, nil
}
