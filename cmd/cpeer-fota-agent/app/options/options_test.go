package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsNeedOnlyADeviceID(t *testing.T) {
	o := NewAgentOptions()
	o.FotaOptions.DeviceID = ""
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fota.device-id")

	o.FotaOptions.DeviceID = "dev-1"
	assert.NoError(t, o.Validate())
}

func TestValidateAggregatesErrors(t *testing.T) {
	o := NewAgentOptions()
	o.FotaOptions.DeviceID = "dev-1"
	o.FotaOptions.VersionPolicy = "calver"
	o.FotaOptions.MaxBootAttempts = 0
	o.MqttOptions.Enabled = true
	o.MqttOptions.Broker = "not a url"

	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fota.version-policy")
	assert.Contains(t, err.Error(), "fota.max-boot-attempts")
	assert.Contains(t, err.Error(), "mqtt")
}

func TestFlagsAreGroupedBySection(t *testing.T) {
	fss := NewAgentOptions().Flags()
	for _, name := range []string{"fota", "http", "mqtt", "s3", "diag", "log"} {
		assert.Contains(t, fss.Order, name)
	}
	assert.NotNil(t, fss.FlagSet("fota").Lookup("fota.check-interval"))
	assert.NotNil(t, fss.FlagSet("diag").Lookup("diag.addr"))
}

func TestConfigCarriesEveryGroup(t *testing.T) {
	o := NewAgentOptions()
	cfg, err := o.Config()
	require.NoError(t, err)
	assert.Same(t, o.FotaOptions, cfg.FotaOptions)
	assert.Same(t, o.HttpOptions, cfg.HttpOptions)
	assert.Same(t, o.MqttOptions, cfg.MqttOptions)
	assert.Same(t, o.S3Options, cfg.S3Options)
	assert.Same(t, o.DiagOptions, cfg.DiagOptions)
}
