package fotaagent

import (
	"errors"
	"fmt"

	"github.com/autopeer-io/fota/internal/fotaagent/diag"
	"github.com/autopeer-io/fota/internal/fotaagent/hal"
	"github.com/autopeer-io/fota/internal/fotaagent/hub"
	"github.com/autopeer-io/fota/internal/ota/confirm"
	"github.com/autopeer-io/fota/internal/ota/report"
	"github.com/autopeer-io/fota/internal/ota/scheduler"
	"github.com/autopeer-io/fota/internal/ota/session"
	"github.com/autopeer-io/fota/internal/ota/transport"
	"github.com/autopeer-io/fota/internal/pkg/mqtt/paths"
	"github.com/autopeer-io/fota/pkg/log"
	"github.com/autopeer-io/fota/pkg/mqtt"
	mqtttopic "github.com/autopeer-io/fota/pkg/mqtt/topic"
	"github.com/autopeer-io/fota/pkg/options"
)

const (
	taskUpdateCheck  = "update-check"
	taskStatusReport = "status-report"
)

type Config struct {
	FotaOptions *options.FotaOptions
	HttpOptions *options.HttpOptions
	MqttOptions *options.MqttOptions
	S3Options   *options.S3Options
	DiagOptions *options.DiagOptions
}

// NewAgent opens the device state and wires the update engine, the boot
// confirmation monitor and the outer services around it.
func (cfg *Config) NewAgent() (*Agent, error) {
	device := hal.New(cfg.FotaOptions.SimulateReboot)
	state, err := OpenState(cfg.FotaOptions)
	if err != nil {
		return nil, err
	}
	a, err := cfg.newAgent(device, state)
	if err != nil {
		_ = state.Close()
		return nil, err
	}
	return a, nil
}

func (cfg *Config) newAgent(device hal.HAL, state *State) (*Agent, error) {
	o := cfg.FotaOptions
	deviceID := o.DeviceID
	if deviceID == "" {
		deviceID = device.DeviceID()
	}
	if deviceID == "" {
		return nil, errors.New("FATAL: unable to retrieve device ID from HAL")
	}

	policy, err := session.ParseVersionPolicy(o.VersionPolicy)
	if err != nil {
		return nil, err
	}

	fetcher, err := cfg.newFetcher(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to init transport: %w", err)
	}

	a := &Agent{
		deviceID:    deviceID,
		autoConfirm: o.AutoConfirm,
		state:       state,
		machine:     session.NewFiniteStateMachine(session.StateIdle),
		logger:      log.WithName("agent").WithValues("device", deviceID),
	}
	a.scheduler = scheduler.New(scheduler.NewPauseToken(), nil)

	reporters := report.Multi{report.NewHTTPReporter(cfg.HttpOptions.Server, cfg.HttpOptions.NewClient())}
	if cfg.MqttOptions.Enabled {
		mc, topics, err := cfg.initMqttClientAndTopicBuilder(deviceID)
		if err != nil {
			return nil, fmt.Errorf("failed to init mqtt client: %w", err)
		}
		a.hub = hub.New(deviceID, mc, topics, a)
		reporters = append(reporters, report.NewMQTTReporter(a.hub, topics, deviceID))
	}

	a.engine, err = session.NewEngine(session.Config{
		DeviceID:           deviceID,
		Policy:             policy,
		ReorderWindow:      o.ReorderWindow,
		MaxDownloadRetries: o.MaxDownloadRetries,
	}, session.Deps{
		Machine:  a.machine,
		Slots:    state.Slots,
		Ledger:   state.Ledger,
		Fetcher:  fetcher,
		Pause:    a.scheduler.Token(),
		Reporter: reporters,
		Rebooter: device,
	})
	if err != nil {
		return nil, err
	}

	a.monitor, err = confirm.New(confirm.Config{
		DeviceID:            deviceID,
		RollbackTimeout:     o.RollbackTimeout,
		MaxBootAttempts:     o.MaxBootAttempts,
		MaxRollbackAttempts: o.MaxRollbackAttempts,
	}, confirm.Deps{
		Machine:  a.machine,
		Slots:    state.Slots,
		Ledger:   state.Ledger,
		Reporter: reporters,
		Rebooter: device,
	})
	if err != nil {
		return nil, err
	}

	if err := a.scheduler.Register(scheduler.Task{
		Name:      taskUpdateCheck,
		Interval:  o.CheckInterval,
		Essential: true,
		Run:       a.checkTask,
	}); err != nil {
		return nil, err
	}
	if a.hub != nil {
		if err := a.scheduler.Register(scheduler.Task{
			Name:     taskStatusReport,
			Interval: cfg.MqttOptions.StatusInterval,
			Run:      a.statusTask,
		}); err != nil {
			return nil, err
		}
	}

	if cfg.DiagOptions.Enabled {
		a.diag = diag.NewServer(cfg.DiagOptions, diag.Handlers{
			Ready:             a.Ready,
			Status:            a.status,
			CheckNow:          a.CheckNow,
			MarkStable:        a.monitor.MarkStable,
			ClearFactoryReset: a.ClearFactoryReset,
		})
	}
	return a, nil
}

func (cfg *Config) newFetcher(deviceID string) (*transport.Retrier, error) {
	var objects transport.ChunkSource
	if cfg.S3Options.Enabled {
		ot, err := transport.NewObjectTransport(cfg.S3Options)
		if err != nil {
			return nil, err
		}
		objects = ot
	}

	t, err := transport.NewHTTPTransport(transport.HTTPConfig{
		BaseURL:  cfg.HttpOptions.Server,
		DeviceID: deviceID,
		Client:   cfg.HttpOptions.NewClient(),
		Objects:  objects,
	})
	if err != nil {
		return nil, err
	}

	policy := transport.DefaultRetryPolicy()
	policy.Timeout = cfg.FotaOptions.ChunkTimeout
	policy.MaxRetries = cfg.FotaOptions.MaxDownloadRetries
	return transport.NewRetrier(t, policy, []byte(cfg.FotaOptions.MacKey)), nil
}

func (cfg *Config) initMqttClientAndTopicBuilder(deviceID string) (mqtt.Client, *mqtttopic.Builder, error) {
	topicBuilder := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)

	mqttConfig := cfg.MqttOptions.ToClientConfig()
	if mqttConfig.ClientID == "" {
		mqttConfig.ClientID = fmt.Sprintf("cpeer-fota-%s", deviceID)
	}

	// We rely on the broker's reception time, so no timestamp in the will.
	mqttConfig.WillTopic = topicBuilder.Build(paths.Online, deviceID)
	mqttConfig.WillPayload = hub.OfflineWill(deviceID)
	mqttConfig.WillQoS = 1
	mqttConfig.WillRetain = true
	mqttConfig.OnConnectionChange = hub.ConnectionGauge

	mqttClient, err := mqtt.NewClient(mqttConfig)
	if err != nil {
		return nil, nil, err
	}
	return mqttClient, topicBuilder, nil
}
