package app

import (
	"fmt"
	"sync"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/fota/cmd/cpeer-fota-agent/app/options"
	"github.com/autopeer-io/fota/internal/fotaagent"
	"github.com/autopeer-io/fota/pkg/app"
	"github.com/autopeer-io/fota/pkg/log"
)

const (
	commandName = "cpeer-fota-agent"
	commandDesc = `The Autopeer FOTA agent runs on the device. It polls the update server
for newer firmware, downloads it chunk by chunk into the inactive A/B slot,
verifies and activates it, and rolls back an image that never proves stable.`
	envPrefix = "FOTA"
)

func NewApp() *app.App {
	opts := options.NewAgentOptions()
	r := &runner{opts: opts}
	application := app.NewApp(
		commandName,
		"Launch the Autopeer firmware update agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithEnvPrefix(envPrefix),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(r.run),
		app.WithReloadFunc(r.reload),
		app.WithCommands(
			newStatusCommand(opts),
			newCheckCommand(opts),
			newClearFactoryResetCommand(opts),
		),
	)
	return application
}

// runner keeps the live agent for configuration reloads.
type runner struct {
	opts *options.AgentOptions

	mu    sync.Mutex
	agent *fotaagent.Agent
}

func (r *runner) run() error {
	log.Init(r.opts.Log)
	defer func() { _ = log.Sync() }()

	ctx := genericapiserver.SetupSignalContext()

	cfg, err := r.opts.Config()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	agent, err := cfg.NewAgent()
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	r.mu.Lock()
	r.agent = agent
	r.mu.Unlock()

	return agent.Run(ctx)
}

// reload applies the settings that can change without a restart.
func (r *runner) reload() error {
	if !log.SetLevel(r.opts.Log.Level) {
		return fmt.Errorf("unknown log level %q", r.opts.Log.Level)
	}

	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()
	if agent == nil {
		return nil
	}
	if err := agent.SetCheckInterval(r.opts.FotaOptions.CheckInterval); err != nil {
		return err
	}
	log.Info("Configuration reloaded", "level", r.opts.Log.Level, "checkInterval", r.opts.FotaOptions.CheckInterval)
	return nil
}
