package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cliflag "k8s.io/component-base/cli/flag"
)

type demoGroup struct {
	Greeting string        `mapstructure:"greeting"`
	Interval time.Duration `mapstructure:"interval"`
}

type demoOptions struct {
	Demo      *demoGroup `mapstructure:"demo"`
	completed bool
}

func newDemoOptions() *demoOptions {
	return &demoOptions{Demo: &demoGroup{Greeting: "hello", Interval: time.Minute}}
}

func (o *demoOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	fs := fss.FlagSet("demo")
	fs.StringVar(&o.Demo.Greeting, "demo.greeting", o.Demo.Greeting, "Greeting.")
	fs.DurationVar(&o.Demo.Interval, "demo.interval", o.Demo.Interval, "Interval.")
	return fss
}

func (o *demoOptions) Complete() error {
	o.completed = true
	return nil
}

func (o *demoOptions) Validate() error {
	if o.Demo.Greeting == "" {
		return errors.New("demo.greeting must not be empty")
	}
	return nil
}

func execute(t *testing.T, a *App, args ...string) error {
	t.Helper()
	cmd := a.Command()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newDemoApp(t *testing.T, opts *demoOptions, run RunFunc, extra ...Option) *App {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())
	return NewApp("demo-app", "A demo", append([]Option{
		WithOptions(opts),
		WithRunFunc(run),
		WithDefaultValidArgs(),
	}, extra...)...)
}

func TestFlagsReachOptions(t *testing.T) {
	opts := newDemoOptions()
	ran := false
	a := newDemoApp(t, opts, func() error {
		ran = true
		return nil
	})

	require.NoError(t, execute(t, a, "--demo.greeting=hi", "--demo.interval=90s"))
	assert.True(t, ran)
	assert.True(t, opts.completed)
	assert.Equal(t, "hi", opts.Demo.Greeting)
	assert.Equal(t, 90*time.Second, opts.Demo.Interval)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	opts := newDemoOptions()
	a := newDemoApp(t, opts, func() error { return nil })
	t.Setenv("DEMO_APP_DEMO_GREETING", "from-env")

	require.NoError(t, execute(t, a))
	assert.Equal(t, "from-env", opts.Demo.Greeting)
}

func TestEnvPrefixOverride(t *testing.T) {
	opts := newDemoOptions()
	a := newDemoApp(t, opts, func() error { return nil }, WithEnvPrefix("FOTA"))
	t.Setenv("FOTA_DEMO_INTERVAL", "5m")

	require.NoError(t, execute(t, a))
	assert.Equal(t, 5*time.Minute, opts.Demo.Interval)
}

func TestConfigFile(t *testing.T) {
	opts := newDemoOptions()
	a := newDemoApp(t, opts, func() error { return nil })
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("demo:\n  greeting: from-file\n  interval: 2m\n"), 0o644))

	require.NoError(t, execute(t, a, "-c", path))
	assert.Equal(t, "from-file", opts.Demo.Greeting)
	assert.Equal(t, 2*time.Minute, opts.Demo.Interval)
}

func TestMissingExplicitConfigFileFails(t *testing.T) {
	a := newDemoApp(t, newDemoOptions(), func() error { return nil })
	err := execute(t, a, "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestInvalidOptionsNeverRun(t *testing.T) {
	ran := false
	a := newDemoApp(t, newDemoOptions(), func() error {
		ran = true
		return nil
	})

	err := execute(t, a, "--demo.greeting=")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demo.greeting")
	assert.False(t, ran)
}

func TestPositionalArgumentsRejected(t *testing.T) {
	a := newDemoApp(t, newDemoOptions(), func() error { return nil })
	assert.Error(t, execute(t, a, "extra"))
}

func TestSubcommandsShareOptions(t *testing.T) {
	opts := newDemoOptions()
	var seen string
	sub := &cobra.Command{
		Use: "show",
		RunE: func(*cobra.Command, []string) error {
			seen = opts.Demo.Greeting
			return nil
		},
	}
	a := newDemoApp(t, opts, func() error { t.Fatal("root run"); return nil }, WithCommands(sub))

	require.NoError(t, execute(t, a, "show", "--demo.greeting=sub"))
	assert.Equal(t, "sub", seen)
}

func TestConfigChangeIsReloaded(t *testing.T) {
	opts := newDemoOptions()
	path := filepath.Join(t.TempDir(), "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("demo:\n  interval: 2m\n"), 0o644))

	reloaded := make(chan time.Duration, 1)
	run := func() error {
		if err := os.WriteFile(path, []byte("demo:\n  interval: 7m\n"), 0o644); err != nil {
			return err
		}
		select {
		case d := <-reloaded:
			assert.Equal(t, 7*time.Minute, d)
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("config change never reloaded")
		}
	}
	a := newDemoApp(t, opts, run, WithReloadFunc(func() error {
		select {
		case reloaded <- opts.Demo.Interval:
		default:
		}
		return nil
	}))

	require.NoError(t, execute(t, a, "--config", path))
}
