// Package app builds the cobra command of a daemon from a set of option
// groups, layering flags, environment and an optional config file.
package app

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/term"

	"github.com/autopeer-io/fota/pkg/log"
)

// RunFunc is the main body of the application.
type RunFunc func() error

// ReloadFunc is called after the config file changed and the options were
// re-read from it.
type ReloadFunc func() error

// App is a command line application.
type App struct {
	name        string
	shortDesc   string
	description string
	envPrefix   string
	options     NamedFlagSetOptions
	runFunc     RunFunc
	reloadFunc  ReloadFunc
	args        cobra.PositionalArgs
	commands    []*cobra.Command

	// serializes option re-reads against each other
	mu  sync.Mutex
	cmd *cobra.Command
}

// Option configures an App.
type Option func(*App)

func WithOptions(opts NamedFlagSetOptions) Option {
	return func(a *App) { a.options = opts }
}

func WithRunFunc(run RunFunc) Option {
	return func(a *App) { a.runFunc = run }
}

// WithReloadFunc enables watching the config file.
func WithReloadFunc(reload ReloadFunc) Option {
	return func(a *App) { a.reloadFunc = reload }
}

func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// WithEnvPrefix overrides the environment prefix derived from the name.
func WithEnvPrefix(prefix string) Option {
	return func(a *App) { a.envPrefix = prefix }
}

// WithValidArgs sets the positional argument check.
func WithValidArgs(args cobra.PositionalArgs) Option {
	return func(a *App) { a.args = args }
}

// WithDefaultValidArgs rejects any positional argument.
func WithDefaultValidArgs() Option {
	return func(a *App) {
		a.args = func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if len(arg) > 0 {
					return fmt.Errorf("%q does not take any arguments, got %q", cmd.CommandPath(), args)
				}
			}
			return nil
		}
	}
}

// WithCommands adds subcommands. They share the persistent flags and the
// config file of the root command.
func WithCommands(cmds ...*cobra.Command) Option {
	return func(a *App) { a.commands = append(a.commands, cmds...) }
}

func NewApp(name, shortDesc string, opts ...Option) *App {
	a := &App{
		name:      name,
		shortDesc: shortDesc,
		envPrefix: envPrefixOf(name),
	}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

func envPrefixOf(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.shortDesc,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          a.args,
	}
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	var fss cliflag.NamedFlagSets
	if a.options != nil {
		fss = a.options.Flags()
		for _, f := range fss.FlagSets {
			cmd.PersistentFlags().AddFlagSet(f)
		}
	}
	loadConfig := addConfigFlag(fss.FlagSet("global"), a.name, a.envPrefix)
	fss.FlagSet("global").BoolP("help", "h", false, fmt.Sprintf("Help for %s.", a.name))
	cmd.PersistentFlags().AddFlagSet(fss.FlagSet("global"))

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		return a.readOptions(cmd.Flags())
	}
	if a.runFunc != nil {
		cmd.RunE = a.runCommand
	}
	cmd.AddCommand(a.commands...)

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, fss, cols)

	a.cmd = cmd
}

// readOptions binds the flags into viper and decodes everything viper knows
// into the options.
func (a *App) readOptions(fs *pflag.FlagSet) error {
	if a.options == nil {
		return nil
	}
	if err := viper.BindPFlags(fs); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := viper.Unmarshal(a.options); err != nil {
		return fmt.Errorf("failed to decode options: %w", err)
	}
	return a.options.Complete()
}

func (a *App) runCommand(cmd *cobra.Command, args []string) error {
	if a.options != nil {
		if err := a.options.Validate(); err != nil {
			return err
		}
	}
	if a.reloadFunc != nil && viper.ConfigFileUsed() != "" {
		a.watchConfig()
	}
	return a.runFunc()
}

func (a *App) watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Info("Configuration file changed", "file", e.Name)

		a.mu.Lock()
		err := viper.Unmarshal(a.options)
		a.mu.Unlock()
		if err == nil {
			err = a.options.Validate()
		}
		if err != nil {
			log.Error(err, "Ignoring invalid configuration change", "file", e.Name)
			return
		}
		if err := a.reloadFunc(); err != nil {
			log.Error(err, "Failed to apply configuration change")
		}
	})
	viper.WatchConfig()
}

// Command returns the root cobra command.
func (a *App) Command() *cobra.Command {
	return a.cmd
}

// Run executes the application and exits non-zero on error.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v %v\n", "Error:", err)
		os.Exit(1)
	}
}
