package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/autopeer-io/fota/cmd/cpeer-fota-agent/app/options"
	"github.com/autopeer-io/fota/internal/fotaagent"
	"github.com/autopeer-io/fota/internal/fotaagent/diag"
	"github.com/autopeer-io/fota/pkg/log"
)

const commandTimeout = 30 * time.Second

func newStatusCommand(opts *options.AgentOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the update state, the boot slots and the rollback ledger",
		Long: `Show the update state, the boot slots and the rollback ledger.

The running agent is asked over its diagnostics endpoint. When no agent is
running, the state directory is read directly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Init(opts.Log)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			st, err := readStatus(ctx, opts)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			case "table":
				printStatus(cmd.OutOrStdout(), st)
				return nil
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json.")
	return cmd
}

func readStatus(ctx context.Context, opts *options.AgentOptions) (*fotaagent.Status, error) {
	st := &fotaagent.Status{}
	if opts.DiagOptions.Enabled {
		err := diag.NewClient(opts.DiagOptions).Status(ctx, st)
		if !errors.Is(err, diag.ErrUnavailable) {
			return st, err
		}
	}

	state, err := fotaagent.OpenState(opts.FotaOptions)
	if err != nil {
		return nil, err
	}
	defer state.Close()
	st, err = state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st.DeviceID = opts.FotaOptions.DeviceID
	return st, nil
}

func printStatus(w io.Writer, st *fotaagent.Status) {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	table.AddRow("DEVICE:", st.DeviceID)
	table.AddRow("STATE:", st.State)
	table.AddRow("RUNNING VERSION:", st.RunningVersion)
	table.AddRow("TRIAL BOOT:", strconv.FormatBool(st.Trial))
	table.AddRow("PENDING CONFIRMATION:", strconv.FormatBool(st.Ledger.PendingConfirmation))
	table.AddRow("BOOT ATTEMPTS:", st.Ledger.BootAttempts)
	table.AddRow("LAST GOOD VERSION:", st.Ledger.LastGoodVersion)
	table.AddRow("CONSECUTIVE ROLLBACKS:", st.Ledger.ConsecutiveRollbacks)
	table.AddRow("FACTORY RESET REQUIRED:", strconv.FormatBool(st.Ledger.FactoryResetRequired))
	if st.Ledger.FailureReason != "" {
		table.AddRow("FAILURE REASON:", st.Ledger.FailureReason)
	}
	if st.Paused {
		table.AddRow("PAUSED:", st.PauseReason)
	}
	if st.BrokerConnected != nil {
		table.AddRow("BROKER CONNECTED:", strconv.FormatBool(*st.BrokerConnected))
	}
	if r := st.LastResult; r != nil {
		table.AddRow("LAST CHECK:", fmt.Sprintf("%s at %s", r.Outcome, r.Finished.Format(time.RFC3339)))
		if r.Reason != "" {
			table.AddRow("LAST CHECK REASON:", r.Reason)
		}
	}
	fmt.Fprintln(w, table)
	fmt.Fprintln(w)

	slots := uitable.New()
	slots.AddRow("SLOT", "STATE", "VERSION", "SIZE", "RUNNING", "BOOT TARGET")
	for _, s := range st.Slots {
		slots.AddRow(s.Label, s.State, s.Version, s.Size, s.Running, s.BootTarget)
	}
	fmt.Fprintln(w, slots)
}

func newCheckCommand(opts *options.AgentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Ask the running agent to check for an update now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			if err := diag.NewClient(opts.DiagOptions).CheckNow(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Update check scheduled.")
			return nil
		},
	}
}

func newClearFactoryResetCommand(opts *options.AgentOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-factory-reset",
		Short: "Re-enable automatic updates after repeated rollbacks",
		Long: `Clear the factory reset flag latched after repeated rollbacks and reset the
rollback streak, re-enabling automatic updates.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Init(opts.Log)
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if err := clearFactoryReset(ctx, opts); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Factory reset flag cleared, automatic updates resumed.")
			return nil
		},
	}
}

func clearFactoryReset(ctx context.Context, opts *options.AgentOptions) error {
	if opts.DiagOptions.Enabled {
		err := diag.NewClient(opts.DiagOptions).ClearFactoryReset(ctx)
		if !errors.Is(err, diag.ErrUnavailable) {
			return err
		}
	}

	state, err := fotaagent.OpenState(opts.FotaOptions)
	if err != nil {
		return err
	}
	defer state.Close()
	_, err = state.ClearFactoryReset(ctx)
	return err
}
