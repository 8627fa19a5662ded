// Package fotaagent assembles the firmware update agent: the update engine
// and the boot confirmation monitor on top of the device state, driven by
// the scheduler, the MQTT hub and the local diagnostics server.
package fotaagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fota/internal/fotaagent/diag"
	"github.com/autopeer-io/fota/internal/fotaagent/hub"
	"github.com/autopeer-io/fota/internal/ota/confirm"
	"github.com/autopeer-io/fota/internal/ota/scheduler"
	"github.com/autopeer-io/fota/internal/ota/session"
	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/pkg/log"
)

type Agent struct {
	deviceID    string
	autoConfirm bool

	state     *State
	machine   *session.FiniteStateMachine
	engine    *session.Engine
	monitor   *confirm.Monitor
	scheduler *scheduler.Scheduler

	// optional
	hub  *hub.Hub
	diag *diag.Server

	running   atomic.Bool
	closeOnce sync.Once
	logger    log.Logger
}

var _ hub.Commander = (*Agent)(nil)

// Run settles the boot confirmation, then serves until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	running := a.state.Slots.RunningSlot()
	a.logger.Info("Starting cpeer-fota-agent", "version", running.Version, "slot", running.Label)

	verdict, err := a.monitor.Boot(ctx)
	switch {
	case verdict == confirm.VerdictSuspended:
		a.logger.Error(err, "Automatic updates suspended at boot")
	case err != nil:
		return fmt.Errorf("boot confirmation failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(ctx) })
	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(ctx) })
		g.Go(func() error {
			select {
			case <-a.hub.Ready():
				return a.scheduler.Trigger(taskStatusReport)
			case <-ctx.Done():
				return nil
			}
		})
	}
	if a.diag != nil {
		g.Go(func() error { return a.diag.Start(ctx) })
	}
	if verdict == confirm.VerdictAwaiting {
		g.Go(func() error { return a.awaitConfirmation(ctx) })
	}

	// first check right away, then on the interval
	if err := a.scheduler.Trigger(taskUpdateCheck); err != nil {
		return err
	}
	a.running.Store(true)
	defer a.running.Store(false)

	log.Info("All services starting...")
	return g.Wait()
}

func (a *Agent) awaitConfirmation(ctx context.Context) error {
	if a.autoConfirm {
		go a.markStableWhenUp(ctx)
	}
	verdict, err := a.monitor.Await(ctx)
	switch {
	case ctx.Err() != nil:
		return nil
	case verdict == confirm.VerdictSuspended:
		a.logger.Error(err, "Automatic updates suspended")
		return nil
	case err != nil:
		return err
	}
	a.logger.Info("Boot confirmation finished", "verdict", verdict)
	return nil
}

// markStableWhenUp treats a reachable broker as the image's health signal.
// Without MQTT, a started agent is enough.
func (a *Agent) markStableWhenUp(ctx context.Context) {
	if a.hub != nil {
		select {
		case <-a.hub.Ready():
		case <-ctx.Done():
			return
		}
	}
	a.logger.Info("Agent services up, marking image stable")
	a.monitor.MarkStable()
}

func (a *Agent) checkTask(ctx context.Context) error {
	res, err := a.engine.CheckOnce(ctx)
	if errors.Is(err, session.ErrBusy) {
		a.logger.Debug("Update check skipped", "reason", err.Error())
		return nil
	}
	if err != nil {
		return err
	}
	a.logger.Info("Update check finished", "outcome", res.Outcome, "running", res.RunningVersion, "offered", res.OfferedVersion)
	if a.hub != nil {
		return a.scheduler.Trigger(taskStatusReport)
	}
	return nil
}

func (a *Agent) statusTask(ctx context.Context) error {
	st, err := a.Status(ctx)
	if err != nil {
		return err
	}
	return a.hub.PublishStatus(ctx, st)
}

// Ready reports whether every service is up.
func (a *Agent) Ready() bool {
	if !a.running.Load() {
		return false
	}
	if a.hub == nil {
		return true
	}
	select {
	case <-a.hub.Ready():
		return a.hub.IsConnected()
	default:
		return false
	}
}

// Status is the live snapshot of the agent.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	st, err := a.state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	token := a.scheduler.Token()
	st.DeviceID = a.deviceID
	st.State = a.machine.State()
	st.LastResult = a.engine.LastResult()
	st.Paused = token.Paused()
	st.PauseReason = token.Reason()
	if a.hub != nil {
		connected := a.hub.IsConnected()
		st.BrokerConnected = &connected
	}
	return st, nil
}

func (a *Agent) status(ctx context.Context) (any, error) {
	return a.Status(ctx)
}

// CheckNow schedules an update check outside the interval.
func (a *Agent) CheckNow() error {
	a.logger.Info("Update check requested")
	return a.scheduler.Trigger(taskUpdateCheck)
}

// SetCheckInterval changes the update check period at runtime.
func (a *Agent) SetCheckInterval(d time.Duration) error {
	return a.scheduler.SetInterval(taskUpdateCheck, d)
}

// ClearFactoryReset re-enables automatic updates. It is refused while the
// update machine is not idle.
func (a *Agent) ClearFactoryReset(ctx context.Context) error {
	if s := a.machine.State(); s != session.StateIdle {
		return fmt.Errorf("%w: machine is %s", session.ErrBusy, s)
	}
	l, err := a.state.ClearFactoryReset(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear factory reset flag: %w", err)
	}
	metrics.FactoryResetRequired.Set(0)
	a.logger.Info("Factory reset flag cleared, automatic updates resumed", "lastGood", l.LastGoodVersion)
	return nil
}

// Close releases the device state. Run calls it on return.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() { err = a.state.Close() })
	return err
}
