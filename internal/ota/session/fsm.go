package session

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/fota/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/fota/internal/pkg/util/fsm"
	"github.com/autopeer-io/fota/pkg/log"
)

// State is a state of the update machine.
type State string

const (
	StateIdle             State = "Idle"
	StateCheckingManifest State = "CheckingManifest"
	StateDownloading      State = "Downloading"
	StateVerifyingImage   State = "VerifyingImage"
	StateActivating       State = "Activating"
	StateRebootPending    State = "RebootPending"
	StateAborted          State = "Aborted"

	// Entered on the boot after an activation.
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateConfirmed            State = "Confirmed"
	StateRollingBack          State = "RollingBack"
)

const (
	// EventCheck (Active) starts a manifest check.
	EventCheck = "check"
	// EventNoUpdate returns to Idle when nothing newer is offered.
	EventNoUpdate = "no_update"
	EventDownload = "download"
	EventVerify   = "verify"
	// EventActivate begins the point of no return.
	EventActivate = "activate"
	EventReboot   = "reboot"
	EventAbort    = "abort"
	// EventReset returns a finished machine to Idle.
	EventReset = "reset"

	// Boot side.
	EventAwait    = "await"
	EventConfirm  = "confirm"
	EventRollback = "rollback"
	// EventSuspend ends a rollback that found no verified slot to return to.
	EventSuspend = "suspend"
)

// FiniteStateMachine is the update machine shared by the engine and the
// boot confirmation monitor.
type FiniteStateMachine struct {
	*fsm.FSM
	states []string
	logger log.Logger
}

func NewFiniteStateMachine(initial State) *FiniteStateMachine {
	f := &FiniteStateMachine{logger: log.WithName("session.fsm")}

	events := fsm.Events{
		{Name: EventCheck, Src: []string{string(StateIdle)}, Dst: string(StateCheckingManifest)},
		{Name: EventNoUpdate, Src: []string{string(StateCheckingManifest)}, Dst: string(StateIdle)},
		{Name: EventDownload, Src: []string{string(StateCheckingManifest)}, Dst: string(StateDownloading)},
		{Name: EventVerify, Src: []string{string(StateDownloading)}, Dst: string(StateVerifyingImage)},
		{Name: EventActivate, Src: []string{string(StateVerifyingImage)}, Dst: string(StateActivating)},
		{Name: EventReboot, Src: []string{string(StateActivating), string(StateRollingBack)}, Dst: string(StateRebootPending)},
		{
			Name: EventAbort,
			Src:  []string{string(StateCheckingManifest), string(StateDownloading), string(StateVerifyingImage), string(StateActivating)},
			Dst:  string(StateAborted),
		},
		{
			Name: EventReset,
			Src:  []string{string(StateAborted), string(StateRebootPending), string(StateConfirmed)},
			Dst:  string(StateIdle),
		},

		{Name: EventAwait, Src: []string{string(StateIdle)}, Dst: string(StateAwaitingConfirmation)},
		{Name: EventConfirm, Src: []string{string(StateAwaitingConfirmation)}, Dst: string(StateConfirmed)},
		{Name: EventRollback, Src: []string{string(StateAwaitingConfirmation)}, Dst: string(StateRollingBack)},
		{Name: EventSuspend, Src: []string{string(StateRollingBack)}, Dst: string(StateIdle)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(f.ActionEnterState),
	}

	f.FSM = fsm.NewFSM(string(initial), events, callbacks)
	f.states = fsmutil.States(events)
	metrics.SetState(f.states, string(initial))
	return f
}

// ActionEnterState is a "Side-Effect" callback for every transition.
func (f *FiniteStateMachine) ActionEnterState(ctx context.Context, e *fsm.Event) error {
	metrics.SetState(f.states, e.Dst)
	f.logger.Debug("State changed", "event", e.Event, "from", e.Src, "to", e.Dst)
	return nil
}

// State returns the current state.
func (f *FiniteStateMachine) State() State {
	return State(f.Current())
}

// Fire triggers event. Staying in the same state is not an error.
func (f *FiniteStateMachine) Fire(ctx context.Context, event string) error {
	return fsmutil.Fire(ctx, f.FSM, event)
}
