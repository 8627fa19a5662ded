// Package confirm decides, on the boot after an activation, whether the new
// image is kept or rolled back.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/report"
	"github.com/autopeer-io/fota/internal/ota/session"
	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/pkg/log"
)

// Verdict is what the monitor concluded for this boot.
type Verdict string

const (
	// VerdictNone means nothing was awaiting confirmation.
	VerdictNone Verdict = "none"
	// VerdictAwaiting means the caller must Await the stable checkpoint.
	VerdictAwaiting   Verdict = "awaiting"
	VerdictConfirmed  Verdict = "confirmed"
	VerdictRolledBack Verdict = "rolled_back"
	// VerdictSuspended means no verified slot was left to roll back to.
	VerdictSuspended Verdict = "suspended"
)

type Config struct {
	DeviceID string

	// RollbackTimeout bounds the wait for the stable checkpoint.
	RollbackTimeout time.Duration

	// MaxBootAttempts is the number of unconfirmed boots tolerated before
	// rolling back at startup.
	MaxBootAttempts uint32

	// MaxRollbackAttempts is the rollback streak that latches the factory
	// reset flag.
	MaxRollbackAttempts uint32
}

type Deps struct {
	Machine  *session.FiniteStateMachine
	Slots    partition.Store
	Ledger   ledger.Store
	Reporter report.Reporter
	Rebooter session.Rebooter

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Monitor runs once per boot.
type Monitor struct {
	cfg Config
	Deps

	mu      sync.Mutex
	ledger  ledger.RollbackLedger
	pending bool

	stable     chan struct{}
	stableOnce sync.Once

	logger log.Logger
}

func New(cfg Config, deps Deps) (*Monitor, error) {
	switch {
	case deps.Machine == nil:
		return nil, errors.New("monitor needs a state machine")
	case deps.Slots == nil:
		return nil, errors.New("monitor needs a partition store")
	case deps.Ledger == nil:
		return nil, errors.New("monitor needs a ledger store")
	case deps.Rebooter == nil:
		return nil, errors.New("monitor needs a rebooter")
	case cfg.RollbackTimeout <= 0:
		return nil, errors.New("rollback timeout must be positive")
	case cfg.MaxBootAttempts == 0 || cfg.MaxRollbackAttempts == 0:
		return nil, errors.New("boot and rollback attempt limits must be positive")
	}
	if deps.Reporter == nil {
		deps.Reporter = report.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Monitor{
		cfg:    cfg,
		Deps:   deps,
		stable: make(chan struct{}),
		logger: log.WithName("confirm").WithValues("device", cfg.DeviceID),
	}, nil
}

// Boot inspects the ledger and the boot word at startup. An image that has
// used up its boot attempts is rolled back right away; otherwise the
// attempt is counted and VerdictAwaiting is returned.
func (m *Monitor) Boot(ctx context.Context) (Verdict, error) {
	l, err := m.Ledger.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load ledger: %w", err)
	}
	metrics.FactoryResetRequired.Set(boolGauge(l.FactoryResetRequired))

	running := m.Slots.RunningSlot()
	trial := m.Slots.Trial()
	if !l.PendingConfirmation && !trial {
		return VerdictNone, nil
	}
	if !l.PendingConfirmation {
		// the boot target moved but the ledger save was lost
		m.logger.Warn("Boot trial flag set without a pending ledger record, resuming confirmation", "slot", running.Label)
		l.BeginTrial()
	}

	if err := m.Machine.Fire(ctx, session.EventAwait); err != nil {
		return "", err
	}
	logger := m.logger.WithValues("version", running.Version, "slot", running.Label)

	if l.BootAttempts >= m.cfg.MaxBootAttempts {
		logger.Warn("Boot attempts exhausted without confirmation", "attempts", l.BootAttempts)
		return m.rollback(ctx, &l, &session.Fault{
			Kind:  session.FaultBoot,
			Scope: session.ScopeImage,
			Err:   fmt.Errorf("%d boots without confirmation", l.BootAttempts),
		})
	}

	l.RecordBootAttempt()
	if err := m.Ledger.Save(ctx, l); err != nil {
		return "", fmt.Errorf("failed to record boot attempt: %w", err)
	}
	logger.Info("Awaiting confirmation of new image", "attempt", l.BootAttempts, "max", m.cfg.MaxBootAttempts, "window", m.cfg.RollbackTimeout)

	m.mu.Lock()
	m.ledger, m.pending = l, true
	m.mu.Unlock()
	return VerdictAwaiting, nil
}

// MarkStable is the application's signal that the new image works. It may
// be called any number of times, before or during Await.
func (m *Monitor) MarkStable() {
	m.stableOnce.Do(func() { close(m.stable) })
}

// Await blocks until MarkStable or the rollback window. A cancelled ctx
// leaves the image unconfirmed; the next boot counts another attempt.
func (m *Monitor) Await(ctx context.Context) (Verdict, error) {
	m.mu.Lock()
	l, pending := m.ledger, m.pending
	m.mu.Unlock()
	if !pending {
		return VerdictNone, nil
	}

	timer := m.Clock.NewTimer(m.cfg.RollbackTimeout)
	defer timer.Stop()

	select {
	case <-m.stable:
		return m.confirm(ctx, &l)
	case <-timer.C():
		m.logger.Warn("Confirmation window elapsed", "window", m.cfg.RollbackTimeout)
		return m.rollback(ctx, &l, &session.Fault{
			Kind:  session.FaultBoot,
			Scope: session.ScopeImage,
			Err:   fmt.Errorf("not confirmed within %s", m.cfg.RollbackTimeout),
		})
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run is Boot followed by Await when needed.
func (m *Monitor) Run(ctx context.Context) (Verdict, error) {
	v, err := m.Boot(ctx)
	if err != nil || v != VerdictAwaiting {
		return v, err
	}
	return m.Await(ctx)
}

func (m *Monitor) confirm(ctx context.Context, l *ledger.RollbackLedger) (Verdict, error) {
	ctx = context.WithoutCancel(ctx)
	running := m.Slots.RunningSlot()

	if err := m.Slots.MarkGood(); err != nil {
		return "", fmt.Errorf("failed to clear boot trial flag: %w", err)
	}
	l.Confirm(running.Version)
	if err := m.Ledger.Save(ctx, *l); err != nil {
		return "", fmt.Errorf("failed to save confirmation: %w", err)
	}
	m.settle()

	m.fire(ctx, session.EventConfirm)
	m.fire(ctx, session.EventReset)
	metrics.FactoryResetRequired.Set(0)
	m.logger.Info("New image confirmed", "version", running.Version, "slot", running.Label)

	report.Send(ctx, m.Reporter, report.Report{
		DeviceID: m.cfg.DeviceID,
		Version:  running.Version,
		Success:  true,
		Phase:    report.PhaseConfirmed,
	})
	return VerdictConfirmed, nil
}

func (m *Monitor) rollback(ctx context.Context, l *ledger.RollbackLedger, f *session.Fault) (Verdict, error) {
	ctx = context.WithoutCancel(ctx)
	t := session.Decide(*f, m.Machine.State())
	metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
	m.logger.Error(f, "Rolling back", "next", t.Next, "actions", t.Actions.String())
	m.settle()
	if !t.Actions.Has(session.ActionRollback) {
		return "", fmt.Errorf("unexpected transition for %v: %s", f, t.Actions)
	}

	m.fire(ctx, session.EventRollback)
	running := m.Slots.RunningSlot()
	target := running.Label.Other()

	if err := m.Slots.SwapTo(target); err != nil {
		return m.suspend(ctx, l, &session.Fault{
			Kind:  session.FaultRollbackExhausted,
			Scope: session.ScopeImage,
			Err:   fmt.Errorf("no verified slot to roll back to: %w", err),
		})
	}

	l.RecordRollback(f.Reason(), m.cfg.MaxRollbackAttempts)
	if err := m.Ledger.Save(ctx, *l); err != nil {
		// the boot word already points back; the next boot sees no trial
		m.logger.Error(err, "Failed to record rollback")
	}
	metrics.RollbacksTotal.Inc()

	previous := m.Slots.RunningSlot()
	for _, s := range m.Slots.Slots() {
		if s.Label == target {
			previous = s
		}
	}
	report.Send(ctx, m.Reporter, report.Report{
		DeviceID:      m.cfg.DeviceID,
		Version:       previous.Version,
		FailureReason: f.Reason(),
		Phase:         report.PhaseRolledBack,
	})

	if l.FactoryResetRequired {
		metrics.FactoryResetRequired.Set(1)
		m.logger.Warn("Rollback limit reached, automatic updates suspended", "rollbacks", l.ConsecutiveRollbacks)
		report.Send(ctx, m.Reporter, report.Report{
			DeviceID:      m.cfg.DeviceID,
			Version:       previous.Version,
			FailureReason: l.FailureReason,
			Phase:         report.PhaseSuspended,
		})
	}

	m.fire(ctx, session.EventReboot)
	if err := m.Rebooter.Reboot(ctx); err != nil {
		m.logger.Error(err, "Reboot failed; the previous image boots on the next reset")
	}
	m.fire(ctx, session.EventReset)
	return VerdictRolledBack, nil
}

// suspend latches the factory reset flag and leaves the running image in
// place.
func (m *Monitor) suspend(ctx context.Context, l *ledger.RollbackLedger, f *session.Fault) (Verdict, error) {
	t := session.Decide(*f, m.Machine.State())
	metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
	m.logger.Error(f, "Rollback impossible, operator intervention required", "next", t.Next, "actions", t.Actions.String())

	if t.Actions.Has(session.ActionSuspendUpdates) {
		l.RequireFactoryReset(f.Reason())
		if err := m.Ledger.Save(ctx, *l); err != nil {
			m.logger.Error(err, "Failed to latch factory reset flag")
		}
		metrics.FactoryResetRequired.Set(1)
	}
	if t.Actions.Has(session.ActionReport) {
		report.Send(ctx, m.Reporter, report.Report{
			DeviceID:      m.cfg.DeviceID,
			Version:       m.Slots.RunningSlot().Version,
			FailureReason: f.Reason(),
			Phase:         report.PhaseSuspended,
		})
	}
	m.fire(ctx, session.EventSuspend)
	return VerdictSuspended, f
}

func (m *Monitor) settle() {
	m.mu.Lock()
	m.pending = false
	m.mu.Unlock()
}

func (m *Monitor) fire(ctx context.Context, event string) {
	if err := m.Machine.Fire(ctx, event); err != nil {
		m.logger.Error(err, "State transition rejected", "event", event, "state", m.Machine.State())
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
