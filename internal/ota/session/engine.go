// Package session drives one update attempt from the manifest check to the
// reboot into the new image, and owns the failure taxonomy of the update.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/report"
	"github.com/autopeer-io/fota/internal/ota/scheduler"
	"github.com/autopeer-io/fota/internal/ota/transport"
	"github.com/autopeer-io/fota/internal/pkg/metrics"
	"github.com/autopeer-io/fota/pkg/log"
)

// ErrBusy is returned when a check is requested while another one is in
// flight or the machine is not idle.
var ErrBusy = errors.New("update session already in progress")

var errAttemptBudget = errors.New("total attempt budget exhausted")

// Fetcher is the retrying chunk transport the engine downloads through.
type Fetcher interface {
	FetchManifest(ctx context.Context, currentVersion string) (*transport.Manifest, error)
	FetchChunk(ctx context.Context, m *transport.Manifest, index uint32, onReject func(*transport.Chunk, error)) (transport.FetchResult, error)
	Ack(ctx context.Context, index uint32, verified bool)
}

var _ Fetcher = (*transport.Retrier)(nil)

// Rebooter restarts the device into the current boot target.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Outcome summarises a finished check.
type Outcome string

const (
	OutcomeUpToDate  Outcome = "up_to_date"
	OutcomeSuspended Outcome = "suspended"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeActivated Outcome = "activated"
	OutcomeAborted   Outcome = "aborted"
)

// Result describes the last check.
type Result struct {
	Outcome        Outcome   `json:"outcome"`
	SessionID      string    `json:"session_id,omitempty"`
	RunningVersion string    `json:"running_version"`
	OfferedVersion string    `json:"offered_version,omitempty"`
	ChunksWritten  int       `json:"chunks_written,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Finished       time.Time `json:"finished"`
}

type Config struct {
	DeviceID string
	Policy   VersionPolicy

	// ReorderWindow is how many chunks past the next missing one may be
	// written ahead of order.
	ReorderWindow uint32

	// MaxDownloadRetries sizes the session-wide attempt budget:
	// chunks * (retries + 1).
	MaxDownloadRetries uint64
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Machine  *FiniteStateMachine
	Slots    partition.Store
	Ledger   ledger.Store
	Fetcher  Fetcher
	Pause    *scheduler.PauseToken
	Reporter report.Reporter
	Rebooter Rebooter

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Engine runs update sessions. At most one session is open at a time.
type Engine struct {
	cfg Config
	Deps

	busy atomic.Bool
	last atomic.Pointer[Result]

	logger log.Logger
}

func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Machine == nil:
		return nil, errors.New("engine needs a state machine")
	case deps.Slots == nil:
		return nil, errors.New("engine needs a partition store")
	case deps.Ledger == nil:
		return nil, errors.New("engine needs a ledger store")
	case deps.Fetcher == nil:
		return nil, errors.New("engine needs a transport")
	case deps.Rebooter == nil:
		return nil, errors.New("engine needs a rebooter")
	}
	if deps.Pause == nil {
		deps.Pause = scheduler.NewPauseToken()
	}
	if deps.Reporter == nil {
		deps.Reporter = report.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyLexical
	}
	return &Engine{
		cfg:    cfg,
		Deps:   deps,
		logger: log.WithName("session").WithValues("device", cfg.DeviceID),
	}, nil
}

// State is the current state of the update machine.
func (e *Engine) State() State {
	return e.Machine.State()
}

// LastResult is the outcome of the most recent check, or nil.
func (e *Engine) LastResult() *Result {
	return e.last.Load()
}

// CheckOnce asks the server for a newer image and, when there is one,
// downloads, verifies and activates it, then reboots. An aborted session
// returns its *Fault as the error.
func (e *Engine) CheckOnce(ctx context.Context) (*Result, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer e.busy.Store(false)

	l, err := e.Ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	running := e.Slots.RunningSlot()
	res := &Result{RunningVersion: running.Version}

	if l.FactoryResetRequired {
		metrics.FactoryResetRequired.Set(1)
		e.logger.Warn("Automatic updates suspended until the factory reset flag is cleared", "reason", l.FailureReason)
		res.Outcome, res.Reason = OutcomeSuspended, l.FailureReason
		return e.finish(res), nil
	}
	metrics.FactoryResetRequired.Set(0)

	if l.PendingConfirmation || e.Slots.Trial() {
		e.logger.Info("Previous activation still awaits confirmation, skipping check")
		res.Outcome = OutcomeDeferred
		return e.finish(res), nil
	}

	if err := e.Machine.Fire(ctx, EventCheck); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusy, err)
	}

	m, err := e.Fetcher.FetchManifest(ctx, running.Version)
	if errors.Is(err, transport.ErrNoManifest) {
		e.fire(ctx, EventNoUpdate)
		res.Outcome = OutcomeUpToDate
		return e.finish(res), nil
	}
	if err != nil {
		return e.fail(ctx, &l, nil, res, &Fault{Kind: FaultNetwork, Scope: ScopeSession, Err: err})
	}

	res.OfferedVersion = m.Version
	if !e.cfg.Policy.Newer(m.Version, running.Version) {
		e.logger.Debug("No newer firmware offered", "running", running.Version, "offered", m.Version)
		e.fire(ctx, EventNoUpdate)
		res.Outcome = OutcomeUpToDate
		return e.finish(res), nil
	}

	sess := newSession(m, running.Label.Other(), e.cfg.ReorderWindow, e.Clock.Now())
	res.SessionID = sess.ID
	return e.run(ctx, &l, sess, res)
}

func (e *Engine) run(ctx context.Context, l *ledger.RollbackLedger, sess *UpdateSession, res *Result) (*Result, error) {
	m := sess.Manifest
	logger := e.logger.WithValues("session", sess.ID, "version", m.Version)
	logger.Info("Starting update", "from", res.RunningVersion, "size", m.TotalSize, "chunks", m.ChunkCount(), "slot", sess.Target)

	e.fire(ctx, EventDownload)
	e.Pause.Pause("fota: downloading " + m.Version)

	if err := e.Slots.Erase(sess.Target); err != nil {
		return e.fail(ctx, l, sess, res, &Fault{Kind: FaultWrite, Scope: ScopeSession, Err: err})
	}

	if f := e.download(ctx, sess); f != nil {
		res.ChunksWritten, res.Attempts = sess.ConfirmedCount(), sess.Attempts
		return e.fail(ctx, l, sess, res, f)
	}
	res.ChunksWritten, res.Attempts = sess.ConfirmedCount(), sess.Attempts

	e.fire(ctx, EventVerify)
	digest := sess.Digest()
	if digest != m.SHA256 {
		return e.fail(ctx, l, sess, res, &Fault{
			Kind:  FaultIntegrity,
			Scope: ScopeImage,
			Err:   fmt.Errorf("image digest %x does not match manifest %x", digest, m.SHA256),
		})
	}

	// No cancellation from here on: the boot word commit is the point of
	// no return.
	actx := context.WithoutCancel(ctx)
	e.fire(actx, EventActivate)

	img := partition.Image{Version: m.Version, Size: m.TotalSize, Digest: digest}
	if err := e.Slots.SetBootTarget(sess.Target, img); err != nil {
		return e.fail(actx, l, sess, res, &Fault{Kind: FaultWrite, Scope: ScopeImage, Err: err})
	}

	l.BeginTrial()
	if err := e.Ledger.Save(actx, *l); err != nil {
		f := &Fault{Kind: FaultWrite, Scope: ScopeLedger, Err: err}
		t := Decide(*f, e.State())
		metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
		logger.Error(f, "Ledger commit failed after activation, relying on the boot trial flag", "next", t.Next, "actions", t.Actions.String())
	}

	e.Pause.Resume()
	report.Send(actx, e.Reporter, report.Report{
		DeviceID:  e.cfg.DeviceID,
		Version:   m.Version,
		Success:   true,
		Phase:     report.PhaseActivated,
		SessionID: sess.ID,
	})

	logger.Info("Image activated, rebooting", "slot", sess.Target, "elapsed", e.Clock.Since(sess.Started))
	e.fire(actx, EventReboot)
	if err := e.Rebooter.Reboot(actx); err != nil {
		logger.Error(err, "Reboot failed; the new image boots on the next reset")
	}
	e.fire(actx, EventReset)

	res.Outcome = OutcomeActivated
	return e.finish(res), nil
}

// download fetches chunks until every index is written and hashed.
func (e *Engine) download(ctx context.Context, sess *UpdateSession) *Fault {
	m := sess.Manifest
	budget := int(m.ChunkCount()) * int(e.cfg.MaxDownloadRetries+1)
	onReject := e.rejectHandler(ctx)

	for !sess.Complete() {
		if sess.Attempts >= budget {
			return &Fault{Kind: FaultNetwork, Scope: ScopeSession, Chunk: sess.NextMissing(), Err: errAttemptBudget}
		}

		index := sess.NextMissing()
		start := e.Clock.Now()
		res, err := e.Fetcher.FetchChunk(ctx, m, index, onReject)
		sess.Attempts += res.Attempts
		if res.Attempts > 1 {
			sess.Retries[index] += res.Attempts - 1
		}
		if err != nil {
			kind := FaultNetwork
			if errors.Is(err, transport.ErrIntegrity) {
				kind = FaultIntegrity
			}
			return &Fault{Kind: kind, Scope: ScopeSession, Chunk: index, Err: err}
		}
		metrics.ChunkFetchLatency.Observe(e.Clock.Since(start).Seconds())

		if f := e.accept(ctx, sess, res.Chunk); f != nil {
			return f
		}
	}
	return nil
}

// accept writes a verified chunk unless it is a duplicate or too far ahead.
func (e *Engine) accept(ctx context.Context, sess *UpdateSession, c *transport.Chunk) *Fault {
	switch sess.classify(c.Index) {
	case arrivalDuplicate:
		metrics.ChunksTotal.WithLabelValues("duplicate").Inc()
		e.Fetcher.Ack(ctx, c.Index, true)
		return nil
	case arrivalOutOfWindow:
		metrics.ChunksTotal.WithLabelValues("out_of_window").Inc()
		e.logger.Debug("Chunk beyond reorder window dropped", "chunk", c.Index, "next", sess.NextMissing())
		e.Fetcher.Ack(ctx, c.Index, false)
		return nil
	}

	if err := e.Slots.Write(sess.Target, sess.Manifest.Offset(c.Index), c.Payload); err != nil {
		return &Fault{Kind: FaultWrite, Scope: ScopeSession, Chunk: c.Index, Err: err}
	}
	metrics.ChunksTotal.WithLabelValues("accepted").Inc()
	metrics.DownloadBytesTotal.Add(float64(len(c.Payload)))

	sess.commit(c.Index, c.Payload)
	e.Fetcher.Ack(ctx, c.Index, true)
	return nil
}

func (e *Engine) rejectHandler(ctx context.Context) func(*transport.Chunk, error) {
	return func(c *transport.Chunk, err error) {
		f := Fault{Kind: FaultIntegrity, Scope: ScopeChunk, Chunk: c.Index, Err: err}
		t := Decide(f, e.State())
		metrics.ChunksTotal.WithLabelValues("rejected").Inc()
		metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
		e.logger.Warn("Chunk rejected", "chunk", c.Index, "err", err.Error(), "actions", t.Actions.String())
		e.Fetcher.Ack(ctx, c.Index, false)
	}
}

// fail applies the transition Decide picks for f.
func (e *Engine) fail(ctx context.Context, l *ledger.RollbackLedger, sess *UpdateSession, res *Result, f *Fault) (*Result, error) {
	state := e.State()
	t := Decide(*f, state)
	metrics.FaultsTotal.WithLabelValues(f.Kind.String()).Inc()
	e.logger.Error(f, "Update session failed", "state", state, "next", t.Next, "actions", t.Actions.String())

	// cleanup must run even when ctx is what failed
	actx := context.WithoutCancel(ctx)

	if t.Actions.Has(ActionMarkUnbootable) && sess != nil {
		if err := e.Slots.Invalidate(sess.Target); err != nil {
			e.logger.Error(err, "Failed to invalidate slot", "slot", sess.Target)
		}
	}
	if t.Actions.Has(ActionResumeScheduler) {
		e.Pause.Resume()
	}
	if t.Actions.Has(ActionRecordFailure) {
		l.RecordFailure(f.Reason())
		if err := e.Ledger.Save(actx, *l); err != nil {
			e.logger.Error(err, "Failed to record failure reason")
		}
	}
	if t.Actions.Has(ActionReport) {
		r := report.Report{
			DeviceID:      e.cfg.DeviceID,
			Version:       res.RunningVersion,
			FailureReason: f.Reason(),
			Phase:         report.PhaseAborted,
		}
		if sess != nil {
			r.SessionID = sess.ID
		}
		report.Send(actx, e.Reporter, r)
	}
	if t.Next == StateAborted {
		e.fire(actx, EventAbort)
		e.fire(actx, EventReset)
	}

	res.Outcome, res.Reason = OutcomeAborted, f.Reason()
	return e.finish(res), f
}

func (e *Engine) fire(ctx context.Context, event string) {
	if err := e.Machine.Fire(ctx, event); err != nil {
		e.logger.Error(err, "State transition rejected", "event", event, "state", e.State())
	}
}

func (e *Engine) finish(res *Result) *Result {
	res.Finished = e.Clock.Now()
	metrics.SessionsTotal.WithLabelValues(string(res.Outcome)).Inc()
	e.last.Store(res)
	return res
}
