// Package report delivers the completion report of an update attempt.
// Reporting is fire-and-forget: failures are logged and never change the
// outcome.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/autopeer-io/fota/pkg/log"
)

// Phase names the terminal point a report describes.
type Phase string

const (
	PhaseActivated  Phase = "activated"
	PhaseAborted    Phase = "aborted"
	PhaseConfirmed  Phase = "confirmed"
	PhaseRolledBack Phase = "rolled_back"
	PhaseSuspended  Phase = "factory_reset_required"
)

// Report is the payload sent on every terminal state.
type Report struct {
	DeviceID      string    `json:"device_id"`
	Version       string    `json:"version"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Phase         Phase     `json:"phase"`
	SessionID     string    `json:"session_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// Nop drops every report.
type Nop struct{}

func (Nop) Report(context.Context, Report) error { return nil }

// Multi fans a report out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, r Report) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send stamps r and delivers it, logging instead of returning failures.
func Send(ctx context.Context, rep Reporter, r Report) {
	if rep == nil {
		return
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if err := rep.Report(ctx, r); err != nil {
		log.Warn("Failed to deliver update report", "phase", r.Phase, "version", r.Version, "err", err.Error())
		return
	}
	log.Debug("Update report delivered", "phase", r.Phase, "version", r.Version, "success", r.Success)
}
