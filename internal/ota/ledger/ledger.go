// Package ledger holds the durable rollback record that survives resets
// between an update attempt and its confirmation.
package ledger

import (
	"context"
	"errors"
)

// ErrLocked is returned when another engine process owns the state directory.
var ErrLocked = errors.New("ledger state directory is locked by another process")

// RollbackLedger is the persisted rollback state. The zero value is the
// "freshly flashed" record: no pending update, zero rollbacks.
type RollbackLedger struct {
	PendingConfirmation  bool   `json:"pending_confirmation"`
	BootAttempts         uint32 `json:"boot_attempts"`
	LastGoodVersion      string `json:"last_good_version"`
	ConsecutiveRollbacks uint32 `json:"consecutive_rollbacks"`
	FailureReason        string `json:"failure_reason"`
	FactoryResetRequired bool   `json:"factory_reset_required"`
}

// Store loads and commits the ledger. Save must not return before the
// record is on stable storage.
type Store interface {
	Load(ctx context.Context) (RollbackLedger, error)
	Save(ctx context.Context, l RollbackLedger) error
}

// BeginTrial is applied right after the boot target moved to a new image.
func (l *RollbackLedger) BeginTrial() {
	l.PendingConfirmation = true
	l.BootAttempts = 0
	l.FailureReason = ""
}

// RecordBootAttempt counts one more boot of an unconfirmed image. It is a
// no-op when nothing is pending.
func (l *RollbackLedger) RecordBootAttempt() {
	if !l.PendingConfirmation {
		return
	}
	l.BootAttempts++
}

// Confirm marks version as known good. Any confirmed boot resets the
// rollback streak.
func (l *RollbackLedger) Confirm(version string) {
	l.PendingConfirmation = false
	l.BootAttempts = 0
	l.LastGoodVersion = version
	l.ConsecutiveRollbacks = 0
	l.FailureReason = ""
}

// RecordRollback notes an automatic rollback. Once the streak reaches
// maxRollbacks, FactoryResetRequired latches; only ClearFactoryReset
// releases it.
func (l *RollbackLedger) RecordRollback(reason string, maxRollbacks uint32) {
	l.PendingConfirmation = false
	l.BootAttempts = 0
	l.ConsecutiveRollbacks++
	l.FailureReason = reason
	if l.ConsecutiveRollbacks >= maxRollbacks {
		l.FactoryResetRequired = true
	}
}

// RecordFailure keeps the reason of an aborted session.
func (l *RollbackLedger) RecordFailure(reason string) {
	l.FailureReason = reason
}

// RequireFactoryReset latches the operator-intervention flag.
func (l *RollbackLedger) RequireFactoryReset(reason string) {
	l.FactoryResetRequired = true
	l.FailureReason = reason
}

// ClearFactoryReset is the explicit operator action that re-enables
// automatic updates. The engine never calls it.
func (l *RollbackLedger) ClearFactoryReset() {
	l.FactoryResetRequired = false
	l.ConsecutiveRollbacks = 0
}
