package session

import (
	"fmt"
	"strings"
)

// FaultKind is the failure taxonomy of an update.
type FaultKind int

const (
	// FaultNetwork is a manifest or chunk fetch failure.
	FaultNetwork FaultKind = iota + 1
	// FaultIntegrity is a chunk MAC or image digest mismatch.
	FaultIntegrity
	// FaultWrite is a flash write, erase or commit failure.
	FaultWrite
	// FaultBoot is an unconfirmed boot: window elapsed or attempts used up.
	FaultBoot
	// FaultRollbackExhausted needs an operator.
	FaultRollbackExhausted
)

func (k FaultKind) String() string {
	switch k {
	case FaultNetwork:
		return "network"
	case FaultIntegrity:
		return "integrity"
	case FaultWrite:
		return "write"
	case FaultBoot:
		return "boot"
	case FaultRollbackExhausted:
		return "rollback_exhausted"
	default:
		return "unknown"
	}
}

// Scope says how much of the update a fault spoils.
type Scope int

const (
	// ScopeChunk is one failed attempt at one chunk; budget remains.
	ScopeChunk Scope = iota
	// ScopeSession ends the session: budget exhausted or the slot is unusable.
	ScopeSession
	// ScopeImage concerns the whole image: digest or boot target commit.
	ScopeImage
	// ScopeLedger is a ledger commit failure.
	ScopeLedger
)

// Fault is a typed update failure.
type Fault struct {
	Kind  FaultKind
	Scope Scope
	Chunk uint32
	Err   error
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	b.WriteString(" fault")
	if f.Scope == ScopeChunk {
		fmt.Fprintf(&b, " on chunk %d", f.Chunk)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Fault) Unwrap() error { return f.Err }

// Reason is the short text recorded in the ledger and the report.
func (f *Fault) Reason() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

// Action is a set of recovery steps.
type Action uint16

const (
	ActionRetryChunk Action = 1 << iota
	ActionAbort
	ActionMarkUnbootable
	ActionResumeScheduler
	ActionRecordFailure
	ActionReport
	ActionRollback
	ActionSuspendUpdates
	ActionReboot
)

func (a Action) Has(b Action) bool { return a&b == b }

var actionNames = []string{
	"retry_chunk", "abort", "mark_unbootable", "resume_scheduler",
	"record_failure", "report", "rollback", "suspend_updates", "reboot",
}

func (a Action) String() string {
	var names []string
	for i, n := range actionNames {
		if a&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Transition is the machine's answer to a fault.
type Transition struct {
	Next    State
	Actions Action
}

const abortSession = ActionAbort | ActionResumeScheduler | ActionRecordFailure | ActionReport

// Decide maps a fault raised in state s to the next state and the recovery
// steps. It has no side effects.
func Decide(f Fault, s State) Transition {
	switch f.Kind {
	case FaultRollbackExhausted:
		return Transition{Next: StateIdle, Actions: ActionSuspendUpdates | ActionReport}
	case FaultBoot:
		if s == StateAwaitingConfirmation {
			return Transition{Next: StateRollingBack, Actions: ActionRollback | ActionReport}
		}
		return Transition{Next: s}
	}

	switch s {
	case StateCheckingManifest:
		// the running firmware is untouched and the next check retries
		return Transition{Next: StateAborted, Actions: abortSession}

	case StateDownloading:
		if f.Scope == ScopeChunk && (f.Kind == FaultNetwork || f.Kind == FaultIntegrity) {
			return Transition{Next: StateDownloading, Actions: ActionRetryChunk}
		}
		if f.Kind == FaultWrite {
			return Transition{Next: StateAborted, Actions: abortSession | ActionMarkUnbootable}
		}
		return Transition{Next: StateAborted, Actions: abortSession}

	case StateVerifyingImage:
		return Transition{Next: StateAborted, Actions: abortSession | ActionMarkUnbootable}

	case StateActivating:
		if f.Scope == ScopeImage {
			// the boot word was not replaced
			return Transition{Next: StateAborted, Actions: abortSession | ActionMarkUnbootable}
		}
		// past the boot word commit there is no way back; the trial bit
		// stands in for a lost ledger write
		return Transition{Next: StateRebootPending, Actions: ActionResumeScheduler | ActionReboot}
	}

	return Transition{Next: s}
}
