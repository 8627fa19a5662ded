package fotaagent

import (
	"context"
	"time"

	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/session"
)

// Status is the snapshot served on /v1/fota/status and published as the
// retained MQTT heartbeat.
type Status struct {
	DeviceID        string                `json:"device_id"`
	State           session.State         `json:"state"`
	RunningVersion  string                `json:"running_version"`
	Trial           bool                  `json:"trial"`
	Slots           []partition.Slot      `json:"slots"`
	Ledger          ledger.RollbackLedger `json:"ledger"`
	LastResult      *session.Result       `json:"last_result,omitempty"`
	Paused          bool                  `json:"paused"`
	PauseReason     string                `json:"pause_reason,omitempty"`
	BrokerConnected *bool                 `json:"broker_connected,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// Snapshot reads the slots and the ledger of an opened state.
func (s *State) Snapshot(ctx context.Context) (*Status, error) {
	l, err := s.Ledger.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:          session.StateIdle,
		RunningVersion: s.Slots.RunningSlot().Version,
		Trial:          s.Slots.Trial(),
		Slots:          s.Slots.Slots(),
		Ledger:         l,
		Timestamp:      time.Now().UTC(),
	}, nil
}
