package fotaagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/autopeer-io/fota/internal/ota/ledger"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/pkg/options"
)

const (
	slotsDirName  = "slots"
	ledgerDirName = "ledger"
)

// State is the on-disk state one agent process owns: the slots, the boot
// control block and the ledger, guarded by a lock on the state directory.
type State struct {
	Slots  *partition.FileStore
	Ledger *ledger.BadgerStore

	lock *flock.Flock
}

// OpenState locks the state directory and opens the slots and the ledger
// inside it. It fails with ledger.ErrLocked while an agent is running.
func OpenState(o *options.FotaOptions) (*State, error) {
	return openState(o, afero.NewOsFs(), false)
}

func openState(o *options.FotaOptions, fs afero.Fs, inMemoryLedger bool) (_ *State, err error) {
	if err := os.MkdirAll(o.StateDir, 0o755); err != nil {
		return nil, err
	}
	lock, err := ledger.AcquireLock(o.StateDir)
	if err != nil {
		return nil, err
	}
	s := &State{lock: lock}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Slots, err = partition.Open(partition.Config{
		Dir:            filepath.Join(o.StateDir, slotsDirName),
		Fs:             fs,
		Capacity:       o.SlotCapacity,
		FactoryVersion: o.FactoryVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open partition store: %w", err)
	}

	s.Ledger, err = ledger.OpenBadger(ledger.BadgerOptions{
		Dir:      filepath.Join(o.StateDir, ledgerDirName),
		InMemory: inMemoryLedger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ClearFactoryReset re-enables automatic updates after operator
// intervention.
func (s *State) ClearFactoryReset(ctx context.Context) (ledger.RollbackLedger, error) {
	l, err := s.Ledger.Load(ctx)
	if err != nil {
		return l, err
	}
	l.ClearFactoryReset()
	return l, s.Ledger.Save(ctx, l)
}

// Close releases everything in reverse order of opening.
func (s *State) Close() error {
	var errs []error
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	if s.Slots != nil {
		errs = append(errs, s.Slots.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}
