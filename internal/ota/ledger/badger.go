package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/flock"

	"github.com/autopeer-io/fota/pkg/log"
)

// Namespace is the key prefix of every ledger field.
const Namespace = "ota"

const (
	keyPending        = "pending_confirmation"
	keyBootAttempts   = "boot_attempts"
	keyLastGood       = "last_good_version"
	keyRollbacks      = "consecutive_rollbacks"
	keyFailureReason  = "failure_reason"
	keyFactoryReset   = "factory_reset_required"
	keyRecordChecksum = "checksum"

	lockFileName = "fota.lock"
)

var fieldKeys = []string{keyPending, keyBootAttempts, keyLastGood, keyRollbacks, keyFailureReason, keyFactoryReset}

func nsKey(field string) []byte {
	return []byte(Namespace + "/" + field)
}

// BadgerStore keeps the ledger in a badger database opened with
// synchronous writes. Every Save is one transaction, so a power cut leaves
// either the previous record or the new one.
type BadgerStore struct {
	db     *badger.DB
	logger log.Logger
}

var _ Store = (*BadgerStore)(nil)

// BadgerOptions configures OpenBadger.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the database in memory, for tests.
	InMemory bool
}

func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	logger := log.WithName("ledger")

	bopts := badger.DefaultOptions(opts.Dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger.WithName("badger")})
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Load returns the stored ledger, or defaults when nothing valid is stored.
func (s *BadgerStore) Load(ctx context.Context) (RollbackLedger, error) {
	if err := ctx.Err(); err != nil {
		return RollbackLedger{}, err
	}

	raw := make(map[string][]byte, len(fieldKeys)+1)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range append(fieldKeys, keyRecordChecksum) {
			item, err := txn.Get(nsKey(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raw[k] = v
		}
		return nil
	})
	if err != nil {
		return RollbackLedger{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	if len(raw) == 0 {
		return RollbackLedger{}, nil
	}

	l, err := decode(raw)
	if err != nil {
		s.logger.Warn("Ledger record is corrupt, using defaults", "reason", err.Error())
		return RollbackLedger{}, nil
	}
	return l, nil
}

// Save commits l and returns only after badger synced the write.
func (s *BadgerStore) Save(ctx context.Context, l RollbackLedger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := encode(l)
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range fieldKeys {
			if err := txn.Set(nsKey(k), fields[k]); err != nil {
				return err
			}
		}
		return txn.Set(nsKey(keyRecordChecksum), checksum(fields))
	})
	if err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}

	s.logger.Debug("Ledger committed",
		"pending", l.PendingConfirmation,
		"bootAttempts", l.BootAttempts,
		"rollbacks", l.ConsecutiveRollbacks,
		"factoryReset", l.FactoryResetRequired)
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func encode(l RollbackLedger) map[string][]byte {
	return map[string][]byte{
		keyPending:       encodeBool(l.PendingConfirmation),
		keyBootAttempts:  encodeU32(l.BootAttempts),
		keyLastGood:      []byte(l.LastGoodVersion),
		keyRollbacks:     encodeU32(l.ConsecutiveRollbacks),
		keyFailureReason: []byte(l.FailureReason),
		keyFactoryReset:  encodeBool(l.FactoryResetRequired),
	}
}

func decode(raw map[string][]byte) (RollbackLedger, error) {
	sum, ok := raw[keyRecordChecksum]
	if !ok {
		return RollbackLedger{}, errors.New("missing checksum")
	}
	for _, k := range fieldKeys {
		if _, ok := raw[k]; !ok {
			return RollbackLedger{}, fmt.Errorf("missing field %s", k)
		}
	}
	if string(sum) != string(checksum(raw)) {
		return RollbackLedger{}, errors.New("checksum mismatch")
	}

	var (
		l   RollbackLedger
		err error
	)
	if l.PendingConfirmation, err = decodeBool(raw[keyPending]); err != nil {
		return RollbackLedger{}, err
	}
	if l.BootAttempts, err = decodeU32(raw[keyBootAttempts]); err != nil {
		return RollbackLedger{}, err
	}
	if l.ConsecutiveRollbacks, err = decodeU32(raw[keyRollbacks]); err != nil {
		return RollbackLedger{}, err
	}
	if l.FactoryResetRequired, err = decodeBool(raw[keyFactoryReset]); err != nil {
		return RollbackLedger{}, err
	}
	l.LastGoodVersion = string(raw[keyLastGood])
	l.FailureReason = string(raw[keyFailureReason])
	return l, nil
}

// checksum covers the fields in a fixed order, each length-prefixed.
func checksum(fields map[string][]byte) []byte {
	h := crc32.NewIEEE()
	var n [4]byte
	for _, k := range fieldKeys {
		v := fields[k]
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		_, _ = h.Write(n[:])
		_, _ = h.Write(v)
	}
	return binary.LittleEndian.AppendUint32(nil, h.Sum32())
}

func encodeBool(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(v []byte) (bool, error) {
	if len(v) != 1 || v[0] > 1 {
		return false, fmt.Errorf("invalid bool encoding %x", v)
	}
	return v[0] == 1, nil
}

func encodeU32(u uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, u)
}

func decodeU32(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, fmt.Errorf("invalid u32 encoding %x", v)
	}
	return binary.LittleEndian.Uint32(v), nil
}

// AcquireLock takes an exclusive, non-blocking lock on the state directory
// so only one engine process owns the slots and the ledger.
func AcquireLock(dir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return fl, nil
}

// badgerLogger routes badger's printf-style logging into pkg/log.
type badgerLogger struct {
	logger log.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.logger.Error(nil, fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.logger.Debug(fmt.Sprintf(format, args...))
}
