package partition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/autopeer-io/fota/internal/ota/hash"
	"github.com/autopeer-io/fota/pkg/log"
)

const (
	controlFileName = "bootctl"
	eraseBlockSize  = 64 * 1024
	erasedByte      = 0xFF
)

// Config describes where the slots live.
type Config struct {
	// Dir holds the slot images and the boot control block.
	Dir string

	// Fs holds the slot images. The boot control block is always on the
	// OS filesystem because it is memory mapped. Defaults to afero.NewOsFs.
	Fs afero.Fs

	// Capacity is the size of each slot in bytes.
	Capacity uint32

	// FactoryVersion is recorded for slot a when the store is provisioned.
	FactoryVersion string
}

// FileStore implements Store on two image files and a memory mapped boot
// control block.
type FileStore struct {
	mu sync.Mutex

	fs       afero.Fs
	dir      string
	capacity uint32
	ctl      *controlBlock

	// running is fixed at open: it is the slot this process booted from.
	running Label
	logger  log.Logger
}

var _ Store = (*FileStore)(nil)

// Open maps the boot control block, provisioning it on first use.
func Open(cfg Config) (*FileStore, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Capacity == 0 {
		return nil, errors.New("slot capacity must be positive")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if err := cfg.Fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	ctl, fresh, err := openControlBlock(filepath.Join(cfg.Dir, controlFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open boot control block: %w", err)
	}

	s := &FileStore{
		fs:       cfg.Fs,
		dir:      cfg.Dir,
		capacity: cfg.Capacity,
		ctl:      ctl,
		logger:   log.WithName("partition"),
	}

	w, err := ctl.current()
	if err != nil {
		if !fresh {
			s.logger.Warn("Boot control block unreadable, re-provisioning on slot a")
		}
		if err := s.provision(cfg.FactoryVersion); err != nil {
			_ = ctl.close()
			return nil, err
		}
		w, _ = ctl.current()
	}
	s.running = w.slot()

	s.logger.Info("Partition store opened", "running", s.running, "generation", w.generation(), "trial", w.trial())
	return s, nil
}

// provision records slot a as the good factory slot holding whatever image
// file is present (or an erased one).
func (s *FileStore) provision(factoryVersion string) error {
	for _, l := range []Label{SlotA, SlotB} {
		if _, err := s.fs.Stat(s.imagePath(l)); errors.Is(err, os.ErrNotExist) {
			if err := s.erase(l); err != nil {
				return err
			}
		}
	}

	digest, size, err := s.digestOf(SlotA, 0)
	if err != nil {
		return err
	}
	if err := s.ctl.putRecord(SlotA, slotRecord{state: StateBootable, size: size, digest: digest, version: factoryVersion}); err != nil {
		return err
	}
	if err := s.ctl.putRecord(SlotB, slotRecord{state: StateErased}); err != nil {
		return err
	}
	return s.ctl.commit(newBootWord(1, SlotA, false))
}

func (s *FileStore) imagePath(l Label) string {
	return filepath.Join(s.dir, fmt.Sprintf("slot_%s.img", l))
}

func (s *FileStore) snapshot(l Label) Slot {
	w, _ := s.ctl.current()
	r, _ := s.ctl.record(l)
	return Slot{
		Label:      l,
		Running:    l == s.running,
		BootTarget: l == w.slot(),
		State:      r.state,
		Version:    r.version,
		Size:       r.size,
		Digest:     r.digest,
	}
}

func (s *FileStore) RunningSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(s.running)
}

func (s *FileStore) InactiveSlot() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(s.running.Other())
}

func (s *FileStore) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []Slot{s.snapshot(SlotA), s.snapshot(SlotB)}
}

func (s *FileStore) Trial() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, _ := s.ctl.current()
	return w.trial()
}

func (s *FileStore) checkMutable(l Label) error {
	if !l.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, l)
	}
	if l == s.running {
		return fmt.Errorf("%w: %s", ErrSlotRunning, l)
	}
	return nil
}

func (s *FileStore) Erase(l Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(l); err != nil {
		return err
	}
	if err := s.erase(l); err != nil {
		s.markBad(l)
		return fmt.Errorf("%w: erase slot %s: %v", ErrWriteFault, l, err)
	}
	return s.ctl.putRecord(l, slotRecord{state: StateErased})
}

func (s *FileStore) erase(l Label) error {
	f, err := s.fs.OpenFile(s.imagePath(l), os.O_CREATE|os.O_RDWR|os.O_TRUNC, fileModePerm)
	if err != nil {
		return err
	}
	defer f.Close()

	block := bytes.Repeat([]byte{erasedByte}, eraseBlockSize)
	for remaining := int(s.capacity); remaining > 0; remaining -= len(block) {
		n := min(remaining, len(block))
		if _, err := f.Write(block[:n]); err != nil {
			return err
		}
	}
	return f.Sync()
}

func (s *FileStore) Write(l Label, offset uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(l); err != nil {
		return err
	}

	r, _ := s.ctl.record(l)
	switch r.state {
	case StateErased, StatePartial:
	default:
		return fmt.Errorf("%w: slot %s is %s, erase it first", ErrWriteFault, l, r.state)
	}

	if uint64(offset)+uint64(len(p)) > uint64(s.capacity) {
		s.markBad(l)
		return fmt.Errorf("%w: range [%d,%d) exceeds slot capacity %d", ErrWriteFault, offset, uint64(offset)+uint64(len(p)), s.capacity)
	}

	if err := s.writeAt(l, int64(offset), p); err != nil {
		s.markBad(l)
		return fmt.Errorf("%w: slot %s offset %d: %v", ErrWriteFault, l, offset, err)
	}

	if r.state != StatePartial {
		return s.ctl.putRecord(l, slotRecord{state: StatePartial})
	}
	return nil
}

func (s *FileStore) writeAt(l Label, off int64, p []byte) error {
	f, err := s.fs.OpenFile(s.imagePath(l), os.O_RDWR, fileModePerm)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(p, off); err != nil {
		return err
	}
	return f.Sync()
}

func (s *FileStore) markBad(l Label) {
	if err := s.ctl.putRecord(l, slotRecord{state: StateBad}); err != nil {
		s.logger.Error(err, "Failed to mark slot bad", "slot", l)
	}
}

// Invalidate marks an inactive slot bad so it can never become a boot
// target without a fresh erase.
func (s *FileStore) Invalidate(l Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(l); err != nil {
		return err
	}
	return s.ctl.putRecord(l, slotRecord{state: StateBad})
}

func (s *FileStore) SetBootTarget(l Label, img Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkMutable(l); err != nil {
		return err
	}
	r, _ := s.ctl.record(l)
	if r.state != StatePartial {
		return fmt.Errorf("%w: slot %s is %s", ErrSlotNotReady, l, r.state)
	}
	if img.Size > s.capacity {
		return fmt.Errorf("%w: image size %d exceeds capacity %d", ErrSlotNotReady, img.Size, s.capacity)
	}

	rec := slotRecord{state: StateBootable, size: img.Size, digest: img.Digest, version: img.Version}
	if err := s.ctl.putRecord(l, rec); err != nil {
		return err
	}

	prev, _ := s.ctl.current()
	if err := s.ctl.commit(newBootWord(prev.generation()+1, l, true)); err != nil {
		return err
	}

	s.logger.Info("Boot target changed", "slot", l, "version", img.Version, "trial", true)
	return nil
}

func (s *FileStore) SwapTo(l Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !l.valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, l)
	}
	r, ok := s.ctl.record(l)
	if !ok || r.state != StateBootable {
		return fmt.Errorf("%w: slot %s is %s", ErrSlotUnverified, l, r.state)
	}

	digest, _, err := s.digestOf(l, r.size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSlotUnverified, err)
	}
	if digest != r.digest {
		return fmt.Errorf("%w: slot %s", ErrSlotUnverified, l)
	}

	prev, _ := s.ctl.current()
	if err := s.ctl.commit(newBootWord(prev.generation()+1, l, false)); err != nil {
		return err
	}
	if failed := prev.slot(); failed != l {
		s.markBad(failed)
	}

	s.logger.Warn("Boot target swapped back", "slot", l, "version", r.version)
	return nil
}

func (s *FileStore) MarkGood() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.ctl.current()
	if err != nil {
		return err
	}
	if !w.trial() {
		return nil
	}
	return s.ctl.commit(newBootWord(w.generation(), w.slot(), false))
}

// digestOf hashes the first size bytes of a slot image; size 0 means the
// whole file.
func (s *FileStore) digestOf(l Label, size uint32) (hash.Digest, uint32, error) {
	f, err := s.fs.Open(s.imagePath(l))
	if err != nil {
		return hash.Digest{}, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if size > 0 {
		r = io.LimitReader(f, int64(size))
	}

	acc := hash.New()
	buf := make([]byte, eraseBlockSize)
	for {
		n, err := r.Read(buf)
		acc.Update(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return hash.Digest{}, 0, err
		}
	}
	if size > 0 && acc.Size() != uint64(size) {
		return hash.Digest{}, 0, fmt.Errorf("slot %s image is truncated: %d of %d bytes", l, acc.Size(), size)
	}
	return acc.Finish(), uint32(acc.Size()), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl.close()
}
