package partition

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCapacity = 8 * 1024

func openTestStore(t *testing.T, dir string, fs afero.Fs) *FileStore {
	t.Helper()
	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeImage(t *testing.T, s *FileStore, l Label, image []byte) {
	t.Helper()
	require.NoError(t, s.Erase(l))
	for off := 0; off < len(image); off += 1024 {
		end := min(off+1024, len(image))
		require.NoError(t, s.Write(l, uint32(off), image[off:end]))
	}
}

func TestProvisionFreshStore(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())

	running := s.RunningSlot()
	assert.Equal(t, SlotA, running.Label)
	assert.True(t, running.Running)
	assert.True(t, running.BootTarget)
	assert.Equal(t, "1.0.3", running.Version)
	assert.Equal(t, StateBootable, running.State)

	inactive := s.InactiveSlot()
	assert.Equal(t, SlotB, inactive.Label)
	assert.False(t, inactive.Running)
	assert.False(t, inactive.BootTarget)
	assert.Equal(t, StateErased, inactive.State)
	assert.False(t, s.Trial())
}

func TestExactlyOneRunningAndOneBootTarget(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())
	writeImage(t, s, SlotB, bytes.Repeat([]byte{1}, 2048))
	require.NoError(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: 2048, Digest: sha256.Sum256(bytes.Repeat([]byte{1}, 2048))}))

	var running, targets int
	for _, sl := range s.Slots() {
		if sl.Running {
			running++
		}
		if sl.BootTarget {
			targets++
		}
	}
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, targets)
}

func TestRunningSlotIsReadOnly(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())

	assert.ErrorIs(t, s.Erase(SlotA), ErrSlotRunning)
	assert.ErrorIs(t, s.Write(SlotA, 0, []byte{1}), ErrSlotRunning)
	assert.ErrorIs(t, s.SetBootTarget(SlotA, Image{}), ErrSlotRunning)
	assert.Equal(t, StateBootable, s.RunningSlot().State)
}

func TestWriteOutOfRangeMarksSlotBad(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())
	require.NoError(t, s.Erase(SlotB))

	err := s.Write(SlotB, testCapacity-1, []byte{1, 2})
	require.ErrorIs(t, err, ErrWriteFault)
	assert.Equal(t, StateBad, s.InactiveSlot().State)

	// a bad slot refuses writes and activation until re-erased
	assert.ErrorIs(t, s.Write(SlotB, 0, []byte{1}), ErrWriteFault)
	assert.ErrorIs(t, s.SetBootTarget(SlotB, Image{Size: 1}), ErrSlotNotReady)

	require.NoError(t, s.Erase(SlotB))
	assert.Equal(t, StateErased, s.InactiveSlot().State)
	assert.NoError(t, s.Write(SlotB, 0, []byte{1}))
}

func TestWriteToUnwritableRegion(t *testing.T) {
	dir := t.TempDir()
	base := afero.NewMemMapFs()
	s := openTestStore(t, dir, base)
	require.NoError(t, s.Erase(SlotB))

	s.fs = afero.NewReadOnlyFs(base)
	require.ErrorIs(t, s.Write(SlotB, 0, []byte{1}), ErrWriteFault)
	assert.Equal(t, StateBad, s.InactiveSlot().State)
}

func TestInvalidateBlocksActivation(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())
	writeImage(t, s, SlotB, []byte{1, 2, 3})

	require.NoError(t, s.Invalidate(SlotB))
	assert.Equal(t, StateBad, s.InactiveSlot().State)
	assert.ErrorIs(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: 3}), ErrSlotNotReady)
	assert.ErrorIs(t, s.Invalidate(SlotA), ErrSlotRunning)
}

func TestSetBootTargetRequiresWrittenImage(t *testing.T) {
	s := openTestStore(t, t.TempDir(), afero.NewMemMapFs())
	require.NoError(t, s.Erase(SlotB))

	assert.ErrorIs(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4"}), ErrSlotNotReady)
	assert.False(t, s.InactiveSlot().BootTarget)
}

func TestBootTargetSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{0x5a}, 3000)

	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	writeImage(t, s, SlotB, image)
	require.NoError(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: uint32(len(image)), Digest: sha256.Sum256(image)}))
	require.NoError(t, s.Close())

	// "reboot": the bootloader follows the boot word
	s2 := openTestStore(t, dir, fs)
	running := s2.RunningSlot()
	assert.Equal(t, SlotB, running.Label)
	assert.Equal(t, "1.0.4", running.Version)
	assert.True(t, s2.Trial())

	require.NoError(t, s2.MarkGood())
	assert.False(t, s2.Trial())
}

func TestFailedBootWordFlushKeepsPreviousTarget(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{0x3c}, 2048)

	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	writeImage(t, s, SlotB, image)
	before := atomic.LoadUint64(s.ctl.word(primaryWordOffset))

	// slot record, shadow word, then the primary word flush fails
	var syncs int
	s.ctl.fsync = func() error {
		syncs++
		if syncs == 3 {
			return errors.New("injected fsync failure")
		}
		return nil
	}

	err = s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: uint32(len(image)), Digest: sha256.Sum256(image)})
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadUint64(s.ctl.word(primaryWordOffset)))
	assert.False(t, s.InactiveSlot().BootTarget)
	assert.False(t, s.Trial())

	require.NoError(t, s.Invalidate(SlotB))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, fs)
	assert.Equal(t, SlotA, s2.RunningSlot().Label)
	assert.Equal(t, "1.0.3", s2.RunningSlot().Version)
	assert.False(t, s2.Trial())
	assert.Equal(t, StateBad, s2.InactiveSlot().State)
}

func TestSwapToVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{0x42}, 4096)

	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	writeImage(t, s, SlotB, image)
	require.NoError(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: uint32(len(image)), Digest: sha256.Sum256(image)}))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, fs)
	require.Equal(t, SlotB, s2.RunningSlot().Label)

	// corrupt the factory slot: the swap must refuse it
	f, err := fs.OpenFile(filepath.Join(dir, "slot_a.img"), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0x00}, 10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, s2.SwapTo(SlotA), ErrSlotUnverified)
	assert.Equal(t, SlotB, s2.RunningSlot().Label)
	assert.True(t, s2.RunningSlot().BootTarget)
}

func TestSwapToMovesBootTargetAndMarksFailedSlot(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{0x42}, 4096)

	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	writeImage(t, s, SlotB, image)
	require.NoError(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: uint32(len(image)), Digest: sha256.Sum256(image)}))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, dir, fs)
	require.NoError(t, s2.SwapTo(SlotA))

	slots := s2.Slots()
	assert.True(t, slots[0].BootTarget)
	assert.False(t, slots[1].BootTarget)
	assert.Equal(t, StateBad, slots[1].State)
	assert.False(t, s2.Trial())
}

func TestTornPrimaryWordFallsBackToShadow(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewMemMapFs()
	image := bytes.Repeat([]byte{7}, 1024)

	s, err := Open(Config{Dir: dir, Fs: fs, Capacity: testCapacity, FactoryVersion: "1.0.3"})
	require.NoError(t, err)
	writeImage(t, s, SlotB, image)
	require.NoError(t, s.SetBootTarget(SlotB, Image{Version: "1.0.4", Size: 1024, Digest: sha256.Sum256(image)}))
	require.NoError(t, s.Close())

	// scribble over the primary word as a half-finished write would
	raw, err := os.ReadFile(filepath.Join(dir, controlFileName))
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[4:8], 0xdeadbeef)
	require.NoError(t, os.WriteFile(filepath.Join(dir, controlFileName), raw, 0o644))

	s2 := openTestStore(t, dir, fs)
	assert.Equal(t, SlotA, s2.RunningSlot().Label, "shadow word points at the previous good slot")
	assert.Equal(t, "1.0.3", s2.RunningSlot().Version)
}

func TestBootWordPacking(t *testing.T) {
	w := newBootWord(7, SlotB, true)
	assert.True(t, w.valid())
	assert.Equal(t, SlotB, w.slot())
	assert.True(t, w.trial())
	assert.Equal(t, uint32(7), w.generation())

	assert.False(t, bootWord(0).valid())
	assert.False(t, bootWord(uint64(w)|1<<4).valid())
}
