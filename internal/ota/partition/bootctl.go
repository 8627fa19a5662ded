package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

// Boot control block layout. The block is memory mapped; the boot word at
// offset 0 is the only thing the bootloader reads to choose a slot.
//
//	[0:8)     boot word (primary)
//	[8:16)    boot word (shadow, previous primary)
//	[64:192)  slot a record
//	[192:320) slot b record
const (
	controlBlockSize = 4096

	primaryWordOffset = 0
	shadowWordOffset  = 8
	slotRecordOffset  = 64
	slotRecordSize    = 128

	bootMagic   uint64 = 0x464F5441 // "FOTA"
	recordMagic uint32 = 0x534C4F54 // "SLOT"

	maxVersionLen = 64
	fileModePerm  = 0644
)

var errNoValidBootWord = errors.New("boot control block holds no valid boot word")

// bootWord packs the bootloader's view into one aligned 64-bit value:
// magic(32) | generation(24) | flags(7) | slot(1).
type bootWord uint64

const (
	flagTrial uint64 = 1 << 1
	slotBit   uint64 = 1 << 0
)

func newBootWord(generation uint32, slot Label, trial bool) bootWord {
	w := bootMagic<<32 | uint64(generation&0xFFFFFF)<<8
	if slot == SlotB {
		w |= slotBit
	}
	if trial {
		w |= flagTrial
	}
	return bootWord(w)
}

func (w bootWord) valid() bool {
	return uint64(w)>>32 == bootMagic && uint64(w)&^(0xFFFFFFFF_FFFFFF00|flagTrial|slotBit) == 0
}

func (w bootWord) slot() Label {
	if uint64(w)&slotBit != 0 {
		return SlotB
	}
	return SlotA
}

func (w bootWord) trial() bool {
	return uint64(w)&flagTrial != 0
}

func (w bootWord) generation() uint32 {
	return uint32(uint64(w)>>8) & 0xFFFFFF
}

// slotRecord is the persisted metadata for one slot.
//
//	[0:4) magic [4] state [5] version length [8:12) size
//	[12:44) digest [44:108) version [124:128) crc32 of [0:124)
type slotRecord struct {
	state   State
	size    uint32
	digest  [32]byte
	version string
}

func (r slotRecord) encode(buf []byte) {
	clear(buf[:slotRecordSize])
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = byte(r.state)
	v := r.version
	if len(v) > maxVersionLen {
		v = v[:maxVersionLen]
	}
	buf[5] = byte(len(v))
	binary.LittleEndian.PutUint32(buf[8:12], r.size)
	copy(buf[12:44], r.digest[:])
	copy(buf[44:108], v)
	binary.LittleEndian.PutUint32(buf[124:128], crc32.ChecksumIEEE(buf[0:124]))
}

func decodeSlotRecord(buf []byte) (slotRecord, bool) {
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return slotRecord{}, false
	}
	if crc32.ChecksumIEEE(buf[0:124]) != binary.LittleEndian.Uint32(buf[124:128]) {
		return slotRecord{}, false
	}
	n := int(buf[5])
	if n > maxVersionLen {
		return slotRecord{}, false
	}
	r := slotRecord{
		state:   State(buf[4]),
		size:    binary.LittleEndian.Uint32(buf[8:12]),
		version: string(buf[44 : 44+n]),
	}
	copy(r.digest[:], buf[12:44])
	return r, true
}

// controlBlock is the memory mapped boot control file.
type controlBlock struct {
	fd    *os.File
	data  mmap.MMap
	fsync func() error
}

func openControlBlock(path string) (*controlBlock, bool, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, false, err
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, false, err
	}
	fresh := info.Size() == 0
	if info.Size() != controlBlockSize {
		if err := fd.Truncate(controlBlockSize); err != nil {
			fd.Close()
			return nil, false, fmt.Errorf("truncate error: %w", err)
		}
	}
	data, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, false, fmt.Errorf("mmap error: %w", err)
	}
	return &controlBlock{fd: fd, data: data, fsync: fd.Sync}, fresh, nil
}

func (c *controlBlock) word(off int) *uint64 {
	// mmap regions are page aligned, so every 8-byte offset is aligned too.
	return (*uint64)(unsafe.Pointer(&c.data[off]))
}

// current returns the boot word the bootloader would act on.
func (c *controlBlock) current() (bootWord, error) {
	if w := bootWord(atomic.LoadUint64(c.word(primaryWordOffset))); w.valid() {
		return w, nil
	}
	if w := bootWord(atomic.LoadUint64(c.word(shadowWordOffset))); w.valid() {
		return w, nil
	}
	return 0, errNoValidBootWord
}

// commit publishes w as the new boot word. The previous word is saved to
// the shadow and flushed first, then the primary is replaced with a single
// aligned store and flushed. When that flush fails the primary is put back,
// so a later writeback cannot publish a word the caller saw fail.
func (c *controlBlock) commit(w bootWord) error {
	prev, err := c.current()
	hasPrev := err == nil
	if hasPrev {
		atomic.StoreUint64(c.word(shadowWordOffset), uint64(prev))
		if err := c.sync(); err != nil {
			return err
		}
	}
	atomic.StoreUint64(c.word(primaryWordOffset), uint64(w))
	if err := c.sync(); err != nil {
		if hasPrev {
			atomic.StoreUint64(c.word(primaryWordOffset), uint64(prev))
			_ = c.sync()
		}
		return err
	}
	return nil
}

func (c *controlBlock) record(l Label) (slotRecord, bool) {
	off := slotRecordOffset + l.index()*slotRecordSize
	return decodeSlotRecord(c.data[off : off+slotRecordSize])
}

func (c *controlBlock) putRecord(l Label, r slotRecord) error {
	off := slotRecordOffset + l.index()*slotRecordSize
	r.encode(c.data[off : off+slotRecordSize])
	return c.sync()
}

func (c *controlBlock) sync() error {
	if err := c.data.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := c.fsync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	return nil
}

func (c *controlBlock) close() error {
	if c.data == nil {
		return nil
	}
	errUnmap := c.data.Unmap()
	errClose := c.fd.Close()
	c.data = nil
	return errors.Join(errUnmap, errClose)
}
