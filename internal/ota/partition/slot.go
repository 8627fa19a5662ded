package partition

import (
	"errors"
	"fmt"

	"github.com/autopeer-io/fota/internal/ota/hash"
)

var (
	// ErrWriteFault is returned when a slot region cannot be written, or an
	// offset falls outside the slot. The slot is unbootable until erased.
	ErrWriteFault = errors.New("partition write fault")

	// ErrSlotRunning is returned for any mutation of the running slot.
	ErrSlotRunning = errors.New("slot is running and read-only")

	// ErrSlotNotReady is returned by SetBootTarget when the slot does not
	// hold a freshly written image.
	ErrSlotNotReady = errors.New("slot does not hold a written image")

	// ErrSlotUnverified is returned by SwapTo when the slot contents no
	// longer match the digest recorded at activation.
	ErrSlotUnverified = errors.New("slot image does not match recorded digest")

	ErrUnknownSlot = errors.New("unknown slot")
)

// Label names one of the two boot slots.
type Label string

const (
	SlotA Label = "a"
	SlotB Label = "b"
)

// Other returns the opposite slot.
func (l Label) Other() Label {
	if l == SlotA {
		return SlotB
	}
	return SlotA
}

func (l Label) index() int {
	if l == SlotB {
		return 1
	}
	return 0
}

func (l Label) valid() bool {
	return l == SlotA || l == SlotB
}

// State is the lifecycle of the image held by a slot.
type State uint8

const (
	StateEmpty State = iota
	StateErased
	StatePartial
	StateBootable
	StateBad
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateErased:
		return "erased"
	case StatePartial:
		return "partial"
	case StateBootable:
		return "bootable"
	case StateBad:
		return "bad"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for c := StateEmpty; c <= StateBad; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown slot state %q", text)
}

// Image describes a verified image being activated in a slot.
type Image struct {
	Version string
	Size    uint32
	Digest  hash.Digest
}

// Slot is a snapshot of one boot slot.
type Slot struct {
	Label      Label       `json:"label"`
	Running    bool        `json:"running"`
	BootTarget bool        `json:"boot_target"`
	State      State       `json:"state"`
	Version    string      `json:"firmware_version"`
	Size       uint32      `json:"size"`
	Digest     hash.Digest `json:"-"`
}

// Store is the A/B partition abstraction used by the update engine.
type Store interface {
	RunningSlot() Slot
	InactiveSlot() Slot
	Slots() []Slot

	// Erase wipes a non-running slot and clears any fault on it.
	Erase(label Label) error

	// Write programs p at offset within a non-running slot.
	Write(label Label, offset uint32, p []byte) error

	// Invalidate marks a non-running slot bad.
	Invalidate(label Label) error

	// SetBootTarget records img for the slot and atomically points the
	// bootloader at it in trial mode.
	SetBootTarget(label Label, img Image) error

	// SwapTo points the bootloader at a previously good slot after
	// re-verifying its contents. Used by rollback only.
	SwapTo(label Label) error

	// MarkGood clears the trial flag of the current boot target.
	MarkGood() error

	// Trial reports whether the current boot target is still on trial.
	Trial() bool
}
