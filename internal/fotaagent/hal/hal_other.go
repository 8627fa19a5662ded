//go:build !linux

package hal

func newPlatformHAL() HAL {
	return NewSimulated()
}
