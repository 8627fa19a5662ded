package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	b := NewBuilder("iov/v1/")

	assert.Equal(t, "iov/v1/fota/report/dev-1", b.Build("fota/report", "dev-1"))
	assert.Equal(t, "iov/v1/fota/command/+", b.Wildcard("/fota/command/"))
}

func TestDeviceID(t *testing.T) {
	b := NewBuilder("iov/v1")

	id, ok := b.DeviceID("fota/command", "iov/v1/fota/command/dev-1")
	assert.True(t, ok)
	assert.Equal(t, "dev-1", id)

	_, ok = b.DeviceID("fota/command", "iov/v1/fota/report/dev-1")
	assert.False(t, ok)
	_, ok = b.DeviceID("fota/command", "iov/v1/fota/command/dev-1/extra")
	assert.False(t, ok)
}
