package topic

import (
	"strings"
)

// Standard MQTT wildcard definitions.
const (
	// Wildcard matches exactly one topic level.
	Wildcard = "+"

	// MultiWildcard matches the current level and all below it. It must be
	// the last level of a filter.
	MultiWildcard = "#"
)

// Builder constructs topics of the form {root}/{segment}/{deviceID}.
type Builder struct {
	// root is the base namespace for all topics (e.g. "iov/v1").
	root string
}

func NewBuilder(root string) *Builder {
	return &Builder{root: strings.Trim(root, "/")}
}

// Build returns {root}/{segment}/{id}.
func (b *Builder) Build(segment, id string) string {
	return b.root + "/" + strings.Trim(segment, "/") + "/" + id
}

// Wildcard returns the filter matching segment for every device.
func (b *Builder) Wildcard(segment string) string {
	return b.Build(segment, Wildcard)
}

// DeviceID extracts the trailing device ID from a topic built for segment.
func (b *Builder) DeviceID(segment, topic string) (string, bool) {
	prefix := b.root + "/" + strings.Trim(segment, "/") + "/"
	id, ok := strings.CutPrefix(topic, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
