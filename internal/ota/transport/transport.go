// Package transport fetches firmware manifests and image chunks from the
// update server and object storage.
package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/autopeer-io/fota/internal/ota/hash"
)

var (
	// ErrNetwork marks failures to reach the server or read its response.
	ErrNetwork = errors.New("network fault")

	// ErrIntegrity marks data that arrived but cannot be trusted: a bad MAC,
	// an undecodable payload or a chunk of the wrong length.
	ErrIntegrity = errors.New("integrity fault")

	// ErrNoManifest is returned when the server has no firmware to offer.
	ErrNoManifest = errors.New("no firmware manifest available")
)

// Manifest describes one firmware image. It is immutable once fetched.
type Manifest struct {
	Version   string
	TotalSize uint32
	ChunkSize uint32
	SHA256    hash.Digest

	// URL is an optional image locator. s3:// locators are served by an
	// ObjectTransport; anything else is opaque.
	URL string
}

type manifestWire struct {
	Version   string `json:"version"`
	Size      uint32 `json:"size"`
	SHA256    string `json:"sha256"`
	ChunkSize uint32 `json:"chunk_size"`
	URL       string `json:"url,omitempty"`
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var w manifestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	digest, err := decodeDigest(w.SHA256)
	if err != nil {
		return fmt.Errorf("manifest sha256: %w", err)
	}
	*m = Manifest{
		Version:   w.Version,
		TotalSize: w.Size,
		ChunkSize: w.ChunkSize,
		SHA256:    digest,
		URL:       w.URL,
	}
	return m.Validate()
}

func (m Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestWire{
		Version:   m.Version,
		Size:      m.TotalSize,
		SHA256:    hex.EncodeToString(m.SHA256[:]),
		ChunkSize: m.ChunkSize,
		URL:       m.URL,
	})
}

func (m *Manifest) Validate() error {
	switch {
	case m.Version == "":
		return errors.New("manifest version is empty")
	case m.TotalSize == 0:
		return errors.New("manifest size is zero")
	case m.ChunkSize == 0:
		return errors.New("manifest chunk_size is zero")
	}
	return nil
}

// ChunkCount is the number of chunks that make up the image.
func (m *Manifest) ChunkCount() uint32 {
	return uint32((uint64(m.TotalSize) + uint64(m.ChunkSize) - 1) / uint64(m.ChunkSize))
}

// Offset is the byte offset of chunk index inside the image.
func (m *Manifest) Offset(index uint32) uint32 {
	return index * m.ChunkSize
}

// ChunkLen is the expected payload length of chunk index. Only the last
// chunk may be short.
func (m *Manifest) ChunkLen(index uint32) uint32 {
	off := uint64(index) * uint64(m.ChunkSize)
	if off >= uint64(m.TotalSize) {
		return 0
	}
	return uint32(min(uint64(m.ChunkSize), uint64(m.TotalSize)-off))
}

// Check rejects a chunk that does not belong to m.
func (m *Manifest) Check(c *Chunk) error {
	if c.Index >= m.ChunkCount() {
		return fmt.Errorf("%w: chunk %d outside image of %d chunks", ErrIntegrity, c.Index, m.ChunkCount())
	}
	if want := m.ChunkLen(c.Index); uint32(len(c.Payload)) != want {
		return fmt.Errorf("%w: chunk %d carries %d bytes, want %d", ErrIntegrity, c.Index, len(c.Payload), want)
	}
	return nil
}

// Chunk is one piece of the image as it arrived.
type Chunk struct {
	Index   uint32
	Payload []byte

	// MAC is the optional HMAC-SHA256 tag over Payload.
	MAC *[32]byte
}

type chunkWire struct {
	ChunkNumber uint32 `json:"chunk_number"`
	Data        []byte `json:"data"`
	MAC         string `json:"mac,omitempty"`
}

func (c *Chunk) UnmarshalJSON(data []byte) error {
	var w chunkWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Chunk{Index: w.ChunkNumber, Payload: w.Data}
	if w.MAC != "" {
		mac, err := decodeDigest(w.MAC)
		if err != nil {
			return fmt.Errorf("chunk mac: %w", err)
		}
		c.MAC = &mac
	}
	return nil
}

func (c Chunk) MarshalJSON() ([]byte, error) {
	w := chunkWire{ChunkNumber: c.Index, Data: c.Payload}
	if c.MAC != nil {
		w.MAC = hex.EncodeToString(c.MAC[:])
	}
	return json.Marshal(w)
}

// Ack is the device's per-chunk acknowledgement.
type Ack struct {
	ChunkReceived uint32 `json:"chunk_received"`
	Verified      bool   `json:"verified"`
}

type ackWire struct {
	FotaStatus Ack `json:"fota_status"`
}

// ChunkSource fetches a single chunk of the image described by m.
type ChunkSource interface {
	FetchChunk(ctx context.Context, m *Manifest, index uint32) (*Chunk, error)
}

// Transport is the device's view of the update server.
type Transport interface {
	ChunkSource

	// FetchManifest asks for the latest firmware given the running version.
	FetchManifest(ctx context.Context, currentVersion string) (*Manifest, error)

	// Ack tells the server whether a chunk was accepted.
	Ack(ctx context.Context, index uint32, verified bool) error
}

func decodeDigest(s string) ([32]byte, error) {
	var d [32]byte
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(len(d)) {
		return d, fmt.Errorf("want %d hex characters, got %d", hex.EncodedLen(len(d)), len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, err
	}
	return d, nil
}
