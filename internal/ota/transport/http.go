package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/autopeer-io/fota/pkg/log"
)

const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// BaseURL is the update server root, e.g. https://fota.example.com.
	BaseURL string

	DeviceID string

	// Client defaults to http.DefaultClient. Per-request deadlines come from
	// the context.
	Client *http.Client

	// Objects serves chunks of manifests whose URL is an s3:// locator.
	Objects ChunkSource
}

// HTTPTransport talks to the update server's JSON endpoints.
type HTTPTransport struct {
	base     *url.URL
	deviceID string
	client   *http.Client
	objects  ChunkSource
	logger   log.Logger
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		base:     base,
		deviceID: cfg.DeviceID,
		client:   client,
		objects:  cfg.Objects,
		logger:   log.WithName("transport").WithValues("server", base.Host),
	}, nil
}

func (t *HTTPTransport) endpoint(path string, query url.Values) string {
	u := *t.base
	u.Path = t.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (t *HTTPTransport) FetchManifest(ctx context.Context, currentVersion string) (*Manifest, error) {
	q := url.Values{}
	q.Set("device_id", t.deviceID)
	q.Set("current_version", currentVersion)

	body, status, err := t.do(ctx, http.MethodGet, t.endpoint("/fota/manifest", q), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil, ErrNoManifest
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		// the manifest comes over the network; an unusable one is a fetch failure
		return nil, fmt.Errorf("%w: malformed manifest: %v", ErrNetwork, err)
	}
	return &m, nil
}

func (t *HTTPTransport) FetchChunk(ctx context.Context, m *Manifest, index uint32) (*Chunk, error) {
	if t.objects != nil && IsObjectLocator(m.URL) {
		return t.objects.FetchChunk(ctx, m, index)
	}

	q := url.Values{}
	q.Set("version", m.Version)
	q.Set("chunk_number", strconv.FormatUint(uint64(index), 10))

	body, status, err := t.do(ctx, http.MethodGet, t.endpoint("/fota/chunk", q), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: chunk %d not served", ErrNetwork, index)
	}

	var c Chunk
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %v", ErrIntegrity, index, err)
	}
	return &c, nil
}

func (t *HTTPTransport) Ack(ctx context.Context, index uint32, verified bool) error {
	payload, err := json.Marshal(ackWire{FotaStatus: Ack{ChunkReceived: index, Verified: verified}})
	if err != nil {
		return err
	}
	_, _, err = t.do(ctx, http.MethodPost, t.endpoint("/fota/ack", nil), payload)
	return err
}

// do performs one request. Transport errors and 5xx answers are ErrNetwork;
// 204 and 404 are returned to the caller to interpret.
func (t *HTTPTransport) do(ctx context.Context, method, target string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", ErrNetwork, req.URL.Path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, resp.StatusCode, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		t.logger.Debug("Server rejected request", "path", req.URL.Path, "status", resp.StatusCode)
		return nil, resp.StatusCode, fmt.Errorf("%w: %s %s returned %s", ErrNetwork, method, req.URL.Path, resp.Status)
	}
	return data, resp.StatusCode, nil
}
