package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/autopeer-io/fota/pkg/options"
)

// ErrUnavailable is returned when no agent listens on the diagnostics
// address.
var ErrUnavailable = errors.New("agent diagnostics endpoint unavailable")

// Client talks to a running agent's diagnostics server.
type Client struct {
	base   string
	client *http.Client
}

func NewClient(opts *options.DiagOptions) *Client {
	c := &Client{
		base:   "http://" + opts.Addr,
		client: &http.Client{Timeout: opts.Timeout},
	}
	if opts.Network == "unix" {
		dialer := &net.Dialer{}
		c.base = "http://agent"
		c.client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", opts.Addr)
			},
		}
	}
	return c
}

// Status decodes the agent's status into v.
func (c *Client) Status(ctx context.Context, v any) error {
	body, err := c.do(ctx, http.MethodGet, "/v1/fota/status", http.StatusOK)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (c *Client) ClearFactoryReset(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/fota/clear-factory-reset", http.StatusNoContent)
	return err
}

func (c *Client) CheckNow(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/fota/check", http.StatusAccepted)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, want int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("agent answered %s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("agent answered %s", resp.Status)
	}
	return body, nil
}
