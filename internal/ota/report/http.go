package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPReporter posts reports to {base}/fota/report.
type HTTPReporter struct {
	url    string
	client *http.Client
}

var _ Reporter = (*HTTPReporter)(nil)

func NewHTTPReporter(baseURL string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPReporter{url: strings.TrimSuffix(baseURL, "/") + "/fota/report", client: client}
}

func (h *HTTPReporter) Report(ctx context.Context, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("report rejected: %s", resp.Status)
	}
	return nil
}
