package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var ErrScanner = errors.New("antivirus scanner failed")

type Verdict struct {
	Infected  bool   `json:"infected"`
	Signature string `json:"signature,omitempty"`
}

// HTTPScanner posts the payload to a scanning endpoint that answers with a
// JSON verdict.
type HTTPScanner struct {
	client   *http.Client
	endpoint string
}

func NewHTTPScanner(client *http.Client, endpoint string) *HTTPScanner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScanner{client: client, endpoint: strings.TrimSpace(endpoint)}
}

func (s *HTTPScanner) Scan(ctx context.Context, r io.Reader, size int64) (Verdict, error) {
	if s.endpoint == "" {
		return Verdict{}, fmt.Errorf("%w: endpoint is not configured", ErrScanner)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, r)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: build request: %v", ErrScanner, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if size > 0 {
		req.ContentLength = size
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrScanner, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("%w: status %d", ErrScanner, resp.StatusCode)
	}

	var verdict Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode verdict: %v", ErrScanner, err)
	}

	return verdict, nil
}
