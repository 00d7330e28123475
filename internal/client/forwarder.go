package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pgourlain/PGrok/internal/protocol"
)

// Forwarder performs the local HTTP call for a forwarded request envelope.
type Forwarder struct {
	base       string
	tunnelID   string
	httpClient *http.Client
}

// NewForwarder creates a forwarder targeting the local base URL.
func NewForwarder(base, tunnelID string) *Forwarder {
	return &Forwarder{
		base:     base,
		tunnelID: tunnelID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			// redirects are the local service's business
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward reissues the envelope against the local service and returns the
// response envelope under the same request id.
func (f *Forwarder) Forward(ctx context.Context, req *protocol.HTTPRequest) (*protocol.HTTPResponse, error) {
	localURL, err := f.localURL(req.URL)
	if err != nil {
		return nil, fmt.Errorf("deriving local url: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, localURL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building local request: %w", err)
	}
	for k, v := range req.Headers {
		if isHopByHop(k) {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling local service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading local response: %w", err)
	}

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &protocol.HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// localURL joins the local base with the path derived from the forwarded
// URL: the /<tunnel-id>/ prefix is stripped when present, the query string
// is kept as-is.
func (f *Forwarder) localURL(forwarded string) (string, error) {
	base, err := url.Parse(f.base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	ref, err := url.Parse(forwarded)
	if err != nil {
		return "", fmt.Errorf("invalid forwarded url: %w", err)
	}

	ref.Path = DeriveLocalPath(ref.Path, f.tunnelID)
	return base.ResolveReference(&url.URL{Path: ref.Path, RawQuery: ref.RawQuery}).String(), nil
}

// DeriveLocalPath strips the /<tunnel-id>/ routing prefix when present and
// returns the path unchanged otherwise.
func DeriveLocalPath(path, tunnelID string) string {
	if tunnelID == "" {
		return path
	}
	prefix := "/" + tunnelID
	switch {
	case path == prefix:
		return "/"
	case strings.HasPrefix(path, prefix+"/"):
		return path[len(prefix):]
	}
	return path
}

// isHopByHop reports whether a header must not be reissued on the local
// call: host, connection, content-length, and any pseudo-header.
func isHopByHop(name string) bool {
	if strings.HasPrefix(name, ":") {
		return true
	}
	switch strings.ToLower(name) {
	case "host", "connection", "content-length":
		return true
	}
	return false
}
