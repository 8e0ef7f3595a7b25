package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// Probe decides whether the backing service is healthy. Which endpoint counts
// as the health signal is configuration, not a hidden assumption.
type Probe interface {
	Healthy(ctx context.Context) bool
}

// HTTPProbe considers the service healthy when a GET against its health path
// returns any 2xx status.
type HTTPProbe struct {
	url        string
	httpClient *http.Client
}

// NewHTTPProbe creates a probe for the given base URL and health path.
func NewHTTPProbe(baseURL, path string) (*HTTPProbe, error) {
	u, err := url.JoinPath(baseURL, path)
	if err != nil {
		return nil, err
	}
	return &HTTPProbe{
		url: u,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}, nil
}

// Healthy performs a single probe request.
func (p *HTTPProbe) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Debugf("Health probe against %s failed: %v", p.url, err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
