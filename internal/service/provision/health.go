package provision

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether a freshly deployed instance answers on its public
// health endpoint.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber probes over HTTPS. Certificate verification is disabled: right
// after DNS setup the instance usually serves a not-yet-issued or self-signed
// certificate, and the probe only cares about the application answering.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber constructs a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Probe issues one GET and treats any 2xx answer as healthy.
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health probe: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned HTTP %d", resp.StatusCode)
	}
	return nil
}
