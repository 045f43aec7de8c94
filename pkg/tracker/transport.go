package tracker

import (
	"io"
	"net/http"
	"strings"

	"github.com/ethpandaops/runsync/pkg/retry"
	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of an error response is kept for logging.
const maxErrorBody = 512

// transport authenticates requests, paces them against the service's rate
// limit and turns non-2xx responses into retry.StatusError.
type transport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
	apiKey  string
}

func newTransport(base http.RoundTripper, apiKey string, requestsPerMinute int) *transport {
	t := &transport{base: base, apiKey: apiKey}

	if requestsPerMinute > 0 {
		t.limiter = rate.NewLimiter(
			rate.Limit(float64(requestsPerMinute)/60.0),
			max(1, requestsPerMinute/60),
		)
	}

	return t
}

// RoundTrip implements http.RoundTripper.
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	req = req.Clone(req.Context())
	req.SetBasicAuth("api", t.apiKey)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()

		return nil, &retry.StatusError{
			Code: resp.StatusCode,
			Body: strings.TrimSpace(string(body)),
		}
	}

	return resp, nil
}
