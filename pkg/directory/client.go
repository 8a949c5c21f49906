package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/perimetra/idpsync/pkg/idp"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 2048
)

// apiClient is the shared REST plumbing under every flavor client:
// request throttling, auth header injection, JSON decoding and the
// gather error classification.
type apiClient struct {
	flavor    string
	http      *http.Client
	limiter   *rate.Limiter
	authorize func(*http.Request)

	// apiError extracts the provider's own human-readable message from
	// a 4xx body.
	apiError func(status int, body []byte) string

	// rateLimited recognizes flavor-specific rate-limit signals that
	// arrive on a status other than 429.
	rateLimited func(status int, body []byte) bool
}

func newAPIClient(flavor string, qps rate.Limit, burst int, authorize func(*http.Request), httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if burst < 1 {
		burst = 1
	}
	return &apiClient{
		flavor:    flavor,
		http:      httpClient,
		limiter:   rate.NewLimiter(qps, burst),
		authorize: authorize,
	}
}

// getJSON fetches one page and decodes it, returning the response
// headers for cursor conventions that live there.
func (c *apiClient) getJSON(ctx context.Context, url string, out interface{}) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &idp.Error{Code: idp.CodeUnclassified, Detail: fmt.Sprintf("%s: %v", c.flavor, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &idp.Error{Code: idp.CodeUnclassified, Detail: fmt.Sprintf("%s: %v", c.flavor, err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &idp.Error{Code: idp.CodeUnclassified, Detail: fmt.Sprintf("%s: %v", c.flavor, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &idp.Error{Code: idp.CodeUnclassified, Detail: fmt.Sprintf("%s: reading response: %v", c.flavor, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, &idp.Error{Code: idp.CodeUnclassified, Detail: fmt.Sprintf("%s: unexpected response shape: %v", c.flavor, err)}
	}
	return resp.Header, nil
}

// classify maps a non-200 response onto the gather error policy.
// 401 is a credential problem surfaced distinctly, a rate limit is
// left for the next scheduled tick with the same text as message and
// detail, other 4xx keep the provider's own human message, and
// everything else is preserved verbatim in the detail.
func (c *apiClient) classify(resp *http.Response, body []byte) error {
	status := resp.StatusCode

	rateLimit := status == http.StatusTooManyRequests
	if !rateLimit && c.rateLimited != nil {
		rateLimit = c.rateLimited(status, body)
	}

	switch {
	case status == http.StatusUnauthorized:
		return idp.NewError(idp.CodeUnauthorized,
			fmt.Sprintf("%s API token expired or access revoked", c.flavor))

	case rateLimit:
		msg := fmt.Sprintf("%s API is rate limited, sync will resume on a later run", c.flavor)
		if after := resp.Header.Get("Retry-After"); after != "" {
			msg = fmt.Sprintf("%s API is rate limited, retry after %ss", c.flavor, after)
		}
		return &idp.Error{Code: idp.CodeRetryLater, Message: msg, Detail: msg}

	case status >= 400 && status < 500:
		human := ""
		if c.apiError != nil {
			human = c.apiError(status, body)
		}
		if human == "" {
			human = fmt.Sprintf("%s API request failed with status %d", c.flavor, status)
		}
		return &idp.Error{
			Code:    idp.CodeUnclassified,
			Message: human,
			Detail:  fmt.Sprintf("status %d: %s", status, truncate(body)),
		}

	default:
		return &idp.Error{
			Code:   idp.CodeUnclassified,
			Detail: fmt.Sprintf("%s API returned status %d: %s", c.flavor, status, truncate(body)),
		}
	}
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodySize {
		return string(body[:maxErrorBodySize]) + "..."
	}
	return string(body)
}

func bearerAuth(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func headerAuth(name, value string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(name, value)
	}
}
