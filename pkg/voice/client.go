// Package voice submits outbound negotiation calls to the voice-call
// provider. Submission is fire-and-forget: the provider reports call
// completion asynchronously through the webhook server.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/sourcing-cli/internal/resilience"
)

const (
	defaultBaseURL      = "https://api.vocalbridge.dev/v1"
	defaultAgentProfile = "procurement-negotiator"
)

// Client submits outbound calls.
type Client interface {
	// Submit requests an outbound call and returns the provider's handle for
	// it. An empty handle with a nil error means the provider rejected the
	// call immediately (bad number, unreachable region).
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// SubmitRequest describes one outbound call.
type SubmitRequest struct {
	AgentProfile string            `json:"agent_profile"`
	Phone        string            `json:"phone"`
	Variables    map[string]string `json:"variables,omitempty"`
}

type submitResponse struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithAgentProfile overrides the default agent profile.
func WithAgentProfile(profile string) Option {
	return func(c *httpClient) {
		c.agentProfile = profile
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithSubmitRate caps outbound submissions per second.
func WithSubmitRate(perSecond float64) Option {
	return func(c *httpClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

type httpClient struct {
	apiKey       string
	baseURL      string
	agentProfile string
	http         *http.Client
	limiter      *rate.Limiter
}

// NewClient creates a voice provider client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		agentProfile: defaultAgentProfile,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Phone == "" {
		return "", eris.New("voice: phone is required")
	}
	if req.AgentProfile == "" {
		req.AgentProfile = c.agentProfile
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "voice: rate limit wait")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "voice: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "voice: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "voice: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "voice: read response")
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		// Parsed below.
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Immediate rejection: the number cannot be dialed. Not an error;
		// the engine records the call as failed and moves on.
		return "", nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return "", resilience.NewTransientError(
			eris.Errorf("voice: transient status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	default:
		return "", eris.Errorf("voice: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result submitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", eris.Wrap(err, "voice: unmarshal response")
	}
	if result.CallID == "" {
		return "", eris.New("voice: response missing call_id")
	}
	return result.CallID, nil
}
