// Package mailer sends order-confirmation emails through the notification
// collaborator. Replies arrive asynchronously via the webhook server.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
)

const defaultBaseURL = "https://api.sells-notify.dev/v1"

// Client sends confirmation messages.
type Client interface {
	// Send emails the confirmed terms to the recipient and returns the
	// provider's message id, which reply signals reference.
	Send(ctx context.Context, recipient string, terms model.ConfirmationTerms) (string, error)
}

type sendRequest struct {
	To      string                  `json:"to"`
	From    string                  `json:"from,omitempty"`
	Subject string                  `json:"subject"`
	Body    string                  `json:"body"`
	Terms   model.ConfirmationTerms `json:"terms"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithFrom sets the sender address.
func WithFrom(from string) Option {
	return func(c *httpClient) {
		c.from = from
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	from    string
	http    *http.Client
}

// NewClient creates a mailer client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Send(ctx context.Context, recipient string, terms model.ConfirmationTerms) (string, error) {
	if recipient == "" {
		return "", eris.New("mailer: recipient is required")
	}

	req := sendRequest{
		To:      recipient,
		From:    c.from,
		Subject: fmt.Sprintf("Order confirmation: %d %s", terms.Quantity, terms.Item),
		Body:    renderBody(terms),
		Terms:   terms,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", eris.Wrap(err, "mailer: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "mailer: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", eris.Wrap(err, "mailer: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "mailer: read response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(
				eris.Errorf("mailer: transient status %d: %s", resp.StatusCode, string(respBody)),
				resp.StatusCode,
			)
		}
		return "", eris.Errorf("mailer: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result sendResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", eris.Wrap(err, "mailer: unmarshal response")
	}
	if result.MessageID == "" {
		return "", eris.New("mailer: response missing message_id")
	}
	return result.MessageID, nil
}

func renderBody(t model.ConfirmationTerms) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Confirming our order of %d %s at $%.2f per unit.\n", t.Quantity, t.Item, t.UnitPrice)
	if t.LeadTimeDays > 0 {
		fmt.Fprintf(&b, "Lead time: %d days.\n", t.LeadTimeDays)
	}
	if t.ShippingTerms != "" {
		fmt.Fprintf(&b, "Shipping: %s.\n", t.ShippingTerms)
	}
	if t.PaymentTerms != "" {
		fmt.Fprintf(&b, "Payment: %s.\n", t.PaymentTerms)
	}
	b.WriteString("Please reply with your invoice to finalize.\n")
	return b.String()
}
