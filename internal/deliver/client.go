package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appLog "taskcal/internal/log"
)

// DefaultTimeout bounds a single delivery call.
const DefaultTimeout = 10 * time.Second

// Payload is the JSON body POSTed to the injection endpoint.
type Payload struct {
	ConversationID string `json:"conversation_id"`
	UserPrompt     string `json:"user_prompt"`
	TaskID         string `json:"task_id"`
}

// DeliveryError describes a failed delivery: transport failure, timeout
// or non-2xx response.
type DeliveryError struct {
	TaskID     string
	StatusCode int    // 0 when no response was received
	Body       string // truncated response body for non-2xx
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("deliver %s: endpoint returned %d", e.TaskID, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return fmt.Sprintf("deliver %s: %v", e.TaskID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Options tune a Client.
type Options struct {
	// Timeout is the per-call timeout; DefaultTimeout when zero.
	Timeout time.Duration
	// RatePerSec spaces outbound calls; zero disables limiting.
	RatePerSec float64
	// HTTPClient overrides the underlying client (tests).
	HTTPClient *http.Client
}

// Client POSTs due prompts to the injection endpoint. It never retries;
// a failed delivery is simply attempted again on a later poll.
type Client struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// New creates a Client for endpoint.
func New(endpoint string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{endpoint: endpoint, client: hc}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c
}

// Endpoint returns the configured injection URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Send performs one delivery and returns a *DeliveryError on failure.
func (c *Client) Send(ctx context.Context, p Payload) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &DeliveryError{TaskID: p.TaskID, Err: err}
		}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return &DeliveryError{TaskID: p.TaskID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{TaskID: p.TaskID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{TaskID: p.TaskID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			TaskID:     p.TaskID,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Err:        errors.New(resp.Status),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// Deliver sends the prompt and reports success. Failures are logged and
// never returned.
func (c *Client) Deliver(ctx context.Context, conversationID, userPrompt, taskID string) bool {
	start := time.Now()
	err := c.Send(ctx, Payload{ConversationID: conversationID, UserPrompt: userPrompt, TaskID: taskID})
	if err != nil {
		appLog.Error("delivery failed", err, "task_id", taskID, "conversation_id", conversationID, "url", redactURL(c.endpoint))
		return false
	}
	appLog.Info("delivery ok", "task_id", taskID, "conversation_id", conversationID, "took", time.Since(start))
	return true
}

// redactURL keeps scheme, host and path and drops credentials and query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	out := u.Scheme + "://" + u.Host + u.Path
	if u.RawQuery != "" {
		out += "?...(redacted)"
	}
	return out
}
