// Package twilio is a minimal REST client for the three call-control
// operations the system needs: create, fetch, and terminate.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"

	retryAttempts = 2
	retryBackoff  = 250 * time.Millisecond
)

// Client talks to the Twilio REST API. Zero-value HTTPClient and BaseURL
// fall back to sane defaults.
type Client struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Call is the subset of the provider's call resource the system reads.
type Call struct {
	Sid      string `json:"sid"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	To       string `json:"to"`
	From     string `json:"from"`
}

// DurationSeconds parses the provider's string-typed duration. Zero when
// absent or unparseable.
func (c *Call) DurationSeconds() int {
	n, err := strconv.Atoi(c.Duration)
	if err != nil {
		return 0
	}
	return n
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio: %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// CreateCallParams starts an outbound call that connects its audio to a
// media stream websocket.
type CreateCallParams struct {
	To             string
	TwiML          string
	StatusCallback string
}

// CreateCall places an outbound call.
func (c *Client) CreateCall(ctx context.Context, p CreateCallParams) (*Call, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", c.FromNumber)
	form.Set("Twiml", p.TwiML)
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		form.Set("StatusCallbackMethod", "POST")
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	var out Call
	if err := c.do(ctx, http.MethodPost, c.callsURL("")+".json", form, &out); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return &out, nil
}

// FetchCall reads the current state of a call.
func (c *Client) FetchCall(ctx context.Context, sid string) (*Call, error) {
	var out Call
	if err := c.do(ctx, http.MethodGet, c.callsURL(sid)+".json", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch call %s: %w", sid, err)
	}
	return &out, nil
}

// TerminateCall hangs a call up by forcing it to completed.
func (c *Client) TerminateCall(ctx context.Context, sid string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	if err := c.do(ctx, http.MethodPost, c.callsURL(sid)+".json", form, nil); err != nil {
		return fmt.Errorf("terminate call %s: %w", sid, err)
	}
	return nil
}

func (c *Client) callsURL(sid string) string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	u := fmt.Sprintf("%s/%s/Accounts/%s/Calls", base, apiVersion, c.AccountSID)
	if sid != "" {
		u += "/" + url.PathEscape(sid)
	}
	return u
}

// do runs one request with bounded retries. Network failures and 5xx
// responses retry; 4xx responses are final.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBackoff))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.AccountSID, c.AuthToken)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			json.Unmarshal(data, apiErr)
			if resp.StatusCode >= 500 {
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	})
}
