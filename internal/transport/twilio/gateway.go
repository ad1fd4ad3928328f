// Package twilio provides message sending via the Twilio Messages API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arusso/drip-relay/internal/transport"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.twilio.com"
	defaultTimeout   = 15 * time.Second
	defaultRateLimit = 10.0 // messages per second
)

// Config holds Twilio gateway configuration.
type Config struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	StatusCallbackURL string  // webhook URL passed to Twilio on each send
	RateLimit         float64 // requests per second, 0 means default
	APIURL            string  // overridable for tests
	Timeout           time.Duration
}

// Gateway implements transport.Gateway against the Twilio REST API.
type Gateway struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewGateway creates a new Twilio gateway.
// Returns an error if required credentials are missing.
func NewGateway(config Config) (*Gateway, error) {
	if config.AccountSID == "" {
		return nil, errors.New("twilio gateway: account sid is required")
	}
	if config.AuthToken == "" {
		return nil, errors.New("twilio gateway: auth token is required")
	}
	if config.FromNumber == "" {
		return nil, errors.New("twilio gateway: from number is required")
	}

	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	slog.Info("twilio gateway configured",
		"account_sid", config.AccountSID,
		"from", config.FromNumber,
		"rate_limit", rateLimit,
	)

	return &Gateway{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		apiURL:     apiURL,
	}, nil
}

// messageResource is the subset of Twilio's Message resource we read.
type messageResource struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Send submits one outbound message and returns Twilio's message sid.
func (g *Gateway) Send(ctx context.Context, msg transport.OutboundMessage) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	form := url.Values{}
	form.Set("To", msg.Recipient)
	form.Set("From", g.config.FromNumber)
	form.Set("Body", msg.Body)
	for _, u := range msg.MediaURLs {
		form.Add("MediaUrl", u)
	}
	if g.config.StatusCallbackURL != "" {
		form.Set("StatusCallback", g.config.StatusCallbackURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.apiURL, g.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.config.AccountSID, g.config.AuthToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeAPIError(resp)
	}

	var res messageResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if res.SID == "" {
		return "", errors.New("twilio response missing message sid")
	}

	slog.Debug("message submitted to twilio", "sid", res.SID, "status", res.Status)
	return res.SID, nil
}

// GetStatus queries the live delivery state of a previously sent message.
func (g *Gateway) GetStatus(ctx context.Context, providerMessageID string) (transport.DeliveryState, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return transport.StateUnknown, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json",
		g.apiURL, g.config.AccountSID, providerMessageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return transport.StateUnknown, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(g.config.AccountSID, g.config.AuthToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return transport.StateUnknown, fmt.Errorf("query status: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transport.StateUnknown, decodeAPIError(resp)
	}

	var res messageResource
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return transport.StateUnknown, fmt.Errorf("decode response: %w", err)
	}

	return mapStatus(res.Status), nil
}

// mapStatus converts a Twilio message status to a transport delivery state.
func mapStatus(status string) transport.DeliveryState {
	switch status {
	case "delivered", "read":
		return transport.StateDelivered
	case "failed":
		return transport.StateFailed
	case "undelivered":
		return transport.StateUndelivered
	case "queued", "accepted", "sending", "sent":
		return transport.StateInTransit
	default:
		return transport.StateUnknown
	}
}

func decodeAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("twilio api status %d", resp.StatusCode)
	}

	var apiErr apiError
	if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Message != "" {
		return fmt.Errorf("twilio api error %d: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("twilio api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
