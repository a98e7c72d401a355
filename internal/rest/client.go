// Package rest consumes the collaborator REST endpoints of the consultation
// platform: transport-token minting, message history, call accept/reject,
// and the consultation-completion fallback used when the WebSocket path
// times out.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/protocol"
	"github.com/carelink/realtime/internal/resilience"
)

// Client wraps resty with rate limiting and a circuit breaker. During a
// reconnect storm every session falls back to these endpoints at once; the
// breaker keeps a dead API from absorbing that load.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	logger  *logging.Logger
}

// NewClient creates a client rooted at the given API origin.
func NewClient(apiOrigin string, logger *logging.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New().
		SetBaseURL(apiOrigin).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", "carelink-realtime/1.0")
	restyClient.SetTransport(retryClient.HTTPClient.Transport)

	breaker := resilience.New("consult-api", resilience.Settings{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("rest breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		resty:   restyClient,
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		breaker: breaker,
		logger:  logger,
	}
}

// SetAuthToken installs the bearer token used on collaborator calls.
func (c *Client) SetAuthToken(token string) {
	c.resty.SetAuthToken(token)
}

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Token fetches a short-lived transport token for the given conversation
// key.
func (c *Client) Token(ctx context.Context, key string) (string, error) {
	var out tokenResponse
	err := c.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetQueryParam("channel", key).SetResult(&out).Get("/api/v1/realtime/token")
	})
	if err != nil {
		return "", fmt.Errorf("fetch transport token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("fetch transport token: empty token for key %q", key)
	}
	return out.Token, nil
}

type historyResponse struct {
	Messages []protocol.WireMessage `json:"messages"`
}

// History fetches the full message history for a consultation. Used when a
// session (re)connects and the server does not push a bulk frame first.
func (c *Client) History(ctx context.Context, consultationID string) ([]protocol.WireMessage, error) {
	var out historyResponse
	err := c.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get("/api/v1/consultations/" + consultationID + "/messages")
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", consultationID, err)
	}
	return out.Messages, nil
}

// AcceptCall informs the server that the user accepted the call. Used as
// the fallback when the WebSocket accept frame is not acknowledged in time.
func (c *Client) AcceptCall(ctx context.Context, callID string) error {
	err := c.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/api/v1/calls/" + callID + "/accept")
	})
	if err != nil {
		return fmt.Errorf("accept call %s: %w", callID, err)
	}
	return nil
}

// RejectCall informs the server that the user rejected the call.
// Best-effort: the caller dismisses the call locally regardless.
func (c *Client) RejectCall(ctx context.Context, callID string) error {
	err := c.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/api/v1/calls/" + callID + "/reject")
	})
	if err != nil {
		return fmt.Errorf("reject call %s: %w", callID, err)
	}
	return nil
}

// CompleteConsultation marks the consultation completed. Fallback for the
// auto-complete signaling sequence.
func (c *Client) CompleteConsultation(ctx context.Context, consultationID string) error {
	err := c.execute(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Post("/api/v1/consultations/" + consultationID + "/complete")
	})
	if err != nil {
		return fmt.Errorf("complete consultation %s: %w", consultationID, err)
	}
	return nil
}

func (c *Client) execute(ctx context.Context, fn func(req *resty.Request) (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := fn(c.resty.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
		}
		return resp, nil
	})
	return err
}
