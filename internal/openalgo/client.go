// Package openalgo provides the REST client for the upstream market-data API.
package openalgo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"chainview/internal/errors"
	"chainview/internal/logging"
	"chainview/internal/models"
)

// Client is a thin client over the upstream request/response API.
// It covers the three calls the engine needs: expiry dates, index
// quotes, and an auth ping.
type Client struct {
	http   *resty.Client
	apiKey string
	logger zerolog.Logger
}

// Config holds client configuration.
type Config struct {
	Host    string
	APIKey  string
	Timeout time.Duration
}

// New creates a new upstream REST client.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.Host).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   http,
		apiKey: cfg.APIKey,
		logger: logging.WithComponent(logger, "openalgo"),
	}
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type expiryResponse struct {
	apiResponse
	Data []string `json:"data"`
}

type quoteResponse struct {
	apiResponse
	Data struct {
		LTP float64 `json:"ltp"`
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"data"`
}

// Quote is an index quote for an underlying.
type Quote struct {
	LTP float64
	Bid float64
	Ask float64
}

// Expiry returns the ordered expiry dates for an underlying's options.
func (c *Client) Expiry(ctx context.Context, underlying string) ([]string, error) {
	sel := models.Selection{Underlying: underlying}

	var out expiryResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"apikey":         c.apiKey,
			"symbol":         underlying,
			"exchange":       string(sel.OptionsExchange()),
			"instrumenttype": "options",
		}).
		SetResult(&out).
		Post("/api/v1/expiry")
	logging.LogAPICall(c.logger, "POST", "/api/v1/expiry", time.Since(start), err)

	if err != nil {
		return nil, errors.Wrap(errors.ErrUpstreamUnavailable, err.Error())
	}
	if resp.IsError() {
		return nil, errors.Wrapf(errors.ErrUpstreamUnavailable, "expiry request: HTTP %d", resp.StatusCode())
	}
	if out.Status != "success" {
		return nil, errors.NewCacheError(underlying, fmt.Sprintf("expiry request rejected: %s", out.Message), errors.ErrUpstreamUnavailable)
	}
	return out.Data, nil
}

// Quote returns the current index quote for an underlying.
func (c *Client) Quote(ctx context.Context, underlying string) (*Quote, error) {
	sel := models.Selection{Underlying: underlying}

	var out quoteResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"apikey":   c.apiKey,
			"symbol":   underlying,
			"exchange": string(sel.IndexExchange()),
		}).
		SetResult(&out).
		Post("/api/v1/quotes")
	logging.LogAPICall(c.logger, "POST", "/api/v1/quotes", time.Since(start), err)

	if err != nil {
		return nil, errors.Wrap(errors.ErrUpstreamUnavailable, err.Error())
	}
	if resp.IsError() {
		return nil, errors.Wrapf(errors.ErrUpstreamUnavailable, "quote request: HTTP %d", resp.StatusCode())
	}
	if out.Status != "success" {
		return nil, errors.NewFeedError("quote", underlying, out.Message, errors.ErrUpstreamUnavailable)
	}
	return &Quote{LTP: out.Data.LTP, Bid: out.Data.Bid, Ask: out.Data.Ask}, nil
}

// Ping validates connectivity and API key authentication.
func (c *Client) Ping(ctx context.Context) error {
	var out apiResponse
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"apikey": c.apiKey}).
		SetResult(&out).
		Post("/api/v1/ping")
	logging.LogAPICall(c.logger, "POST", "/api/v1/ping", time.Since(start), err)

	if err != nil {
		return errors.Wrap(errors.ErrUpstreamUnavailable, err.Error())
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return errors.ErrAuthFailure
	}
	if resp.IsError() {
		return errors.Wrapf(errors.ErrUpstreamUnavailable, "ping: HTTP %d", resp.StatusCode())
	}
	if out.Status != "success" {
		return errors.ErrAuthFailure
	}
	return nil
}
