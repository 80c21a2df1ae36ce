// Package feed implements the optional external spot-price source.
//
// When configured, the controller substitutes the feed's quote for the
// weighted-pool spot sample before detection; the detector never learns
// where the spot price came from.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// quoteResponse is the JSON shape the feed endpoint returns.
type quoteResponse struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Client polls an HTTP endpoint for the company/currency spot price.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a feed client with retry on transport errors and 5xx.
func New(url string, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, logger: logger.With("component", "feed")}
}

// SpotPrice fetches the current spot quote.
func (c *Client) SpotPrice(ctx context.Context) (decimal.Decimal, error) {
	var result quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch spot price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch spot price: status %d: %s", resp.StatusCode(), resp.String())
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse spot price %q: %w", result.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("feed quoted non-positive price %s", price)
	}
	return price, nil
}
