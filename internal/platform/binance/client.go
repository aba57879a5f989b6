// Package binance implements the Binance USDT-M futures adapter: funding-rate
// feed, order gateway, and user-data stream.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/fundinghunter/internal/crypto"
	"github.com/quantfold/fundinghunter/internal/domain"
)

// Client is the REST client for the Binance USDT-M futures API.
type Client struct {
	baseURL      string
	signer       *crypto.HMACSigner
	recvWindow   int
	httpClient   *http.Client
	limiter      domain.RateLimiter // optional; nil disables local throttling
	limiterQuota int                // signed requests allowed per second
	logger       *slog.Logger

	// now is swappable for deterministic signing tests.
	now func() time.Time
}

// NewClient creates a Binance futures REST client.
//
// baseURL is the API root, e.g. "https://fapi.binance.com". signer may be nil
// for public-only (monitor mode) usage.
func NewClient(baseURL string, signer *crypto.HMACSigner, recvWindowMs int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		signer:     signer,
		recvWindow: recvWindowMs,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "binance")),
		now:    time.Now,
	}
}

// SetRateLimiter installs a request throttle applied before every signed
// request, allowing perSecond requests in each one-second window.
func (c *Client) SetRateLimiter(l domain.RateLimiter, perSecond int) {
	c.limiter = l
	c.limiterQuota = perSecond
}

// doPublic performs an unsigned GET request against path with the given query
// parameters.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: create request: %w", err)
	}

	return c.send(req)
}

// doSigned performs a signed request. The timestamp, recvWindow, and
// signature parameters are appended to params; for GET/DELETE they travel in
// the query string, for POST/PUT in the form body.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("binance: signed request %s %s without credentials: %w", method, path, domain.ErrRejected)
	}

	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, "binance:rest", c.limiterQuota, time.Second)
		if err != nil {
			c.logger.Warn("rate limiter unavailable, proceeding", slog.String("error", err.Error()))
		} else if !ok {
			return nil, fmt.Errorf("binance: local throttle: %w", domain.ErrRateLimited)
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(c.recvWindow))

	payload := params.Encode()
	signed := payload + "&signature=" + c.signer.Sign(payload)

	var req *http.Request
	var err error
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+signed, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(signed))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binance: create request: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", c.signer.Key)

	return c.send(req)
}

// send executes the request and maps failures onto the domain error taxonomy.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Propagate unchanged so callers can detect the unknown-outcome case.
			return nil, err
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("binance: request timeout: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("binance: %v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance: read response: %w", domain.ErrTransient)
	}

	if err := c.checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkStatus maps non-2xx responses onto the domain error taxonomy.
//
//   - 429 and 418 (IP auto-ban) are rate limits.
//   - 5xx and the recvWindow violation are transient.
//   - Unknown-order codes map to ErrNotFound.
//   - Everything else in the 4xx range is a hard rejection.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot || apiErr.Code == codeTooManyRequests:
		return fmt.Errorf("binance: code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrRateLimited)
	case statusCode >= 500:
		return fmt.Errorf("binance: HTTP %d: %s: %w", statusCode, apiErr.Msg, domain.ErrTransient)
	case apiErr.Code == codeUnknownOrder || apiErr.Code == codeNoSuchOrder:
		return fmt.Errorf("binance: code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrNotFound)
	case apiErr.Code == codeTimestampOutside:
		return fmt.Errorf("binance: code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrTransient)
	default:
		return fmt.Errorf("binance: HTTP %d code %d: %s: %w", statusCode, apiErr.Code, apiErr.Msg, domain.ErrRejected)
	}
}
