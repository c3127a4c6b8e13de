// Package retry wraps broker close orders with bounded, jittered retries.
// Closing a fly is the one operation worth fighting for: a failed entry can
// simply be skipped, a failed exit leaves live risk on the book.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meetsang/spx-bot/internal/broker"
	"github.com/meetsang/spx-bot/internal/models"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// CloseFlyWithRetry places a close order for the fly, retrying transient
// broker failures with growing jittered backoff until the order is accepted,
// the attempts are exhausted, or the context ends.
func (c *Client) CloseFlyWithRetry(
	ctx context.Context,
	fly *models.Fly,
	maxDebit decimal.Decimal,
) (*broker.OrderResponse, error) {
	closeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-closeCtx.Done():
			return nil, fmt.Errorf("close operation timed out after %v: %w", c.config.Timeout, closeCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("Close attempt %d/%d for fly %s", attempt+1, c.config.MaxRetries+1, fly.BodyKey())

		resp, err := c.broker.CloseFlyOrder(closeCtx, fly, maxDebit)
		if err == nil {
			c.logger.Printf("Close order placed successfully on attempt %d: %s", attempt+1, resp.ID)
			return resp, nil
		}

		lastErr = err
		c.logger.Printf("Close attempt %d failed: %v", attempt+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-closeCtx.Done():
				return nil, fmt.Errorf("close operation timed out during backoff: %w", closeCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return nil, fmt.Errorf("failed to close fly %s after %d attempts: %w", fly.BodyKey(), c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
