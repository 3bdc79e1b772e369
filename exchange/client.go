// Package exchange implements candle retrieval on top of a host supplied
// exchange schema. The client enforces temporal isolation (no candle newer
// than the evaluation instant is ever visible), drops malformed candles,
// retries transient fetch failures behind a circuit breaker and derives
// average prices as a volume weighted average of recent one-minute candles.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	// breakerMaxRequests is the number of probe requests allowed through a
	// half-open breaker.
	breakerMaxRequests = 2
	// breakerInterval is the closed-state counter reset cycle.
	breakerInterval = time.Minute
	// breakerTimeout is how long an open breaker stays open.
	breakerTimeout = 30 * time.Second
	// defaultPriceDecimals is the display precision used when the schema
	// provides no price formatter.
	defaultPriceDecimals = 2
	// defaultQuantityDecimals is the display precision used when the schema
	// provides no quantity formatter.
	defaultQuantityDecimals = 8
)

// bufferKey identifies one per-symbol candle buffer.
type bufferKey struct {
	symbol   string
	interval shared.Interval
}

// ClientConfig represents the exchange client configuration.
type ClientConfig struct {
	// Schema is the registered exchange schema.
	Schema *shared.ExchangeSchema
	// Params are the engine parameters.
	Params *shared.Params
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Client delivers OHLCV candles and price precision for one exchange.
type Client struct {
	cfg     *ClientConfig
	breaker *gobreaker.CircuitBreaker

	buffersMtx sync.RWMutex
	buffers    map[bufferKey][]shared.Candlestick
}

// NewClient initializes an exchange client for the provided schema.
func NewClient(cfg *ClientConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s-candles", cfg.Schema.Name),
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
	})

	return &Client{
		cfg:     cfg,
		breaker: breaker,
		buffers: make(map[bufferKey][]shared.Candlestick),
	}
}

// Name returns the exchange name.
func (c *Client) Name() string {
	return c.cfg.Schema.Name
}

// fetch retrieves candles from the schema with bounded retries behind the
// circuit breaker. Transient failures retry with a fixed delay; terminal
// failures wrap shared.ErrCandleFetch.
func (c *Client) fetch(ctx context.Context, symbol string, interval shared.Interval, since int64, limit int) ([]shared.Candlestick, error) {
	retries := c.cfg.Params.FetchRetries()
	delay := c.cfg.Params.RetryDelay()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		fetched, err := c.breaker.Execute(func() (any, error) {
			return c.cfg.Schema.FetchCandles(ctx, symbol, interval, since, limit)
		})
		if err == nil {
			candles, _ := fetched.([]shared.Candlestick)
			return candles, nil
		}

		lastErr = err
		c.cfg.Logger.Warn().Msgf("fetch attempt %d/%d for %s %s failed: %v",
			attempt+1, retries+1, symbol, interval.String(), err)
	}

	return nil, fmt.Errorf("%w: %s %s after %d attempts: %v",
		shared.ErrCandleFetch, symbol, interval.String(), retries+1, lastErr)
}

// updateBuffer replaces the shared per-symbol buffer with the latest fetch.
func (c *Client) updateBuffer(symbol string, interval shared.Interval, candles []shared.Candlestick) {
	c.buffersMtx.Lock()
	c.buffers[bufferKey{symbol: symbol, interval: interval}] = candles
	c.buffersMtx.Unlock()
}

// BufferedCandles returns a copy of the last fetched candles for the
// provided symbol and interval.
func (c *Client) BufferedCandles(symbol string, interval shared.Interval) []shared.Candlestick {
	c.buffersMtx.RLock()
	defer c.buffersMtx.RUnlock()

	buffered := c.buffers[bufferKey{symbol: symbol, interval: interval}]
	candles := make([]shared.Candlestick, len(buffered))
	copy(candles, buffered)

	return candles
}

// Candles fetches up to limit candles ending at the evaluation instant.
// Candles newer than the instant and candles with malformed prices are
// filtered out before reaching user code.
func (c *Client) Candles(ctx context.Context, ectx shared.Context, symbol string, interval shared.Interval, limit int) ([]shared.Candlestick, error) {
	since := ectx.When - int64(limit)*interval.Milliseconds()

	candles, err := c.fetch(ctx, symbol, interval, since, limit)
	if err != nil {
		return nil, err
	}

	candles = shared.FilterCandlesticks(candles, ectx.When)
	shared.SortCandlesticks(candles)
	c.updateBuffer(symbol, interval, candles)

	if c.cfg.Schema.Callbacks.OnCandleData != nil {
		c.cfg.Schema.Callbacks.OnCandleData(symbol, interval, candles)
	}

	return candles, nil
}

// NextCandles fetches up to limit candles starting at the evaluation
// instant. Only meaningful for the backtest fast-fold; live callers get a
// typed error.
func (c *Client) NextCandles(ctx context.Context, ectx shared.Context, symbol string, interval shared.Interval, limit int) ([]shared.Candlestick, error) {
	if !ectx.Backtest {
		return nil, shared.ErrBacktestOnly
	}

	candles, err := c.fetch(ctx, symbol, interval, ectx.When, limit)
	if err != nil {
		return nil, err
	}

	candles = shared.FilterCandlesticks(candles, 0)
	shared.SortCandlesticks(candles)

	return candles, nil
}

// AveragePrice returns the volume weighted average price of the most recent
// one-minute candles at the evaluation instant.
func (c *Client) AveragePrice(ctx context.Context, ectx shared.Context, symbol string) (float64, error) {
	count := c.cfg.Params.VWAPCandleCount()

	candles, err := c.Candles(ctx, ectx, symbol, shared.OneMinute, count)
	if err != nil {
		return 0, err
	}

	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}

	return shared.VWAP(candles)
}

// FormatPrice renders the provided price, delegating to the schema when it
// declares a formatter.
func (c *Client) FormatPrice(symbol string, price float64) string {
	if c.cfg.Schema.FormatPrice != nil {
		return c.cfg.Schema.FormatPrice(symbol, price)
	}

	return decimal.NewFromFloat(price).Round(defaultPriceDecimals).String()
}

// FormatQuantity renders the provided quantity, delegating to the schema
// when it declares a formatter.
func (c *Client) FormatQuantity(symbol string, quantity float64) string {
	if c.cfg.Schema.FormatQuantity != nil {
		return c.cfg.Schema.FormatQuantity(symbol, quantity)
	}

	return decimal.NewFromFloat(quantity).Round(defaultQuantityDecimals).String()
}
