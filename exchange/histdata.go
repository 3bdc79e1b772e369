package exchange

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// HistoricDataConfig represents the historic data exchange configuration.
type HistoricDataConfig struct {
	// Name is the exchange schema name to register under.
	Name string
	// FilePath is the filepath to the historic market data.
	FilePath string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// HistoricData serves candles for one symbol from a JSON data file, keyed
// by interval. The expected shape is:
//
//	{"symbol": "BTCUSDT", "1m": [{...}], "5m": [{...}], "1h": [{...}]}
//
// where each candle carries timestamp (unix ms), open, high, low, close and
// volume fields. It backs backtests that run without a live venue.
type HistoricData struct {
	cfg     *HistoricDataConfig
	symbol  string
	candles map[shared.Interval][]shared.Candlestick
}

// NewHistoricData loads and indexes the provided historic data file.
func NewHistoricData(cfg *HistoricDataConfig) (*HistoricData, error) {
	readb, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("reading historic data from file with path '%s': %w", cfg.FilePath, err)
	}

	b := gjson.ParseBytes(readb)
	symbol := b.Get("symbol").String()
	if symbol == "" {
		return nil, fmt.Errorf("historic data file '%s' declares no symbol", cfg.FilePath)
	}

	hd := &HistoricData{
		cfg:     cfg,
		symbol:  symbol,
		candles: make(map[shared.Interval][]shared.Candlestick),
	}

	intervals := []shared.Interval{shared.OneMinute, shared.ThreeMinute, shared.FiveMinute,
		shared.FifteenMinute, shared.ThirtyMinute, shared.OneHour}
	for idx := range intervals {
		interval := intervals[idx]

		data := b.Get(interval.String()).Array()
		if len(data) == 0 {
			continue
		}

		candles, err := shared.ParseCandlesticks(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s candlesticks: %w", interval.String(), err)
		}

		hd.candles[interval] = candles
	}

	if len(hd.candles) == 0 {
		return nil, fmt.Errorf("historic data file '%s' carries no candles", cfg.FilePath)
	}

	return hd, nil
}

// Symbol returns the symbol served by the data file.
func (h *HistoricData) Symbol() string {
	return h.symbol
}

// Range returns the first and last timestamps of the provided interval.
func (h *HistoricData) Range(interval shared.Interval) (int64, int64, bool) {
	candles := h.candles[interval]
	if len(candles) == 0 {
		return 0, 0, false
	}

	return candles[0].Timestamp, candles[len(candles)-1].Timestamp, true
}

// FetchCandles serves candles from the indexed data, starting at since and
// capped at limit entries.
func (h *HistoricData) FetchCandles(_ context.Context, symbol string, interval shared.Interval, since int64, limit int) ([]shared.Candlestick, error) {
	if symbol != h.symbol {
		return nil, fmt.Errorf("historic data serves %s, not %s", h.symbol, symbol)
	}

	candles, ok := h.candles[interval]
	if !ok {
		return nil, fmt.Errorf("historic data has no %s candles for %s", interval.String(), symbol)
	}

	start := sort.Search(len(candles), func(idx int) bool {
		return candles[idx].Timestamp >= since
	})

	end := start + limit
	if limit <= 0 || end > len(candles) {
		end = len(candles)
	}

	out := make([]shared.Candlestick, end-start)
	copy(out, candles[start:end])

	return out, nil
}

// Schema returns an exchange schema backed by the historic data.
func (h *HistoricData) Schema() *shared.ExchangeSchema {
	return &shared.ExchangeSchema{
		Name:         h.cfg.Name,
		FetchCandles: h.FetchCandles,
	}
}
