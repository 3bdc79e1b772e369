package shared

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// Candlestick represents a unit OHLCV candlestick for a market.
type Candlestick struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Valid asserts the candlestick has well-formed price components. Candles
// with zero, NaN or infinite prices are dropped before reaching user code.
func (c *Candlestick) Valid() bool {
	prices := []float64{c.Open, c.High, c.Low, c.Close}
	for idx := range prices {
		if prices[idx] == 0 || math.IsNaN(prices[idx]) || math.IsInf(prices[idx], 0) {
			return false
		}
	}

	return true
}

// Date returns the candlestick timestamp as a time.
func (c *Candlestick) Date() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// TypicalPrice returns the typical price of the candlestick, used for
// volume weighted averages.
func (c *Candlestick) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Touches asserts the provided price falls within the candle range.
func (c *Candlestick) Touches(price float64) bool {
	return price >= c.Low && price <= c.High
}

// SortCandlesticks sorts the provided candles ascending by timestamp.
func SortCandlesticks(candles []Candlestick) {
	slices.SortFunc(candles, func(a, b Candlestick) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
}

// FilterCandlesticks returns candles that are valid and not newer than the
// provided timestamp. A non-positive timestamp disables the temporal clamp.
func FilterCandlesticks(candles []Candlestick, maxTimestamp int64) []Candlestick {
	filtered := make([]Candlestick, 0, len(candles))
	for idx := range candles {
		if !candles[idx].Valid() {
			continue
		}
		if maxTimestamp > 0 && candles[idx].Timestamp > maxTimestamp {
			continue
		}

		filtered = append(filtered, candles[idx])
	}

	return filtered
}

// ParseCandlesticks parses candlesticks from the provided json data.
func ParseCandlesticks(data []gjson.Result) ([]Candlestick, error) {
	candles := make([]Candlestick, 0, len(data))

	for idx := range data {
		var candle Candlestick

		candle.Open = data[idx].Get("open").Float()
		candle.Low = data[idx].Get("low").Float()
		candle.High = data[idx].Get("high").Float()
		candle.Close = data[idx].Get("close").Float()
		candle.Volume = data[idx].Get("volume").Float()

		ts := data[idx].Get("timestamp")
		if !ts.Exists() {
			return nil, fmt.Errorf("candlestick %d is missing a timestamp", idx)
		}

		candle.Timestamp = ts.Int()
		candles = append(candles, candle)
	}

	SortCandlesticks(candles)

	return candles, nil
}
