package shared

// VWAP computes the volume weighted average price of the provided candles:
// sum(typical price * volume) / sum(volume). ErrNoLiquidity is returned when
// the candles carry no volume.
func VWAP(candles []Candlestick) (float64, error) {
	var typicalPriceVolume, volume float64
	for idx := range candles {
		typicalPriceVolume += candles[idx].TypicalPrice() * candles[idx].Volume
		volume += candles[idx].Volume
	}

	if volume == 0 {
		return 0, ErrNoLiquidity
	}

	return typicalPriceVolume / volume, nil
}

// RollingVWAP computes the VWAP of the last size candles ending at the
// provided index of the buffer. It backs the backtest fast-fold, which
// derives average prices from the prefetched buffer instead of re-fetching.
func RollingVWAP(candles []Candlestick, end int, size int) (float64, error) {
	if end >= len(candles) {
		end = len(candles) - 1
	}
	if end < 0 {
		return 0, ErrNoLiquidity
	}

	start := end - size + 1
	if start < 0 {
		start = 0
	}

	return VWAP(candles[start : end+1])
}
