package shared

// GrossPercent returns the raw percentage change between the fill and close
// prices for the provided direction, as a fraction.
func GrossPercent(direction Direction, open float64, close float64) float64 {
	switch direction {
	case Short:
		return (open - close) / open
	default:
		return (close - open) / open
	}
}

// NetPercent applies slippage and fees symmetrically to both sides of the
// round trip: a long enters at open*(1+cost) and exits at close*(1-cost),
// mirrored for shorts. For a flat round trip the net is -2*(slippage+fee).
func NetPercent(direction Direction, open float64, close float64, slippage float64, fee float64) float64 {
	cost := slippage + fee

	switch direction {
	case Short:
		entry := open * (1 - cost)
		exit := close * (1 + cost)
		return (entry - exit) / open
	default:
		entry := open * (1 + cost)
		exit := close * (1 - cost)
		return (exit - entry) / open
	}
}

// SignalPnL computes the gross and net percentages for the provided signal
// at the given close price.
func SignalPnL(signal *Signal, closePrice float64, params *Params) PnL {
	return PnL{
		GrossPercent: GrossPercent(signal.Direction, signal.Open, closePrice) * 100,
		NetPercent:   NetPercent(signal.Direction, signal.Open, closePrice, params.Slippage(), params.Fee()) * 100,
	}
}

// RevenuePercent returns the signed unrealized percentage for the provided
// signal at the current price, fees excluded. Partial milestone levels are
// driven off this value.
func RevenuePercent(signal *Signal, currentPrice float64) float64 {
	if signal.Open == 0 {
		return 0
	}

	return GrossPercent(signal.Direction, signal.Open, currentPrice) * 100
}
