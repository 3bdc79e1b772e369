// Package report accumulates terminal signal results into per-pair ring
// buffers and renders aggregate performance statistics.
package report

import (
	"math"

	"github.com/dnldd/pulse/shared"
)

// Metric names selectable for walker comparisons.
const (
	SharpeMetric  = "sharpe"
	NetMetric     = "net"
	WinRateMetric = "winrate"
)

// Stats summarizes a set of terminal signal results.
type Stats struct {
	Trades             int     `json:"trades"`
	Wins               int     `json:"wins"`
	Losses             int     `json:"losses"`
	Cancelled          int     `json:"cancelled"`
	WinRatePercent     float64 `json:"winRatePercent"`
	GrossTotalPercent  float64 `json:"grossTotalPercent"`
	NetTotalPercent    float64 `json:"netTotalPercent"`
	Sharpe             float64 `json:"sharpe"`
	MaxDrawdownPercent float64 `json:"maxDrawdownPercent"`
}

// nets extracts the net percentages of the closed results.
func nets(results []shared.TickResult) []float64 {
	out := make([]float64, 0, len(results))
	for idx := range results {
		if results[idx].Action == shared.Closed && results[idx].PnL != nil {
			out = append(out, results[idx].PnL.NetPercent)
		}
	}

	return out
}

// ComputeStats derives aggregate statistics from the provided results.
func ComputeStats(results []shared.TickResult) Stats {
	var stats Stats

	returns := make([]float64, 0, len(results))
	for idx := range results {
		result := results[idx]
		switch result.Action {
		case shared.Cancelled:
			stats.Cancelled++
		case shared.Closed:
			if result.PnL == nil {
				continue
			}

			stats.Trades++
			if result.PnL.NetPercent > 0 {
				stats.Wins++
			} else {
				stats.Losses++
			}

			stats.GrossTotalPercent += result.PnL.GrossPercent
			stats.NetTotalPercent += result.PnL.NetPercent
			returns = append(returns, result.PnL.NetPercent)
		}
	}

	if stats.Trades > 0 {
		stats.WinRatePercent = float64(stats.Wins) / float64(stats.Trades) * 100
	}
	stats.Sharpe = sharpeOf(returns)
	stats.MaxDrawdownPercent = maxDrawdown(returns)

	return stats
}

// sharpeOf computes the sharpe ratio of the provided per-trade returns as
// mean over population standard deviation. Fewer than two trades, or a zero
// deviation, yield zero.
func sharpeOf(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for idx := range returns {
		sum += returns[idx]
	}
	mean := sum / float64(len(returns))

	var variance float64
	for idx := range returns {
		diff := returns[idx] - mean
		variance += diff * diff
	}
	variance /= float64(len(returns))

	if variance == 0 {
		return 0
	}

	return mean / math.Sqrt(variance)
}

// maxDrawdown computes the largest peak to trough fall of the cumulative
// return series, reported as a positive percentage.
func maxDrawdown(returns []float64) float64 {
	var cumulative, peak, drawdown float64
	for idx := range returns {
		cumulative += returns[idx]
		if cumulative > peak {
			peak = cumulative
		}
		if dip := peak - cumulative; dip > drawdown {
			drawdown = dip
		}
	}

	return drawdown
}

// MetricValue resolves the named walker metric from the provided results.
// Unknown or empty names fall back to the sharpe ratio.
func MetricValue(metric string, results []shared.TickResult) float64 {
	stats := ComputeStats(results)

	switch metric {
	case NetMetric:
		return stats.NetTotalPercent
	case WinRateMetric:
		return stats.WinRatePercent
	default:
		return stats.Sharpe
	}
}
