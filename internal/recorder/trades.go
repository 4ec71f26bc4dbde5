package recorder

import (
	"math"
	"time"

	"github.com/tradeforge/levscan/internal/engine"
	"github.com/tradeforge/levscan/internal/market"
)

// TradeResult is the post-hoc exit simulation for one signal. This is the
// only place candle data past the evaluation timestamp is read: the entry
// decision is already made, the simulation is diagnostics.
type TradeResult struct {
	Signal    *engine.Signal `json:"signal"`
	ExitPrice float64        `json:"exit_price"`
	ExitTime  time.Time      `json:"exit_time"`
	ReturnPct float64        `json:"return_pct"` // leveraged return on equity
	Win       bool           `json:"win"`
}

// SimulateTrades walks each signal forward through the series until its stop
// or take-profit is hit; open positions at series end close at the last
// close. Stops are checked before takes inside one candle.
func SimulateTrades(data *market.PreparedData, signals []*engine.Signal) []TradeResult {
	candles := data.AsOf(data.End()).Candles()
	results := make([]TradeResult, 0, len(signals))

	for _, sig := range signals {
		rec := sig.Recommendation
		entry := rec.EntryPrice
		result := TradeResult{Signal: sig}

		exited := false
		for _, c := range candles {
			if !c.Timestamp.After(sig.Timestamp) {
				continue
			}
			if c.Low <= rec.StopLoss {
				result.ExitPrice = rec.StopLoss
				result.ExitTime = c.Timestamp
				exited = true
				break
			}
			if c.High >= rec.TakeProfit {
				result.ExitPrice = rec.TakeProfit
				result.ExitTime = c.Timestamp
				exited = true
				break
			}
		}
		if !exited {
			last := candles[len(candles)-1]
			result.ExitPrice = last.Close
			result.ExitTime = last.Timestamp
		}

		result.ReturnPct = (result.ExitPrice - entry) / entry * rec.Leverage * 100
		result.Win = result.ReturnPct > 0
		results = append(results, result)
	}
	return results
}

// TradeStats are the aggregate metrics derived from simulated trades
type TradeStats struct {
	WinRate      float64
	SharpeRatio  float64
	MaxDrawdown  float64 // peak-to-trough equity fraction, 0..1
	AvgLeverage  float64
	Wins         int
	Losses       int
	AvgWin       float64 // mean winning return, pct
	AvgLoss      float64 // mean losing return, pct (negative)
	ProfitFactor float64
}

// ComputeTradeStats folds simulated trades into the task-level metrics
func ComputeTradeStats(trades []TradeResult) TradeStats {
	var stats TradeStats
	if len(trades) == 0 {
		return stats
	}

	var totalWin, totalLoss, leverageSum float64
	returns := make([]float64, 0, len(trades))
	for _, tr := range trades {
		returns = append(returns, tr.ReturnPct)
		leverageSum += tr.Signal.Recommendation.Leverage
		if tr.Win {
			stats.Wins++
			totalWin += tr.ReturnPct
		} else {
			stats.Losses++
			totalLoss += tr.ReturnPct
		}
	}

	stats.WinRate = float64(stats.Wins) / float64(len(trades))
	stats.AvgLeverage = leverageSum / float64(len(trades))
	if stats.Wins > 0 {
		stats.AvgWin = totalWin / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = totalLoss / float64(stats.Losses)
	}
	if totalLoss != 0 {
		stats.ProfitFactor = totalWin / math.Abs(totalLoss)
	} else if totalWin > 0 {
		stats.ProfitFactor = math.Inf(1)
	}

	stats.SharpeRatio = sharpe(returns)
	stats.MaxDrawdown = maxDrawdown(returns)
	return stats
}

// sharpe is the per-trade Sharpe ratio: mean over standard deviation of the
// leveraged returns, without annualization
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// maxDrawdown compounds the trade returns into an equity curve and returns
// the deepest peak-to-trough fraction
func maxDrawdown(returns []float64) float64 {
	equity := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		equity *= 1 + r/100
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}
