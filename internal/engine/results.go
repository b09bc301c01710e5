package engine

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/quantd/internal/domain"
)

// EquityPoint is one sample of the equity curve, recorded per bar
type EquityPoint struct {
	Timestamp int64   `json:"timestamp"`
	Equity    float64 `json:"equity"`
	PnL       float64 `json:"pnl"`
	PnLPct    float64 `json:"pnl_pct"`
}

// Stats summarizes the closed trades of a run
type Stats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	WinLossRatio  float64 `json:"win_loss_ratio"`
	ProfitFactor  float64 `json:"profit_factor"`
	MaxWin        float64 `json:"max_win"`
	MaxLoss       float64 `json:"max_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
}

// Results is the full outcome of a run
type Results struct {
	Strategy       string           `json:"strategy"`
	Symbols        []string         `json:"symbols"`
	Timeframe      domain.Timeframe `json:"timeframe"`
	InitialBalance float64          `json:"initial_balance"`
	FinalEquity    float64          `json:"final_equity"`
	RealizedPnL    float64          `json:"realized_pnl"`
	TotalPnLPct    float64          `json:"total_pnl_pct"`
	Stats          Stats            `json:"statistics"`
	Trades         []domain.Trade   `json:"trades"`
	EquityCurve    []EquityPoint    `json:"equity_curve"`
}

// computeStats derives trade statistics and curve-based drawdown
func computeStats(trades []domain.Trade, curve []EquityPoint) Stats {
	s := Stats{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return s
	}

	var grossWin, grossLoss, maxWin, maxLoss float64
	for _, t := range trades {
		if t.PnL > 0 {
			s.WinningTrades++
			grossWin += t.PnL
		} else {
			s.LosingTrades++
			grossLoss += -t.PnL
		}
		if t.PnL > maxWin {
			maxWin = t.PnL
		}
		if t.PnL < maxLoss {
			maxLoss = t.PnL
		}
	}
	s.MaxWin = maxWin
	s.MaxLoss = maxLoss
	s.WinRate = float64(s.WinningTrades) / float64(len(trades))

	if s.WinningTrades > 0 {
		s.AvgWin = grossWin / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = -grossLoss / float64(s.LosingTrades)
	}
	if s.AvgLoss != 0 {
		s.WinLossRatio = math.Abs(s.AvgWin / s.AvgLoss)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}

	s.MaxDrawdown = maxDrawdown(curve)
	s.SharpeRatio = sharpeRatio(trades)
	return s
}

// maxDrawdown is the largest peak-to-trough equity decline
func maxDrawdown(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}

	peak := curve[0].Equity
	var maxDD float64
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeRatio annualizes the per-trade return Sharpe assuming daily
// trading and a zero risk-free rate
func sharpeRatio(trades []domain.Trade) float64 {
	if len(trades) < 2 {
		return 0
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		if t.USDAmount > 0 {
			returns[i] = t.PnL / t.USDAmount
		}
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(252)
}
