package reporter

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Metrics are the performance figures computed from one backtest run.
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	BuyTrades        int
	SellTrades       int
	TotalFees        float64
	MaxDrawdown      float64
	StartTime        time.Time
	EndTime          time.Time
}

// Calculate derives the run metrics from the simulated venue's final state.
func Calculate(sim *exchange.BacktestExchange, initialBalance float64, start, end time.Time) *Metrics {
	m := &Metrics{
		InitialBalance: initialBalance,
		FinalBalance:   sim.Equity(),
		TotalTrades:    len(sim.TradeLog),
		TotalFees:      sim.TotalFees,
		StartTime:      start,
		EndTime:        end,
	}

	for _, trade := range sim.TradeLog {
		if trade.Side == models.Buy {
			m.BuyTrades++
		} else {
			m.SellTrades++
		}
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialBalance * 100
	}
	m.MaxDrawdown = maxDrawdown(sim.EquityCurve) * 100
	return m
}

// Render prints the run report as a table on stdout.
func Render(m *Metrics, runID, symbol, dataPath string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Backtest Report  %s", runID)

	t.AppendRows([]table.Row{
		{"Symbol", symbol},
		{"Data file", dataPath},
		{"Period", fmt.Sprintf("%s to %s",
			m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Initial balance", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"Final balance", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"Total profit", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"Return", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Total trades", m.TotalTrades},
		{"Buys", m.BuyTrades},
		{"Sells", m.SellTrades},
		{"Total fees", fmt.Sprintf("%.4f USDT", m.TotalFees)},
	})

	t.Render()
}

func maxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0
	}
	peak := equityCurve[0]
	worst := 0.0
	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
