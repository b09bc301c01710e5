package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/portfolio"
	"github.com/aristath/quantd/internal/strategy"
)

// Config declares one engine run
type Config struct {
	Strategy  strategy.Strategy
	Keys      []domain.Key
	Manager   *portfolio.Manager
	Source    DataSource
	Progress  *ProgressTracker // optional
	SignalLog func(domain.Signal)
}

// Engine drives one strategy over a data source, fills its signals
// through the portfolio manager and records the equity curve. Signals
// flow through a direct sink on the tracker, so fills happen
// synchronously at the signal price within the same tick.
type Engine struct {
	cfg     Config
	tracker *strategy.Tracker
	log     zerolog.Logger

	lastBar   map[string]domain.Bar
	lastInd   map[string]domain.IndicatorRecord
	curve     []EquityPoint
	timeframe domain.Timeframe
}

// New creates an engine. The tracker is driven directly, never through
// a bus runner, so signals fill synchronously.
func New(cfg Config, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Str("strategy", cfg.Strategy.Name()).Logger(),
		lastBar: make(map[string]domain.Bar),
		lastInd: make(map[string]domain.IndicatorRecord),
	}
	if len(cfg.Keys) > 0 {
		e.timeframe = cfg.Keys[0].Timeframe
	}

	tracker, _ := strategy.NewTracker(cfg.Strategy, cfg.Keys, nil, nil, log,
		strategy.WithSink(e.handleSignal))
	e.tracker = tracker
	return e
}

// Run consumes the source until it ends or ctx is cancelled, then
// closes any remaining positions at the last seen price
func (e *Engine) Run(ctx context.Context) (*Results, error) {
	stream, err := e.cfg.Source.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open data stream: %w", err)
	}

	e.log.Info().Int("points", e.cfg.Source.TotalPoints()).Msg("engine run started")

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case p, ok := <-stream:
			if !ok {
				break loop
			}
			e.processPoint(ctx, p)
			if e.cfg.Progress != nil {
				e.cfg.Progress.Update(1)
			}
		}
	}

	e.closeAll()
	return e.results(), nil
}

func (e *Engine) processPoint(ctx context.Context, p Point) {
	switch {
	case p.Bar != nil:
		bar := *p.Bar
		e.lastBar[bar.Symbol] = bar
		e.cfg.Manager.MarkWatermarks(bar.Symbol, bar.High, bar.Low)
		e.tracker.OnBar(ctx, bar)
		e.recordEquity(bar.Timestamp)
	case p.Ind != nil:
		ind := *p.Ind
		e.lastInd[ind.Symbol] = ind
		e.tracker.OnIndicator(ctx, ind)
	}
}

// handleSignal is the tracker's direct sink: fills execute at the
// signal price
func (e *Engine) handleSignal(sig domain.Signal) {
	if e.cfg.SignalLog != nil {
		e.cfg.SignalLog(sig)
	}

	switch sig.Action {
	case domain.ActionOpen:
		bar := e.lastBar[sig.Symbol]
		ind := e.lastInd[sig.Symbol]
		if _, ok := e.cfg.Manager.Open(sig, ind, bar); !ok {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("entry rejected by risk limits")
		}
	case domain.ActionClose:
		if _, ok := e.cfg.Manager.Close(sig.Symbol, sig.Price, sig.Timestamp, sig.Reason); !ok {
			e.log.Debug().Str("symbol", sig.Symbol).Msg("close without booked position")
		}
	}
}

// closeAll liquidates remaining positions at the last seen close
func (e *Engine) closeAll() {
	for _, pos := range e.cfg.Manager.Positions() {
		price := pos.EntryPrice
		ts := pos.EntryTime
		if bar, ok := e.lastBar[pos.Symbol]; ok {
			price = bar.Close
			ts = bar.Timestamp
		}
		e.cfg.Manager.Close(pos.Symbol, price, ts, "end of data")
	}
	if len(e.lastBar) > 0 {
		var last int64
		for _, bar := range e.lastBar {
			if bar.Timestamp > last {
				last = bar.Timestamp
			}
		}
		e.recordEquity(last)
	}
}

func (e *Engine) recordEquity(ts int64) {
	prices := make(map[string]float64, len(e.lastBar))
	for sym, bar := range e.lastBar {
		prices[sym] = bar.Close
	}
	equity, _ := e.cfg.Manager.Valuation(prices)

	st := e.cfg.Manager.Status()
	e.curve = append(e.curve, EquityPoint{
		Timestamp: ts,
		Equity:    equity,
		PnL:       equity - st.InitialBalance,
		PnLPct:    (equity - st.InitialBalance) / st.InitialBalance,
	})
}

func (e *Engine) results() *Results {
	st := e.cfg.Manager.Status()
	trades := e.cfg.Manager.Trades()

	var realized float64
	for _, t := range trades {
		realized += t.PnL
	}

	symbols := make([]string, 0, len(e.cfg.Keys))
	for _, key := range e.cfg.Keys {
		symbols = append(symbols, key.Symbol)
	}

	return &Results{
		Strategy:       e.cfg.Strategy.Name(),
		Symbols:        symbols,
		Timeframe:      e.timeframe,
		InitialBalance: st.InitialBalance,
		FinalEquity:    st.Equity,
		RealizedPnL:    realized,
		TotalPnLPct:    (st.Equity - st.InitialBalance) / st.InitialBalance,
		Stats:          computeStats(trades, e.curve),
		Trades:         trades,
		EquityCurve:    e.curve,
	}
}
