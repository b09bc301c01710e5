package portfolio

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/domain"
)

// Limits are the manager's risk parameters
type Limits struct {
	MaxPositions   int     // concurrent open positions
	MaxExposurePct float64 // total committed capital as a fraction of equity
	SingleMaxPct   float64 // one position's cap as a fraction of equity
}

// Manager books positions for one account: it sizes entries through
// the configured sizer, enforces the risk limits and tracks cash.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	initialBalance float64
	cash           float64
	sizer          Sizer
	limits         Limits

	positions map[string]*domain.Position
	trades    []domain.Trade

	log zerolog.Logger
}

// NewManager creates a manager with the given starting balance
func NewManager(initialBalance float64, sizer Sizer, limits Limits, log zerolog.Logger) *Manager {
	if limits.MaxPositions <= 0 {
		limits.MaxPositions = 3
	}
	if limits.MaxExposurePct <= 0 {
		limits.MaxExposurePct = 0.8
	}
	if limits.SingleMaxPct <= 0 {
		limits.SingleMaxPct = 0.5
	}
	return &Manager{
		initialBalance: initialBalance,
		cash:           initialBalance,
		sizer:          sizer,
		limits:         limits,
		positions:      make(map[string]*domain.Position),
		log:            log.With().Str("component", "portfolio").Logger(),
	}
}

// Open sizes and books a position for an entry signal. It returns
// false when a risk limit rejects the order: position count exhausted,
// or the exposure headroom is below half of the computed size.
func (m *Manager) Open(sig domain.Signal, ind domain.IndicatorRecord, bar domain.Bar) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.positions[sig.Symbol]; held {
		m.log.Warn().Str("symbol", sig.Symbol).Msg("position already open")
		return domain.Position{}, false
	}
	if len(m.positions) >= m.limits.MaxPositions {
		m.log.Warn().Int("max", m.limits.MaxPositions).Msg("max positions reached")
		return domain.Position{}, false
	}

	equity := m.equityLocked()
	exposure := m.exposureLocked()

	size := m.sizer.Size(sig, ind, equity, exposure)

	if max := equity * m.limits.SingleMaxPct; size > max {
		size = max
	}

	if maxExposure := equity * m.limits.MaxExposurePct; exposure+size > maxExposure {
		available := maxExposure - exposure
		if available < size*0.5 {
			m.log.Warn().
				Float64("available", available).
				Float64("size", size).
				Msg("insufficient exposure capacity")
			return domain.Position{}, false
		}
		size = available
	}

	if size <= 0 || sig.Price <= 0 {
		return domain.Position{}, false
	}

	pos := &domain.Position{
		Strategy:      sig.Strategy,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      size / sig.Price,
		USDAmount:     size,
		EntryPrice:    sig.Price,
		EntryTime:     sig.Timestamp,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		HighWatermark: bar.High,
		LowWatermark:  bar.Low,
	}
	m.positions[sig.Symbol] = pos
	m.cash -= size

	m.log.Info().
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("qty", pos.Quantity).
		Float64("usd", pos.USDAmount).
		Float64("cash", m.cash).
		Msg("position opened")

	return *pos, true
}

// Close books the exit for symbol at exitPrice and records the trade.
// Returns false when no position is held.
func (m *Manager) Close(symbol string, exitPrice float64, exitTime int64, reason string) (domain.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		m.log.Warn().Str("symbol", symbol).Msg("close for unknown position")
		return domain.Trade{}, false
	}

	pnl := pos.UnrealizedPnL(exitPrice)
	m.cash += pos.USDAmount + pnl
	delete(m.positions, symbol)

	trade := domain.Trade{
		Strategy:   pos.Strategy,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		USDAmount:  pos.USDAmount,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.EntryTime,
		ExitTime:   exitTime,
		PnL:        pnl,
		Reason:     reason,
	}
	m.trades = append(m.trades, trade)

	m.log.Info().
		Str("symbol", symbol).
		Float64("pnl", pnl).
		Float64("cash", m.cash).
		Msg("position closed")

	return trade, true
}

// MarkWatermarks widens the watermarks of an open position with the
// latest bar extremes
func (m *Manager) MarkWatermarks(symbol string, high, low float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[symbol]; ok {
		pos.UpdateWatermarks(high, low)
	}
}

// Position returns a copy of the open position for symbol
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions
func (m *Manager) Positions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Trades returns the closed trades in booking order
func (m *Manager) Trades() []domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Trade(nil), m.trades...)
}

// Cash returns the uncommitted balance
func (m *Manager) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// Equity values the account at entry prices: cash plus committed
// amounts. Unrealized PnL is reported separately by Valuation.
func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equityLocked()
}

func (m *Manager) equityLocked() float64 {
	eq := m.cash
	for _, pos := range m.positions {
		eq += pos.USDAmount
	}
	return eq
}

func (m *Manager) exposureLocked() float64 {
	var total float64
	for _, pos := range m.positions {
		total += pos.USDAmount
	}
	return total
}

// Valuation values the account with open positions marked at the given
// prices. Symbols without a quote fall back to the entry price.
func (m *Manager) Valuation(prices map[string]float64) (equity, unrealized float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity = m.cash
	for _, pos := range m.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		pnl := pos.UnrealizedPnL(price)
		equity += pos.USDAmount + pnl
		unrealized += pnl
	}
	return equity, unrealized
}

// Status summarizes the account
type Status struct {
	InitialBalance float64           `json:"initial_balance"`
	Cash           float64           `json:"cash"`
	Equity         float64           `json:"equity"`
	TotalPnL       float64           `json:"total_pnl"`
	TotalPnLPct    float64           `json:"total_pnl_pct"`
	PositionCount  int               `json:"position_count"`
	Positions      []domain.Position `json:"positions"`
}

// Status reports the account state at entry-price valuation
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	equity := m.equityLocked()
	positions := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		positions = append(positions, *pos)
	}

	return Status{
		InitialBalance: m.initialBalance,
		Cash:           m.cash,
		Equity:         equity,
		TotalPnL:       equity - m.initialBalance,
		TotalPnLPct:    (equity - m.initialBalance) / m.initialBalance,
		PositionCount:  len(positions),
		Positions:      positions,
	}
}
