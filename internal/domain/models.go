// Package domain defines the core market data and trading types shared
// across the bus, nodes, strategies and the engine.
package domain

import (
	"fmt"
	"time"
)

// MarketKind distinguishes spot and perpetual-futures prices
type MarketKind string

const (
	MarketSpot      MarketKind = "spot"
	MarketPerpetual MarketKind = "perpetual"
)

// Valid reports whether the market kind is a known value
func (m MarketKind) Valid() bool {
	return m == MarketSpot || m == MarketPerpetual
}

// Timeframe is a bar interval ("1m", "5m", "15m", "1h", "4h", "1d")
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the bar interval length, or an error for unknown timeframes
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe: %s", tf)
	}
	return d, nil
}

// Seconds returns the interval length in seconds, 0 for unknown timeframes
func (tf Timeframe) Seconds() int64 {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0
	}
	return int64(d / time.Second)
}

// Valid reports whether the timeframe is a known value
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Key identifies a bar series
type Key struct {
	Symbol    string     `json:"symbol"`
	Timeframe Timeframe  `json:"timeframe"`
	Market    MarketKind `json:"market_kind"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Symbol, k.Timeframe, k.Market)
}

// Bar is one OHLCV candle. Timestamp is Unix seconds at period open,
// aligned to the timeframe. Immutable once published.
type Bar struct {
	Symbol    string     `json:"symbol"`
	Timeframe Timeframe  `json:"timeframe"`
	Market    MarketKind `json:"market_kind"`
	Timestamp int64      `json:"timestamp"`
	Open      float64    `json:"open"`
	High      float64    `json:"high"`
	Low       float64    `json:"low"`
	Close     float64    `json:"close"`
	Volume    float64    `json:"volume"`
}

// Key returns the series key of the bar
func (b Bar) Key() Key {
	return Key{Symbol: b.Symbol, Timeframe: b.Timeframe, Market: b.Market}
}

// Validate checks the OHLC invariants
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar missing symbol")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar has unknown timeframe: %s", b.Timeframe)
	}
	if !b.Market.Valid() {
		return fmt.Errorf("bar has unknown market kind: %s", b.Market)
	}
	if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 || b.Volume < 0 {
		return fmt.Errorf("bar has negative price or volume")
	}
	if b.Low > b.Open || b.Low > b.Close || b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar violates low <= open,close <= high")
	}
	return nil
}

// IndicatorRecord carries the computed indicator values for one bar.
// Every value is nil until its calculator has warmed up or when the
// input made the value undefined.
type IndicatorRecord struct {
	Symbol    string     `json:"symbol"`
	Timeframe Timeframe  `json:"timeframe"`
	Market    MarketKind `json:"market_kind"`
	Timestamp int64      `json:"timestamp"`

	MA5   *float64 `json:"ma5,omitempty"`
	MA10  *float64 `json:"ma10,omitempty"`
	MA20  *float64 `json:"ma20,omitempty"`
	MA60  *float64 `json:"ma60,omitempty"`
	MA120 *float64 `json:"ma120,omitempty"`

	EMA12 *float64 `json:"ema12,omitempty"`
	EMA26 *float64 `json:"ema26,omitempty"`

	RSI14 *float64 `json:"rsi14,omitempty"`

	MACD       *float64 `json:"macd,omitempty"`
	MACDSignal *float64 `json:"macd_signal,omitempty"`
	MACDHist   *float64 `json:"macd_hist,omitempty"`

	BollUpper  *float64 `json:"boll_upper,omitempty"`
	BollMiddle *float64 `json:"boll_middle,omitempty"`
	BollLower  *float64 `json:"boll_lower,omitempty"`

	ATR14 *float64 `json:"atr14,omitempty"`

	VolumeMA5 *float64 `json:"volume_ma5,omitempty"`

	// EngineVersion records the indicator engine that produced the values.
	// Readers refuse to mix records from different major versions.
	EngineVersion string `json:"engine_version,omitempty"`
}

// Key returns the series key of the record
func (r IndicatorRecord) Key() Key {
	return Key{Symbol: r.Symbol, Timeframe: r.Timeframe, Market: r.Market}
}

// Side of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Action of a signal
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// SignalKind is the full open/close direction of a signal
type SignalKind string

const (
	OpenLong   SignalKind = "OPEN_LONG"
	OpenShort  SignalKind = "OPEN_SHORT"
	CloseLong  SignalKind = "CLOSE_LONG"
	CloseShort SignalKind = "CLOSE_SHORT"
)

// Side returns the position side the signal refers to
func (k SignalKind) Side() Side {
	if k == OpenLong || k == CloseLong {
		return SideLong
	}
	return SideShort
}

// Action returns OPEN for OPEN_* kinds and CLOSE otherwise
func (k SignalKind) Action() Action {
	if k == OpenLong || k == OpenShort {
		return ActionOpen
	}
	return ActionClose
}

// Enhancement is optional metadata attached by the confirm stage
type Enhancement struct {
	Enhanced   bool    `json:"enhanced"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Model      string  `json:"model,omitempty"`
	RiskTier   string  `json:"risk_tier,omitempty"`
}

// Signal is a strategy's decision to open or close a position
type Signal struct {
	Strategy   string       `json:"strategy"`
	Symbol     string       `json:"symbol"`
	Timestamp  int64        `json:"timestamp"`
	Price      float64      `json:"price"`
	Kind       SignalKind   `json:"signal_kind"`
	Side       Side         `json:"side"`
	Action     Action       `json:"action"`
	Reason     string       `json:"reason,omitempty"`
	Confidence *float64     `json:"confidence,omitempty"`
	StopLoss   *float64     `json:"stop_loss,omitempty"`
	TakeProfit *float64     `json:"take_profit,omitempty"`
	Enhance    *Enhancement `json:"enhancement,omitempty"`
}

// Validate checks the kind/side/action coherence invariant
func (s Signal) Validate() error {
	if s.Kind.Action() != s.Action {
		return fmt.Errorf("signal action %s does not match kind %s", s.Action, s.Kind)
	}
	if s.Kind.Side() != s.Side {
		return fmt.Errorf("signal side %s does not match kind %s", s.Side, s.Kind)
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal price must be positive")
	}
	return nil
}

// Position is an open holding booked by the position manager
type Position struct {
	Strategy      string   `json:"strategy"`
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Quantity      float64  `json:"quantity"`
	USDAmount     float64  `json:"usd_amount"`
	EntryPrice    float64  `json:"entry_price"`
	EntryTime     int64    `json:"entry_time"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	HighWatermark float64  `json:"high_watermark"`
	LowWatermark  float64  `json:"low_watermark"`
}

// UpdateWatermarks widens the watermarks with the latest bar extremes
func (p *Position) UpdateWatermarks(high, low float64) {
	if high > p.HighWatermark {
		p.HighWatermark = high
	}
	if low < p.LowWatermark || p.LowWatermark == 0 {
		p.LowWatermark = low
	}
}

// UnrealizedPnL values the position at the given price
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// Trade records a closed round trip
type Trade struct {
	Strategy   string  `json:"strategy"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	USDAmount  float64 `json:"usd_amount"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	EntryTime  int64   `json:"entry_time"`
	ExitTime   int64   `json:"exit_time"`
	PnL        float64 `json:"pnl"`
	Reason     string  `json:"reason,omitempty"`
}

// NodeStatus is published on status topics when a node changes health
type NodeStatus struct {
	Node      string `json:"node"`
	State     string `json:"state"`
	Degraded  bool   `json:"degraded"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
