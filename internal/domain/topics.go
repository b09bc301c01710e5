package domain

import "fmt"

// Topic builders. Routing on the bus is by exact string match, so
// every producer and consumer goes through these helpers.

// BarTopic is the closed-bar topic for a series key
func BarTopic(k Key) string {
	return fmt.Sprintf("bar.%s.%s.%s", k.Symbol, k.Timeframe, k.Market)
}

// TickTopic carries partial (in-progress) bars. Never persisted.
func TickTopic(k Key) string {
	return BarTopic(k) + ".tick"
}

// IndicatorTopic is the computed-indicator topic for a series key
func IndicatorTopic(k Key) string {
	return fmt.Sprintf("ind.%s.%s.%s", k.Symbol, k.Timeframe, k.Market)
}

// SignalTopic carries a strategy's signals for one symbol
func SignalTopic(strategy, symbol string) string {
	return fmt.Sprintf("sig.%s.%s", strategy, symbol)
}

// StatusTopic carries node health transitions
func StatusTopic(node string) string {
	return fmt.Sprintf("status.%s", node)
}
