package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"

	"github.com/aristath/quantd/internal/domain"
)

// MaxKlinesPerRequest is the exchange's bars-per-request ceiling
const MaxKlinesPerRequest = 1000

// reconnectCap bounds the live-stream backoff
const reconnectCap = 5 * time.Minute

// StreamEvent is one message from the live stream: a closed bar or a
// partial (in-progress) bar
type StreamEvent struct {
	Bar     domain.Bar
	Partial bool
}

// Exchange is the adapter the ingestion node talks to
type Exchange interface {
	// Klines fetches up to limit closed bars with open time in
	// [start, end] (Unix seconds), ascending
	Klines(ctx context.Context, key domain.Key, start, end int64, limit int) ([]domain.Bar, error)

	// StreamBars opens the live stream for the given keys. Events
	// arrive on the returned channel until ctx is cancelled; the
	// channel closes on return. Reconnects are internal.
	StreamBars(ctx context.Context, keys []domain.Key) <-chan StreamEvent
}

// BinanceClient implements Exchange against the Binance REST and
// WebSocket APIs, with a circuit breaker around REST calls
type BinanceClient struct {
	rest    *resty.Client
	wsURL   string
	breaker *gobreaker.CircuitBreaker[[]domain.Bar]
	log     zerolog.Logger
}

// NewBinanceClient creates an exchange client
func NewBinanceClient(baseURL, wsURL string, log zerolog.Logger) *BinanceClient {
	l := log.With().Str("component", "binance").Logger()

	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(30 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 429/418 are rate limits, 5xx transient
			return resp.StatusCode() == 429 || resp.StatusCode() == 418 || resp.StatusCode() >= 500
		})

	breaker := gobreaker.NewCircuitBreaker[[]domain.Bar](gobreaker.Settings{
		Name:        "binance-klines",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	return &BinanceClient{rest: rest, wsURL: wsURL, breaker: breaker, log: l}
}

// Klines fetches closed bars over REST
func (c *BinanceClient) Klines(ctx context.Context, key domain.Key, start, end int64, limit int) ([]domain.Bar, error) {
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}

	path := "/api/v3/klines"
	if key.Market == domain.MarketPerpetual {
		path = "/fapi/v1/klines"
	}

	return c.breaker.Execute(func() ([]domain.Bar, error) {
		resp, err := c.rest.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":    strings.ToUpper(key.Symbol),
				"interval":  string(key.Timeframe),
				"startTime": strconv.FormatInt(start*1000, 10),
				"endTime":   strconv.FormatInt(end*1000+999, 10),
				"limit":     strconv.Itoa(limit),
			}).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("klines request: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("klines request failed: status %d: %s", resp.StatusCode(), resp.String())
		}

		var raw [][]json.RawMessage
		if err := json.Unmarshal(resp.Body(), &raw); err != nil {
			return nil, fmt.Errorf("decode klines response: %w", err)
		}

		bars := make([]domain.Bar, 0, len(raw))
		for _, row := range raw {
			bar, err := parseKlineRow(key, row)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		return bars, nil
	})
}

// parseKlineRow decodes one kline array entry:
// [openTimeMs, open, high, low, close, volume, closeTimeMs, ...]
func parseKlineRow(key domain.Key, row []json.RawMessage) (domain.Bar, error) {
	if len(row) < 6 {
		return domain.Bar{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}

	var openTimeMs int64
	if err := json.Unmarshal(row[0], &openTimeMs); err != nil {
		return domain.Bar{}, fmt.Errorf("decode kline open time: %w", err)
	}

	prices := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return domain.Bar{}, fmt.Errorf("decode kline field %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("parse kline field %d: %w", i, err)
		}
		prices[i-1] = v
	}

	return domain.Bar{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Market:    key.Market,
		Timestamp: openTimeMs / 1000,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
	}, nil
}

// combinedStreamMessage is one frame from the combined stream endpoint
type combinedStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Kline struct {
			OpenTimeMs int64  `json:"t"`
			Symbol     string `json:"s"`
			Interval   string `json:"i"`
			Open       string `json:"o"`
			Close      string `json:"c"`
			High       string `json:"h"`
			Low        string `json:"l"`
			Volume     string `json:"v"`
			Final      bool   `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// StreamBars connects to the combined kline stream and forwards every
// update, reconnecting with exponential backoff on failure
func (c *BinanceClient) StreamBars(ctx context.Context, keys []domain.Key) <-chan StreamEvent {
	out := make(chan StreamEvent, 64)

	streams := make([]string, 0, len(keys))
	keyBySymbol := make(map[string]domain.Key, len(keys))
	for _, k := range keys {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(k.Symbol), k.Timeframe))
		keyBySymbol[strings.ToUpper(k.Symbol)+"/"+string(k.Timeframe)] = k
	}
	url := fmt.Sprintf("%s/stream?streams=%s", c.wsURL, strings.Join(streams, "/"))

	go func() {
		defer close(out)

		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}

			err := c.readStream(ctx, url, keyBySymbol, out)
			if ctx.Err() != nil {
				return
			}

			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
		}
	}()

	return out
}

// readStream runs one websocket session until error or cancellation
func (c *BinanceClient) readStream(ctx context.Context, url string, keyBySymbol map[string]domain.Key, out chan<- StreamEvent) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	c.log.Info().Msg("live stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		var msg combinedStreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("undecodable stream frame")
			continue
		}
		k := msg.Data.Kline
		if k.Symbol == "" {
			continue
		}

		key, ok := keyBySymbol[strings.ToUpper(k.Symbol)+"/"+k.Interval]
		if !ok {
			continue
		}

		bar, err := parseStreamKline(key, k.OpenTimeMs, k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", k.Symbol).Msg("unparseable stream kline")
			continue
		}

		select {
		case out <- StreamEvent{Bar: bar, Partial: !k.Final}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseStreamKline(key domain.Key, openTimeMs int64, open, high, low, close, volume string) (domain.Bar, error) {
	vals := make([]float64, 5)
	for i, s := range []string{open, high, low, close, volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("parse stream kline: %w", err)
		}
		vals[i] = v
	}
	return domain.Bar{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Market:    key.Market,
		Timestamp: openTimeMs / 1000,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
