package backtest

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/engine"
	"github.com/aristath/quantd/internal/strategy"
	"github.com/aristath/quantd/internal/tasks"
)

func f(v float64) *float64 { return &v }

var windowStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix()

type fakeBars struct{ bars []domain.Bar }

func (r fakeBars) Range(key domain.Key, start, end int64) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, b := range r.bars {
		if b.Key() == key && b.Timestamp >= start && b.Timestamp <= end {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeInds struct{ recs []domain.IndicatorRecord }

func (r fakeInds) Range(key domain.Key, start, end int64) ([]domain.IndicatorRecord, error) {
	var out []domain.IndicatorRecord
	for _, rec := range r.recs {
		if rec.Key() == key && rec.Timestamp >= start && rec.Timestamp <= end {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testBar(ts int64, close float64) domain.Bar {
	return domain.Bar{
		Symbol: "BTCUSDT", Timeframe: domain.Timeframe1h, Market: domain.MarketSpot,
		Timestamp: ts,
		Open:      close, High: close + 1, Low: close - 1, Close: close,
		Volume: 10,
	}
}

func testInd(ts int64, ma5, ma20 float64) domain.IndicatorRecord {
	return domain.IndicatorRecord{
		Symbol: "BTCUSDT", Timeframe: domain.Timeframe1h, Market: domain.MarketSpot,
		Timestamp: ts,
		MA5:       f(ma5), MA20: f(ma20),
		RSI14: f(50), MACDHist: f(0.5), VolumeMA5: f(10),
		ATR14: f(2),
	}
}

func validRequest() Request {
	return Request{
		Strategy:  "dual_ma",
		Symbol:    "BTCUSDT",
		Timeframe: domain.Timeframe1h,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-02",
	}
}

func TestRequestDefaults(t *testing.T) {
	req := validRequest()
	req.Normalize()

	assert.Equal(t, domain.MarketSpot, req.Market)
	assert.Equal(t, 10000.0, req.InitialCapital)
	assert.Equal(t, "moderate", req.PositionPreset)
	require.NoError(t, req.Validate(strategy.NewDefaultRegistry()))
}

func TestRequestValidation(t *testing.T) {
	reg := strategy.NewDefaultRegistry()

	cases := []struct {
		name   string
		mutate func(*Request)
		kind   domain.ErrorKind
	}{
		{"missing symbol", func(r *Request) { r.Symbol = "" }, domain.KindValidation},
		{"bad timeframe", func(r *Request) { r.Timeframe = "7m" }, domain.KindValidation},
		{"bad market", func(r *Request) { r.Market = "margin" }, domain.KindValidation},
		{"bad start date", func(r *Request) { r.StartDate = "01/01/2024" }, domain.KindValidation},
		{"inverted window", func(r *Request) { r.StartDate, r.EndDate = r.EndDate, r.StartDate }, domain.KindValidation},
		{"negative capital", func(r *Request) { r.InitialCapital = -5 }, domain.KindValidation},
		{"unknown preset", func(r *Request) { r.PositionPreset = "yolo" }, domain.KindValidation},
		{"unknown strategy", func(r *Request) { r.Strategy = "hodl" }, domain.KindNotFound},
		{"param out of range", func(r *Request) { r.Params = map[string]float64{"fast_period": 500} }, domain.KindValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			req.Normalize()
			tc.mutate(&req)
			err := req.Validate(reg)
			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
		})
	}
}

func waitForTask(t *testing.T, tm *tasks.Manager, id string, want tasks.Status) tasks.Snapshot {
	t.Helper()
	var snap tasks.Snapshot
	require.Eventually(t, func() bool {
		s, ok := tm.Get(id)
		if !ok {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestRunnerExecutesBacktest(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewResultRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())

	// Golden cross opens at the second bar, take-profit closes at the
	// third
	bars := fakeBars{bars: []domain.Bar{
		testBar(windowStart+3600, 100),
		testBar(windowStart+7200, 100),
		testBar(windowStart+10800, 110),
	}}
	inds := fakeInds{recs: []domain.IndicatorRecord{
		testInd(windowStart+3600, 99, 100),
		testInd(windowStart+7200, 101, 100),
		testInd(windowStart+10800, 99, 100),
	}}

	tm := tasks.NewManager(tasks.Options{}, zerolog.Nop())
	defer tm.Stop()

	runner := NewRunner(bars, inds, strategy.NewDefaultRegistry(), tm, repo, zerolog.Nop())

	id, err := runner.Run(validRequest())
	require.NoError(t, err)

	snap := waitForTask(t, tm, id, tasks.StatusCompleted)
	results, ok := snap.Results.(*engine.Results)
	require.True(t, ok)
	assert.Equal(t, "dual_ma", results.Strategy)
	assert.Equal(t, 1, results.Stats.TotalTrades)
	// Risk-based sizing: 2% of 10000 over a 4% stop distance buys 50
	// units at 100; the take-profit exit at 110 banks 500
	assert.InDelta(t, 10500.0, results.FinalEquity, 1e-6)

	// Persisted and loadable by task ID
	loaded, err := repo.Load(id)
	require.NoError(t, err)
	assert.Equal(t, results.Strategy, loaded.Strategy)
	assert.InDelta(t, results.FinalEquity, loaded.FinalEquity, 1e-6)
	assert.Len(t, loaded.Trades, 1)
	assert.NotEmpty(t, loaded.EquityCurve)

	history, err := repo.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].TaskID)
	assert.Equal(t, "BTCUSDT", history[0].Symbol)
	assert.Equal(t, 1, history[0].TotalTrades)
}

func TestRunnerRejectsInvalidRequest(t *testing.T) {
	tm := tasks.NewManager(tasks.Options{}, zerolog.Nop())
	defer tm.Stop()

	runner := NewRunner(fakeBars{}, fakeInds{}, strategy.NewDefaultRegistry(), tm, nil, zerolog.Nop())

	req := validRequest()
	req.Strategy = "hodl"
	_, err := runner.Run(req)
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Empty(t, tm.List())
}

func TestRunnerFailsWithoutData(t *testing.T) {
	tm := tasks.NewManager(tasks.Options{}, zerolog.Nop())
	defer tm.Stop()

	runner := NewRunner(fakeBars{}, fakeInds{}, strategy.NewDefaultRegistry(), tm, nil, zerolog.Nop())

	id, err := runner.Run(validRequest())
	require.NoError(t, err)

	snap := waitForTask(t, tm, id, tasks.StatusFailed)
	assert.Contains(t, snap.Error, "no data")
}

func TestResultRepositoryLoadMissing(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewResultRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())

	_, err = repo.Load("nope")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}
