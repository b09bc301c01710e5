package strategy

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/quantd/internal/domain"
)

func newTestSignalRepo(t *testing.T) *SignalRepository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewSignalRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())
	return repo
}

func TestSignalRepositorySaveRecent(t *testing.T) {
	repo := newTestSignalRepo(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Save(domain.Signal{
			Strategy: "dual_ma", Symbol: "BTCUSDT",
			Timestamp: int64(1700000000 + i*60),
			Price:     100 + float64(i),
			Kind:      domain.OpenLong, Side: domain.SideLong, Action: domain.ActionOpen,
			Reason:     "golden cross",
			Confidence: f(0.8),
			StopLoss:   f(96),
			TakeProfit: f(106),
		}))
	}
	require.NoError(t, repo.Save(domain.Signal{
		Strategy: "rsi", Symbol: "ETHUSDT",
		Timestamp: 1700000000,
		Price:     2000,
		Kind:      domain.OpenShort, Side: domain.SideShort, Action: domain.ActionOpen,
	}))

	sigs, err := repo.Recent("dual_ma", 2)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	// Newest first
	assert.Equal(t, int64(1700000120), sigs[0].Timestamp)
	assert.Equal(t, 102.0, sigs[0].Price)
	require.NotNil(t, sigs[0].Confidence)
	assert.Equal(t, 0.8, *sigs[0].Confidence)
	assert.Equal(t, 96.0, *sigs[0].StopLoss)

	sigs, err = repo.Recent("unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestSignalRepositoryEnhancementRoundTrip(t *testing.T) {
	repo := newTestSignalRepo(t)

	require.NoError(t, repo.Save(domain.Signal{
		Strategy: "macd", Symbol: "BTCUSDT",
		Timestamp: 1700000000,
		Price:     100,
		Kind:      domain.OpenLong, Side: domain.SideLong, Action: domain.ActionOpen,
		Enhance: &domain.Enhancement{
			Enhanced: true, Model: "reviewer-1", Confidence: 0.7, RiskTier: "medium",
		},
	}))

	sigs, err := repo.Recent("macd", 1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.NotNil(t, sigs[0].Enhance)
	assert.True(t, sigs[0].Enhance.Enhanced)
	assert.Equal(t, "reviewer-1", sigs[0].Enhance.Model)
	assert.Equal(t, "medium", sigs[0].Enhance.RiskTier)
}

func TestSignalRepositoryRecentBySymbol(t *testing.T) {
	repo := newTestSignalRepo(t)

	require.NoError(t, repo.Save(domain.Signal{
		Strategy: "dual_ma", Symbol: "BTCUSDT", Timestamp: 1700000000, Price: 100,
		Kind: domain.OpenLong, Side: domain.SideLong, Action: domain.ActionOpen,
	}))
	require.NoError(t, repo.Save(domain.Signal{
		Strategy: "rsi", Symbol: "BTCUSDT", Timestamp: 1700000060, Price: 101,
		Kind: domain.CloseLong, Side: domain.SideLong, Action: domain.ActionClose,
	}))
	require.NoError(t, repo.Save(domain.Signal{
		Strategy: "rsi", Symbol: "ETHUSDT", Timestamp: 1700000060, Price: 2000,
		Kind: domain.OpenShort, Side: domain.SideShort, Action: domain.ActionOpen,
	}))

	sigs, err := repo.RecentBySymbol("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "rsi", sigs[0].Strategy)
	assert.Equal(t, "dual_ma", sigs[1].Strategy)
}
