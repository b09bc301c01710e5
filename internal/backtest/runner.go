package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/engine"
	"github.com/aristath/quantd/internal/portfolio"
	"github.com/aristath/quantd/internal/strategy"
	"github.com/aristath/quantd/internal/tasks"
)

// Progress milestones of the fixed stages; the engine run is mapped
// onto the span between runStart and runEnd.
const (
	progressInit     = 2
	progressWindow   = 5
	progressLoading  = 8
	progressLoaded   = 20
	progressRunStart = 25
	progressRunEnd   = 95
	progressSaved    = 98
)

// Runner executes backtest requests as managed tasks
type Runner struct {
	bars     engine.BarReader
	inds     engine.IndicatorReader
	registry *strategy.Registry
	tasks    *tasks.Manager
	results  *ResultRepository // optional
	log      zerolog.Logger
}

// NewRunner wires a runner; results may be nil to skip persistence
func NewRunner(bars engine.BarReader, inds engine.IndicatorReader, reg *strategy.Registry,
	tm *tasks.Manager, results *ResultRepository, log zerolog.Logger) *Runner {
	return &Runner{
		bars:     bars,
		inds:     inds,
		registry: reg,
		tasks:    tm,
		results:  results,
		log:      log.With().Str("component", "backtest").Logger(),
	}
}

// Run validates the request and submits it to the task manager,
// returning the task ID. Invalid requests fail before a task is
// created.
func (r *Runner) Run(req Request) (string, error) {
	req.Normalize()
	if err := req.Validate(r.registry); err != nil {
		return "", err
	}

	id := r.tasks.Submit(func(ctx context.Context, task *tasks.Handle) (interface{}, error) {
		return r.execute(ctx, task, req)
	})

	r.log.Info().
		Str("task", id).
		Str("strategy", req.Strategy).
		Str("symbol", req.Symbol).
		Str("timeframe", string(req.Timeframe)).
		Msg("backtest submitted")
	return id, nil
}

func (r *Runner) execute(ctx context.Context, task *tasks.Handle, req Request) (interface{}, error) {
	started := time.Now()
	task.SetProgress(progressInit)

	start, end, err := req.Window()
	if err != nil {
		return nil, err
	}
	task.SetProgress(progressWindow)

	task.SetProgress(progressLoading)
	source, err := engine.NewReplaySource(r.bars, r.inds, []domain.Key{req.Key()}, start, end)
	if err != nil {
		return nil, fmt.Errorf("load replay data: %w", err)
	}
	if source.TotalPoints() == 0 {
		return nil, domain.Validationf("no data for %s in the requested window", req.Key())
	}
	task.SetProgress(progressLoaded)

	strat, err := r.registry.Create(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}
	manager := portfolio.NewFromPreset(req.PositionPreset, req.InitialCapital, r.log)
	task.SetProgress(progressRunStart)

	span := progressRunEnd - progressRunStart
	tracker := engine.NewProgressTracker(source.TotalPoints(), 500*time.Millisecond, 100,
		func(p int) {
			task.SetProgress(progressRunStart + p*span/100)
		})

	eng := engine.New(engine.Config{
		Strategy: strat,
		Keys:     []domain.Key{req.Key()},
		Manager:  manager,
		Source:   source,
		Progress: tracker,
	}, r.log)

	results, err := eng.Run(ctx)
	if err != nil {
		return nil, err
	}
	task.SetProgress(progressRunEnd)

	if r.results != nil {
		if err := r.results.Save(task.ID(), req, results); err != nil {
			r.log.Error().Err(err).Str("task", task.ID()).Msg("failed to persist backtest result")
		}
	}
	task.SetProgress(progressSaved)

	r.log.Info().
		Str("task", task.ID()).
		Dur("elapsed", time.Since(started)).
		Int("trades", results.Stats.TotalTrades).
		Float64("final_equity", results.FinalEquity).
		Msg("backtest finished")
	return results, nil
}
