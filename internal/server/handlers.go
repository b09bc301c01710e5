package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/quantd/internal/backtest"
	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/portfolio"
	"github.com/aristath/quantd/internal/tasks"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "quantd",
		"time":    time.Now().Unix(),
	})
}

// keyFromRequest builds the data key from path and query parameters
func keyFromRequest(r *http.Request) (domain.Key, error) {
	key := domain.Key{
		Symbol:    chi.URLParam(r, "symbol"),
		Timeframe: domain.Timeframe(chi.URLParam(r, "timeframe")),
		Market:    domain.MarketKind(r.URL.Query().Get("market")),
	}
	if key.Market == "" {
		key.Market = domain.MarketSpot
	}
	if !key.Timeframe.Valid() {
		return key, domain.Validationf("unknown timeframe: %q", key.Timeframe)
	}
	if !key.Market.Valid() {
		return key, domain.Validationf("unknown market type: %q", key.Market)
	}
	return key, nil
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func int64Query(r *http.Request, name string) int64 {
	v, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := intQuery(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	start := int64Query(r, "start")
	end := int64Query(r, "end")

	var bars []domain.Bar
	if start > 0 && end > 0 {
		bars, err = s.cfg.Bars.Range(key, start, end)
	} else {
		bars, err = s.cfg.Bars.RecentN(key, limit)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":      key.Symbol,
		"timeframe":   key.Timeframe,
		"market_kind": key.Market,
		"count":       len(bars),
		"bars":        bars,
	})
}

func (s *Server) handleLatestIndicators(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rec, err := s.cfg.Indicators.Latest(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rec == nil {
		s.writeError(w, domain.NotFoundf("no indicator record for %s", key))
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	strategyName := chi.URLParam(r, "strategy")
	symbol := r.URL.Query().Get("symbol")
	limit := intQuery(r, "limit", 50)

	var signals []domain.Signal
	var err error
	if symbol != "" {
		signals, err = s.cfg.Signals.RecentBySymbol(symbol, limit)
		if err == nil {
			filtered := signals[:0]
			for _, sig := range signals {
				if sig.Strategy == strategyName {
					filtered = append(filtered, sig)
				}
			}
			signals = filtered
		}
	} else {
		signals, err = s.cfg.Signals.Recent(strategyName, limit)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy": strategyName,
		"count":    len(signals),
		"signals":  signals,
	})
}

func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req backtest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}

	id, err := s.cfg.Runner.Run(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "submitted",
		"task_id": id,
	})
}

// taskResponse is the wire shape of a task's state
func taskResponse(snap tasks.Snapshot) map[string]interface{} {
	out := map[string]interface{}{
		"task_id":  snap.ID,
		"status":   snap.Status,
		"progress": snap.Progress,
	}
	if snap.Results != nil {
		out["results"] = snap.Results
	}
	if snap.Error != "" {
		out["error"] = snap.Error
	}
	return out
}

func (s *Server) handleBacktestResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	if snap, ok := s.cfg.Tasks.Get(id); ok {
		s.writeJSON(w, http.StatusOK, taskResponse(snap))
		return
	}

	// The task may have been evicted; fall back to the persisted result
	if s.cfg.Results != nil {
		results, err := s.cfg.Results.Load(id)
		if err == nil {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"task_id":  id,
				"status":   "completed",
				"progress": 100,
				"results":  results,
			})
			return
		}
	}

	s.writeError(w, domain.NotFoundf("unknown task: %s", id))
}

func (s *Server) handleBacktestHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Results == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"count": 0, "runs": []struct{}{}})
		return
	}

	history, err := s.cfg.Results.History(intQuery(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(history),
		"runs":  history,
	})
}

func (s *Server) handleBacktestTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats": s.cfg.Tasks.Stats(),
		"tasks": s.cfg.Tasks.List(),
	})
}

func (s *Server) handleBacktestCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if !s.cfg.Tasks.Cancel(id) {
		s.writeError(w, domain.NotFoundf("no cancellable task: %s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "cancelling",
		"task_id": id,
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	descriptors := s.cfg.Registry.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(descriptors),
		"strategies": descriptors,
	})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	presets := portfolio.Presets()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(presets),
		"presets": presets,
	})
}

func (s *Server) handleDataStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Bars.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(stats),
		"keys":  stats,
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	var cpuPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}

	memory := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		memory["percent"] = vm.UsedPercent
		memory["used_mb"] = float64(vm.Used) / 1024 / 1024
		memory["total_mb"] = float64(vm.Total) / 1024 / 1024
	}

	status := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"cpu_percent":    cpuPct,
		"memory":         memory,
		"goroutines":     runtime.NumGoroutine(),
		"tasks":          s.cfg.Tasks.Stats(),
	}
	if s.cfg.Bus != nil {
		status["bus"] = s.cfg.Bus.Stats()
	}

	s.writeJSON(w, http.StatusOK, status)
}
