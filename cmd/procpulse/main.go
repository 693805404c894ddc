// Command procpulse runs the per-process analytics and alerting service:
// a periodic sampler feeds the analysis engine, results and alerts are
// persisted, and a small HTTP API exposes status, alerts, and metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"procpulse/pkg/alerts"
	"procpulse/pkg/anomaly"
	"procpulse/pkg/classify"
	"procpulse/pkg/collector"
	"procpulse/pkg/config"
	"procpulse/pkg/engine"
	"procpulse/pkg/forecast"
	"procpulse/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.Logging.Level)
	defer logger.Sync()

	var alertStore alerts.Store
	var metricStore storage.MetricStore
	if cfg.Storage.DatabaseURL != "" {
		pg, err := storage.OpenPostgres(cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal("open postgres", zap.Error(err))
		}
		defer pg.Close()
		alertStore = pg
		metricStore = pg
		logger.Info("using postgres storage")
	} else {
		mem := storage.NewMemory()
		alertStore = mem
		metricStore = mem
		logger.Warn("no database configured, using in-memory storage")
	}

	var cooldowns alerts.CooldownStore
	if cfg.Storage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		cooldowns = alerts.NewRedisCooldowns(client, 2*cfg.Alerting.Cooldown.Duration)
		logger.Info("using redis cooldown store", zap.String("addr", cfg.Storage.RedisAddr))
	} else {
		cooldowns = alerts.NewMemoryCooldowns()
	}

	alerter := alerts.NewEngine(cfg.AlertsConfig(), cooldowns, alertStore, logger)
	sampler := collector.NewSampler(cfg.Tick.TopProcesses, logger)

	detector := anomaly.NewDetector(anomaly.Config{
		NumTrees:      cfg.Models.NumTrees,
		SampleSize:    cfg.Models.SampleSize,
		Contamination: cfg.Models.Contamination,
	})
	predictor := forecast.NewPredictor(forecast.Config{
		Lookback: cfg.Models.Lookback,
		Hidden:   cfg.Models.Hidden,
	})

	eng := engine.New(engine.Config{
		TickInterval:           cfg.Tick.Interval.Duration,
		Parallelism:            cfg.Tick.Parallelism,
		WarmupSamples:          cfg.Models.WarmupSamples,
		ForecastSteps:          cfg.Models.ForecastSteps,
		HistoryCapacity:        cfg.Models.HistoryCapacity,
		AnomalyWarning:         cfg.Alerting.Thresholds["anomalyScore"].Warning,
		AnomalyCritical:        cfg.Alerting.Thresholds["anomalyScore"].Critical,
		MetricsRetention:       time.Duration(cfg.Retention.MetricsDays) * 24 * time.Hour,
		ResolvedAlertRetention: time.Duration(cfg.Retention.ResolvedAlertsDays) * 24 * time.Hour,
		SweepInterval:          cfg.Retention.SweepInterval.Duration,
	}, alerter, metricStore, sampler, logger,
		engine.WithDetector(detector),
		engine.WithPredictor(predictor))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(eng, alerter),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	logger.Info("evaluation loop starting",
		zap.Duration("interval", cfg.Tick.Interval.Duration),
		zap.Int("top_processes", cfg.Tick.TopProcesses))
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		os.Exit(1)
	}
	return logger
}

func newMux(eng *engine.Engine, alerter *alerts.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Status())
	})

	mux.HandleFunc("GET /api/alerts", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		unacked := r.URL.Query().Get("unacknowledged") == "true"
		list, err := alerter.RecentAlerts(limit, unacked)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("GET /api/alerts/stats", func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if v := r.URL.Query().Get("range"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				window = d
			}
		}
		stats, err := alerter.GetStats(window)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("POST /api/alerts/{id}/ack", func(w http.ResponseWriter, r *http.Request) {
		actor := r.URL.Query().Get("actor")
		if actor == "" {
			actor = "api"
		}
		a := alerter.Acknowledge(r.PathValue("id"), actor)
		if a == nil {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})

	mux.HandleFunc("POST /api/alerts/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		a := alerter.Resolve(r.PathValue("id"))
		if a == nil {
			http.Error(w, "alert not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, a)
	})

	mux.HandleFunc("POST /api/classifier/train", func(w http.ResponseWriter, r *http.Request) {
		var examples []classify.Example
		if err := json.NewDecoder(r.Body).Decode(&examples); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := eng.TrainClassifier(examples); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, eng.Status())
	})

	mux.HandleFunc("GET /api/processes/{pid}/forecast", func(w http.ResponseWriter, r *http.Request) {
		pid, err := strconv.ParseInt(r.PathValue("pid"), 10, 32)
		if err != nil {
			http.Error(w, "invalid pid", http.StatusBadRequest)
			return
		}
		steps, _ := strconv.Atoi(r.URL.Query().Get("steps"))
		if steps <= 0 {
			steps = 5
		}
		preds := eng.PredictFuture(int32(pid), steps)
		if preds == nil {
			http.Error(w, "insufficient history", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]float64{"predictions": preds})
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
