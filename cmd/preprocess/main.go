package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/events"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/pipeline"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/storage"
)

// runState exposes the most recent run to the audit endpoint. When no run has
// happened in this process yet, the endpoint falls back to the run registry.
type runState struct {
	mu     sync.RWMutex
	result *pipeline.Result
	err    error
	repo   *storage.Repository
}

func (s *runState) set(result *pipeline.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result, s.err = result, err
}

func (s *runState) get() (*pipeline.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.err
}

func main() {
	logger.Init()

	configPath := flag.String("config", "", "path to a YAML run manifest; env vars apply otherwise")
	serve := flag.Bool("serve", false, "keep running and expose the audit HTTP endpoint")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load run manifest")
		}
	} else {
		cfg = config.Load()
		if err := cfg.Validate(); err != nil {
			logger.Log.WithError(err).Fatal("invalid configuration")
		}
	}

	var opts []pipeline.Option
	var repo *storage.Repository
	if cfg.PostgresHost != "" {
		db, err := storage.Connect(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("postgres sink configured but unreachable")
		}
		repo = storage.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate run registry")
		}
		opts = append(opts, pipeline.WithRepository(repo))
	}
	if cfg.RedisAddr != "" {
		cache, err := storage.NewFeatureCache(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("redis sink configured but unreachable")
		}
		defer cache.Close()
		opts = append(opts, pipeline.WithFeatureCache(cache))
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		opts = append(opts, pipeline.WithPublisher(publisher))
	}

	orchestrator, err := pipeline.NewOrchestrator(cfg, opts...)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build pipeline")
	}

	state := &runState{repo: repo}
	runOnce := func() {
		result, err := orchestrator.Run(context.Background())
		state.set(result, err)
		if err != nil {
			logger.Log.WithError(err).Error("preprocessing run failed")
		}
	}

	scheduled := cfg.Schedule != ""
	if scheduled {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.Schedule, runOnce); err != nil {
			logger.Log.WithError(err).Fatal("invalid run schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.WithField("schedule", cfg.Schedule).Info("pipeline scheduled")
	} else {
		runOnce()
		if _, err := state.get(); err != nil && !*serve {
			os.Exit(1)
		}
	}

	if !*serve && !scheduled {
		return
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", handleHealth).Methods("GET")
	router.HandleFunc("/api/v1/runs/latest", state.handleLatest).Methods("GET")
	router.HandleFunc("/api/v1/runs/latest/exclusions", state.handleExclusions).Methods("GET")

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler: router,
	}
	go func() {
		logger.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("audit endpoint started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("audit endpoint failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

func (s *runState) handleLatest(w http.ResponseWriter, r *http.Request) {
	result, err := s.get()
	w.Header().Set("Content-Type", "application/json")
	if result == nil && err == nil {
		if s.repo != nil {
			run, repoErr := s.repo.LatestRun(r.Context())
			switch {
			case repoErr == nil:
				json.NewEncoder(w).Encode(map[string]interface{}{"run": run})
				return
			case !errors.Is(repoErr, storage.ErrRunNotFound):
				logger.Log.WithError(repoErr).Error("run registry lookup failed")
				http.Error(w, `{"error":"run registry unavailable"}`, http.StatusInternalServerError)
				return
			}
		}
		http.Error(w, `{"error":"no run yet"}`, http.StatusNotFound)
		return
	}
	payload := map[string]interface{}{}
	if result != nil {
		payload["run"] = result
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	json.NewEncoder(w).Encode(payload)
}

func (s *runState) handleExclusions(w http.ResponseWriter, r *http.Request) {
	result, _ := s.get()
	w.Header().Set("Content-Type", "application/json")
	if result == nil {
		http.Error(w, `{"error":"no run yet"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(result.Exclusions)
}
