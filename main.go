package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/audioloom/podforge/api"
	"github.com/audioloom/podforge/api/events"
	"github.com/audioloom/podforge/api/pipeline"
	"github.com/audioloom/podforge/api/queue"
	"github.com/audioloom/podforge/api/ratelimit"
	"github.com/audioloom/podforge/api/task"
	"github.com/audioloom/podforge/config"
)

const envFile = "podforge.env"

var (
	// populated at build time via -ldflags
	version   = "unset"
	timestamp = "unset"
)

func main() {
	// Load environment
	env, err := config.Load(envFile)
	if err != nil {
		log.Fatal(err)
	}

	// Setup logging
	var logger *zap.Logger
	switch env.Mode {
	case "dev":
		logger, err = zap.NewDevelopment()
	case "prod":
		logger, err = zap.NewProduction()

	default:
		err = fmt.Errorf("Invalid 'mode' flag: %s", env.Mode)
	}
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		_ = logger.Sync()
	}()
	sugar := logger.Sugar()

	cfg := config.Config{
		Logger:      sugar,
		Environment: env,
		Clock:       clock.New(),
	}

	// Log version
	sugar.Infof("Version: %s Timestamp: %s", version, timestamp)

	// Log config
	sugar.Info(env)

	// Core engine state: job registry, live fan-out, admission control
	store := task.NewStore(cfg.Clock)
	hub := events.NewHub(store)
	limiter := ratelimit.NewLimiter(cfg.Clock, env.RateLimitMax, time.Duration(env.RateLimitWindowSec)*time.Second)
	admission := queue.NewListFIFOQueue(env.AdmissionQueueSize)

	// Dispatcher over the fixed fetch -> summarize -> script -> render pipeline
	dispatcher := pipeline.NewDispatcher(&cfg, store, hub, limiter, admission, pipeline.DefaultStages(&cfg))

	// Setup router
	r, err := api.NewRouter(cfg, store, hub, dispatcher)
	if err != nil {
		sugar.Fatal(err)
	}

	// Start servicing the admission queue
	dispatcher.Start()

	server := &http.Server{Addr: env.Addr, Handler: r}

	// run until interrupted, then drain with the configured grace period
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		sugar.Infof("Listening on %s", env.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatal(err)
		}
	}()

	<-shutdown
	grace := time.Duration(env.ShutdownGraceSec) * time.Second
	sugar.Infof("Shutting down, draining for up to %s", grace)

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		sugar.Warnf("HTTP shutdown: %v", err)
	}
	dispatcher.Stop(grace)
}
