package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"clawquest.ai/internal/economy"
	"clawquest.ai/internal/engine"
	"clawquest.ai/internal/gangs"
	"clawquest.ai/internal/oracle"
	"clawquest.ai/internal/provenance"
	"clawquest.ai/internal/season"
	"clawquest.ai/internal/server"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/transport/ws"
	"clawquest.ai/internal/tuning"
	"clawquest.ai/internal/validation"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	logger.Printf("economy mode: %s", tune.EconomyMode)

	policy, err := economy.FromTuning(&tune)
	if err != nil {
		logger.Fatalf("economy: %v", err)
	}

	store, err := storage.Open(filepath.Join(*dataDir, "game.db"))
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	journal := provenance.NewJournal(filepath.Join(*dataDir, "history"))
	defer journal.Close()

	oracleClient := oracle.New(oracle.Config{
		URL:     tune.Oracle.URL,
		Model:   tune.Oracle.Model,
		APIKey:  strings.TrimSpace(os.Getenv(tune.Oracle.APIKeyEnv)),
		Timeout: time.Duration(tune.Oracle.TimeoutMs) * time.Millisecond,
	}, logger)
	if oracleClient.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := oracleClient.Check(ctx); err != nil {
			logger.Printf("oracle check failed (lexical fallback will cover): %v", err)
		}
		cancel()
	}

	validator := validation.New(oracleClient, logger)
	hub := ws.NewHub(logger)
	defer hub.Close()

	eng := engine.New(store, validator, policy, &tune, journal, hub, logger)
	gangSvc := gangs.New(store, hub, logger)
	seasonSvc := season.New(store, policy, tune.Grid.TotalCells, logger)

	api, err := server.New(store, eng, gangSvc, seasonSvc, &tune, hub, logger)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.HandleFunc("/v1/ws", hub.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (grid radius %d, %d cells)", *addr, tune.Grid.Radius, tune.Grid.TotalCells)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
