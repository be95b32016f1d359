package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/handler"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/inventory"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/lock"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/vision"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/worker"
)

func main() {
	cfg, err := config.Load()
	must(err)
	config.SetupLogging(cfg)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	locker, closeLocks, err := lock.New(ctx, cfg)
	must(err)
	defer func() { _ = closeLocks() }()

	recognizer := vision.NewClient(cfg)
	if err := recognizer.Health(ctx); err != nil {
		log.Warn().Err(err).Str("host", cfg.OllamaHost).Msg("recognizer not reachable, scans will fail until it is")
	}

	manager := worker.NewManager(db, cfg, pipeline.NewOrchestrator(db, cfg, recognizer))
	router := handler.NewRouter(handler.Deps{
		DB:         db,
		Cfg:        cfg,
		Scans:      pipeline.NewScanService(db, cfg, manager),
		Inventory:  inventory.NewEngine(db, locker),
		Recognizer: recognizer,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	must(g.Wait())
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
