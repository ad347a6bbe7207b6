package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"github.com/punchamoorthee/tillbridge/internal/api"
	"github.com/punchamoorthee/tillbridge/internal/clock"
	"github.com/punchamoorthee/tillbridge/internal/config"
	"github.com/punchamoorthee/tillbridge/internal/events"
	"github.com/punchamoorthee/tillbridge/internal/hub"
	"github.com/punchamoorthee/tillbridge/internal/logger"
	"github.com/punchamoorthee/tillbridge/internal/points"
	"github.com/punchamoorthee/tillbridge/internal/receipt"
	"github.com/punchamoorthee/tillbridge/internal/service"
	"github.com/punchamoorthee/tillbridge/internal/store"
)

type publisher interface {
	service.Publisher
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal("Unable to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("Unable to prepare schema", zap.Error(err))
	}

	var pub publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.TillID, log)
	}
	defer pub.Close()

	// Initialize Layers
	clk := clock.Real()
	calc := points.NewCalculator(cfg.PointsPerDollar, cfg.Bonuses)

	var connections *hub.Hub
	manager := service.NewManager(ctx, func() *service.Till {
		return service.NewTill(service.Options{
			TillID:        cfg.TillID,
			MatchWindow:   cfg.MatchWindow,
			Timeouts:      cfg.Timeouts,
			StoreTimeout:  cfg.StoreTimeout,
			RetryInterval: cfg.StoreRetry,
		}, clk, db, pub, connections, calc, log)
	}, nil)
	connections = hub.New(manager, clk, cfg.Heartbeat, log)
	manager.SetRebinder(connections)
	go connections.Run(ctx)

	var monitor api.Monitor
	if cfg.ReceiptMonitor {
		watcher := receipt.NewWatcher(receipt.WatcherConfig{
			Dir:         cfg.ReceiptFolder,
			Extensions:  cfg.ReceiptExtensions,
			SettleDelay: cfg.ReceiptSettle,
		}, log)
		monitor = watcher
		blobs := make(chan receipt.Blob, 16)
		go func() {
			if err := watcher.Run(ctx, blobs); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("receipt monitor stopped", zap.Error(err))
			}
		}()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-blobs:
					// Parse failures are logged and counted by the till.
					_, _ = manager.IngestBlob(ctx, b.Text, b.ArrivedAt)
				}
			}
		}()
	}

	handler := api.NewHandler(db, manager, connections, monitor, log)
	router := api.NewRouter(handler, api.NewWSHandler(connections, log))

	var h http.Handler = router
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(cfg.Env != "production"))(h)
	h = handlers.LoggingHandler(os.Stdout, h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("Server starting", zap.String("port", cfg.Port), zap.String("till_id", cfg.TillID), zap.Bool("receipt_monitor", cfg.ReceiptMonitor))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("Server stopped")
}
