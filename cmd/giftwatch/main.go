// Package main wires together the giftwatch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/api"
	"github.com/pvoronin/giftwatch/internal/clock/system"
	"github.com/pvoronin/giftwatch/internal/config"
	"github.com/pvoronin/giftwatch/internal/extractor/htmltable"
	collygetter "github.com/pvoronin/giftwatch/internal/fetcher/colly"
	"github.com/pvoronin/giftwatch/internal/logging"
	"github.com/pvoronin/giftwatch/internal/metrics"
	"github.com/pvoronin/giftwatch/internal/monitor"
	pubsubpublisher "github.com/pvoronin/giftwatch/internal/publisher/pubsub"
	"github.com/pvoronin/giftwatch/internal/sinks"
	storagememory "github.com/pvoronin/giftwatch/internal/storage/memory"
	storagepostgres "github.com/pvoronin/giftwatch/internal/storage/postgres"
)

// stores bundles the two persistence interfaces a backend provides.
type stores struct {
	items   monitor.ItemStore
	sources monitor.SourceStore
	close   func()
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer st.close()

	sink, closePublisher, err := buildSink(ctx, cfg, st.items, logger)
	if err != nil {
		logger.Fatal("sink init failed", zap.Error(err))
	}
	defer closePublisher()

	getter := collygetter.New(collygetter.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	fetcher := monitor.NewHTTPFetcher(getter, htmltable.New(), system.New(), cfg.FetcherConfig(), logger.Named("fetcher"))
	manager := monitor.NewManager(fetcher, cfg.PollerConfig(), logger.Named("monitor"))

	resumeSources(ctx, manager, st.sources, sink, logger)

	apiServer := api.NewServer(ctx, manager, st.items, st.sources, sink, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	persistRunState(shutdownCtx, manager, st.sources, logger)
	manager.StopAll()
	logger.Info("shutdown complete")
}

func buildStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.DB.DSN == "" {
		mem := storagememory.NewStore()
		return stores{items: mem, sources: mem, close: func() {}}, nil
	}
	pg, err := storagepostgres.NewStore(ctx, storagepostgres.StoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return stores{}, err
	}
	if err := pg.InitSchema(ctx); err != nil {
		pg.Close()
		return stores{}, err
	}
	return stores{items: pg, sources: pg, close: pg.Close}, nil
}

func buildSink(ctx context.Context, cfg config.Config, items monitor.ItemStore, logger *zap.Logger) (monitor.Sink, func(), error) {
	all := []monitor.Sink{
		sinks.NewStore(items),
		sinks.NewLog(logger.Named("items")),
	}
	closer := func() {}
	if cfg.PubSub.ProjectID != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client)
		all = append(all, sinks.NewPublish(pub, cfg.PubSub.TopicName))
		closer = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close", zap.Error(err))
			}
		}
	}
	return sinks.NewMulti(all...), closer, nil
}

// resumeSources registers persisted sources and restarts continuous runs for
// the active ones.
func resumeSources(ctx context.Context, manager *monitor.Manager, sources monitor.SourceStore, sink monitor.Sink, logger *zap.Logger) {
	recs, err := sources.ListSources(ctx, false)
	if err != nil {
		logger.Warn("list sources at boot failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		start := rec.Cursor
		if start < rec.StartIndex {
			start = rec.StartIndex
		}
		if err := manager.Register(rec.Name, rec.URLTemplate, start); err != nil {
			logger.Warn("register persisted source failed", zap.String("source", rec.Name), zap.Error(err))
			continue
		}
		if !rec.Active {
			continue
		}
		if err := manager.Start(ctx, rec.Name, monitor.ModeContinuous, sink, monitor.StartOptions{}); err != nil {
			logger.Warn("resume source failed", zap.String("source", rec.Name), zap.Error(err))
			continue
		}
		logger.Info("resumed source", zap.String("source", rec.Name), zap.Int("cursor", start))
	}
}

// persistRunState saves each registered source's cursor so continuous runs
// resume after restart.
func persistRunState(ctx context.Context, manager *monitor.Manager, sources monitor.SourceStore, logger *zap.Logger) {
	for _, src := range manager.Sources() {
		status := manager.Status(src.Name)
		if status.State == monitor.StateUnknown {
			continue
		}
		if err := sources.UpdateSourceState(ctx, src.Name, status.Cursor, status.LastQuantity); err != nil {
			logger.Warn("persist source state failed", zap.String("source", src.Name), zap.Error(err))
		}
	}
}
