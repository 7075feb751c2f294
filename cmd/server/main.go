package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Tyrowin/roomchat/internal/credential"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	cfg := server.NewConfigFromEnv()
	logger := server.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The gauges read registry stats lazily, so the registry can be built
	// after the collectors.
	var rooms *room.Registry
	m := metrics.New(promRegistry, func() (int, int) {
		if rooms == nil {
			return 0, 0
		}
		return rooms.Stats()
	})

	rooms = room.NewRegistry(
		room.WithHistoryLimit(cfg.HistoryLimit),
		room.WithHasher(credential.NewHasher(cfg.PasswordIterations)),
		room.WithObserver(m),
		room.WithLogger(logger),
	)

	srv, err := server.New(*cfg, rooms, logger, server.WithMetrics(m, promRegistry))
	if err != nil {
		logger.Error("server.init_failed", "err", err)
		log.Fatal(err)
	}

	go rooms.RunJanitor(ctx, cfg.SweepInterval, cfg.IdleRoomTTL)

	httpServer := server.CreateServer(cfg.Port, srv.SetupRoutes())
	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	_ = server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger)
	if err := srv.Hub().Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub.shutdown_incomplete", "err", err)
	}
}
