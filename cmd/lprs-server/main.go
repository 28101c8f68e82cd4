package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vframe/recognition/internal/api"
	"github.com/vframe/recognition/internal/caches"
	"github.com/vframe/recognition/internal/config"
	"github.com/vframe/recognition/internal/events"
	"github.com/vframe/recognition/internal/inference"
	"github.com/vframe/recognition/internal/lprs"
	"github.com/vframe/recognition/internal/maintenance"
	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

func main() {
	configPath := flag.String("config", "lprs.yaml", "path to the service config")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	log.Println("🚀 Starting license plate recognition service...")

	st, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer st.Close()

	m := metrics.NewMetrics("lprs")
	cc := caches.NewPlateCaches(st, m)
	cc.RefreshAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cc.Run(ctx, cfg.Caches.PollInterval.Std())

	screenshots := events.NewWriter(cfg.Storage.ScreenshotsPath, cfg.Storage.ScreenshotsURLPrefix)
	callbacks := events.NewCallbacks(4, 2*time.Second, m)
	bans := lprs.NewBanList()

	pipeline := lprs.NewPipeline(cc, st, inference.NewClient(10*time.Second),
		screenshots, callbacks, bans, m, cfg.Storage.FailedPath)
	workflow := lprs.NewWorkflow(ctx, pipeline, cc, m)

	sweeper := maintenance.NewPlateSweeper(st, screenshots, cfg.Storage.FailedPath, bans)
	sweeper.EventTTL = cfg.Maintenance.EventsTTL.Std()
	sweeper.ScreenshotTTL = cfg.Maintenance.EventsLogTTL.Std()
	sweeper.FailedTTL = cfg.Maintenance.FailedTTL.Std()
	sweeper.BanInterval = cfg.Maintenance.BanInterval.Std()
	tasks := sweeper.Tasks()
	tasks[0].Interval = cfg.Maintenance.EventsLogInterval.Std()
	tasks[1].Interval = cfg.Maintenance.EventsLogInterval.Std()
	scheduler := maintenance.NewScheduler()
	scheduler.Start(ctx, tasks...)

	server := api.NewLPRSServer(cc, st, pipeline, workflow)
	server.AllowGroupID = int32(cfg.Auth.AllowGroupIDWithoutAuth)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("✅ Plate API listening on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("⚠️ Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	workflow.Shutdown()
	cancel()
	scheduler.Shutdown()
	callbacks.Shutdown()
	log.Println("✅ License plate recognition service stopped")
}
