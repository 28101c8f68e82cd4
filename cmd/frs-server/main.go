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
	"github.com/vframe/recognition/internal/frs"
	"github.com/vframe/recognition/internal/inference"
	"github.com/vframe/recognition/internal/maintenance"
	"github.com/vframe/recognition/internal/metrics"
	"github.com/vframe/recognition/internal/store"
)

func main() {
	configPath := flag.String("config", "frs.yaml", "path to the service config")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	log.Println("🚀 Starting face recognition service...")

	st, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer st.Close()

	m := metrics.NewMetrics("frs")
	cc := caches.NewFaceCaches(st, m, 512)
	cc.RefreshAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cc.Run(ctx, cfg.Caches.PollInterval.Std())

	screenshots := events.NewWriter(cfg.Storage.ScreenshotsPath, cfg.Storage.ScreenshotsURLPrefix)
	eventTree := events.NewWriter(cfg.Storage.EventsPath, "")
	callbacks := events.NewCallbacks(4, 2*time.Second, m)
	stats := frs.NewDNNStats(cfg.Storage.DNNStatsFile)

	pipeline := frs.NewPipeline(cc, st, inference.NewClient(10*time.Second), screenshots, callbacks, stats, m)
	workflow := frs.NewWorkflow(ctx, pipeline, cc, m)

	sweeper := maintenance.NewFaceSweeper(st, screenshots, eventTree)
	sweeper.LogTTL = cfg.Maintenance.LogFacesTTL.Std()
	sweeper.EventTTL = cfg.Maintenance.EventsTTL.Std()
	sweeper.PurgeAge = cfg.Maintenance.FlagDeletedTTL.Std()
	tasks := sweeper.Tasks()
	tasks[0].Interval = cfg.Maintenance.FlagDeletedInterval.Std()
	tasks[1].Interval = cfg.Maintenance.ClearOldLogsInterval.Std()
	tasks[2].Interval = cfg.Maintenance.CopyEventsInterval.Std()
	tasks[3].Interval = cfg.Maintenance.ClearOldEventsInterval.Std()
	scheduler := maintenance.NewScheduler()
	scheduler.Start(ctx, tasks...)

	server := api.NewFRSServer(cc, st, pipeline, workflow, screenshots, stats)
	server.AllowGroupID = int32(cfg.Auth.AllowGroupIDWithoutAuth)
	server.EventsRoot = cfg.Storage.EventsPath
	server.ScreenshotsRoot = cfg.Storage.ScreenshotsPath

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("✅ Face API listening on :%s", cfg.Server.Port)
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
	if err := stats.Save(); err != nil {
		log.Printf("⚠️ Failed to save model stats: %v", err)
	}
	log.Println("✅ Face recognition service stopped")
}
