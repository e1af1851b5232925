package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/commandpost/decision-impact/internal/analysis"
	"github.com/commandpost/decision-impact/internal/archive"
	"github.com/commandpost/decision-impact/internal/auth"
	"github.com/commandpost/decision-impact/internal/config"
	"github.com/commandpost/decision-impact/internal/httpserver"
	"github.com/commandpost/decision-impact/internal/monitor"
	"github.com/commandpost/decision-impact/internal/service"
	"github.com/commandpost/decision-impact/internal/store"
	"github.com/commandpost/decision-impact/internal/stream"
	"github.com/commandpost/decision-impact/internal/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var db store.Store
	if cfg.DatabaseURL != "" {
		sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer sqlDB.Close()
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		if err := sqlDB.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		db = store.NewPGStore(sqlDB)
	} else {
		log.Printf("[main] no database configured, using in-memory store")
		db = store.NewMemoryStore()
	}

	analyzer := analysis.New(analysis.Config{
		SecondaryDiscount: cfg.SecondaryDiscount,
	})
	tracker := tracking.New(tracking.Config{
		VarianceTolerance: cfg.VarianceTolerance,
	})
	monitors := monitor.New(monitor.Config{
		DecayRatePerDay:  cfg.DecayRatePerDay,
		SpreadScale:      cfg.SpreadScale,
		AlertHorizonDays: cfg.AlertHorizonDays,
	})

	svc := service.New(db, analyzer, tracker, monitors)

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := stream.NewPublisher(stream.PublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer publisher.Close()
		svc.WithPublisher(publisher)
	}

	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		svc.WithArchiver(archiver)
	}

	if err := svc.SeedDimensions(context.Background()); err != nil {
		log.Fatalf("seed dimensions: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		log.Fatalf("auth verifier init: %v", err)
	}

	server := httpserver.New(cfg, db, svc, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Decision Impact service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	shutdown(httpServer)
}

func shutdown(s *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
