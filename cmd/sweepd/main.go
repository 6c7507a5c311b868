// Command sweepd runs the Tracklane maintenance daemon: it applies database
// migrations, keeps the issue search index warm and periodically deletes
// per-user order rows orphaned by board moves.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tracklane/api/internal/app"
	"tracklane/api/internal/config"
	"tracklane/api/internal/email"
	"tracklane/api/internal/rolecache"
	"tracklane/api/internal/search"
	"tracklane/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgSearch := search.NewPGSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)

	var roles *rolecache.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for effective role caching")
		roles, err = rolecache.NewRedisStore(cfg.RedisURL, cfg.RoleCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer roles.Close()
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	var service *app.Service
	if roles != nil {
		service = app.NewWithInfra(cfg, dataStore, roles, mailer, searchService)
	} else {
		service = app.NewWithInfra(cfg, dataStore, nil, mailer, searchService)
	}

	searchService.ReindexAllFromPG(ctx)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				swept, err := service.SweepOrphanedOrders(ctx)
				if err != nil {
					log.Printf("sweep failed: %v", err)
					continue
				}
				if swept > 0 {
					log.Printf("swept %d orphaned order rows", swept)
				}
			}
		}
	}()
	log.Printf("sweepd running, sweep interval %s", cfg.SweepInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(done)
}
