package app

import (
	"fmt"
	"log"
	"strings"

	"reviewstream/internal/gateway/config"
	analysisrepo "reviewstream/internal/gateway/repository/analysis"
	logsrepo "reviewstream/internal/gateway/repository/logs"
	"reviewstream/internal/sidestore"
)

type gatewayStores struct {
	analysis analysisrepo.Store
	logs     logsrepo.Store
	side     sidestore.Store
}

func initStores(cfg *config.Config) (*gatewayStores, error) {
	analysisStore, err := initAnalysisStore(cfg)
	if err != nil {
		return nil, err
	}
	logStore, err := initLogStore(cfg)
	if err != nil {
		return nil, err
	}
	sideStore, err := initSideStore(cfg)
	if err != nil {
		return nil, err
	}
	return &gatewayStores{
		analysis: analysisStore,
		logs:     logStore,
		side:     sideStore,
	}, nil
}

func initAnalysisStore(cfg *config.Config) (analysisrepo.Store, error) {
	if dsn := strings.TrimSpace(cfg.Database.URL); dsn != "" {
		pg, err := analysisrepo.NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open analysis store: %w", err)
		}
		cached, err := analysisrepo.NewCachedStore(pg, cfg.Database.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap analysis store: %w", err)
		}
		log.Printf("analysis store: postgres (cache size %d)", cfg.Database.CacheSize)
		return cached, nil
	}
	log.Printf("analysis store: in-memory")
	return analysisrepo.NewMemoryStore(), nil
}

func initLogStore(cfg *config.Config) (logsrepo.Store, error) {
	if cfg.LogStore.CanUseS3() {
		s3Store, err := logsrepo.NewS3Store(logsrepo.S3Config{
			Endpoint:  cfg.LogStore.Endpoint,
			Region:    cfg.LogStore.Region,
			AccessKey: cfg.LogStore.AccessKey,
			SecretKey: cfg.LogStore.SecretKey,
			Bucket:    cfg.LogStore.Bucket,
			UseSSL:    cfg.LogStore.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize log s3 store: %w", err)
		}
		log.Printf("log store: s3 bucket=%s endpoint=%s", cfg.LogStore.Bucket, cfg.LogStore.Endpoint)
		return s3Store, nil
	}
	if cfg.LogStore.Enabled {
		log.Printf("log store: using in-memory fallback (s3 config incomplete)")
	}
	return logsrepo.NewMemoryStore(), nil
}

func initSideStore(cfg *config.Config) (sidestore.Store, error) {
	if root := strings.TrimSpace(cfg.Side.Root); root != "" {
		store, err := sidestore.NewDiskStore(sidestore.DiskConfig{Root: root, TTL: cfg.Side.TTL})
		if err != nil {
			return nil, fmt.Errorf("failed to open side store at %s: %w", root, err)
		}
		log.Printf("side store: disk root=%s", root)
		return store, nil
	}
	log.Printf("side store: in-memory")
	return sidestore.NewMemoryStore(cfg.Side.TTL), nil
}
