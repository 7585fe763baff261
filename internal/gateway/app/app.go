package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"reviewstream/internal/analysis"
	"reviewstream/internal/gateway/config"
	"reviewstream/internal/gateway/handler"
	"reviewstream/internal/gateway/server"
	"reviewstream/internal/platform"

	analysisrepo "reviewstream/internal/gateway/repository/analysis"
)

type App struct {
	server *server.Server
	svc    *analysis.Service
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	stores, err := initStores(cfg)
	if err != nil {
		return nil, err
	}

	client, err := platform.NewGitHubClient(cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize github client: %w", err)
	}

	sandbox := analysis.NewExecSandbox(sandboxCommand())
	svc := analysis.NewService(stores.analysis, stores.logs, stores.side, client, sandbox, analysis.NewEventBroker(), analysis.Config{
		SeverityThreshold: cfg.Delivery.SeverityThreshold,
		PostDelay:         cfg.Delivery.PostDelay,
		SideTTL:           cfg.Side.TTL,
	})

	analysisHandler := handler.NewAnalysisHandler(svc)
	watchHandler := handler.NewWatchHandler(svc)

	mux := server.NewMux(analysisHandler, watchHandler)
	srv := server.New(cfg.Port, mux)

	return &App{
		server: srv,
		svc:    svc,
	}, nil
}

func sandboxCommand() []string {
	raw := strings.TrimSpace(os.Getenv("REVIEW_SANDBOX_CMD"))
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown stops the HTTP server and interrupts any analyses still
// running, so their records do not stay in running forever.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.server.Shutdown(ctx); err != nil {
		return err
	}
	recs, err := a.svc.List(ctx)
	if err != nil {
		return fmt.Errorf("list analyses during shutdown: %w", err)
	}
	for _, rec := range recs {
		if rec.Status != analysisrepo.StatusRunning {
			continue
		}
		if err := a.svc.Stop(ctx, rec.ID); err != nil {
			log.Printf("shutdown: stop analysis %s: %v", rec.ID, err)
		}
	}
	return nil
}
