package server

import (
	"net/http"

	"reviewstream/internal/gateway/handler"
	"reviewstream/internal/gateway/middleware"
)

func NewMux(
	analysisHandler *handler.AnalysisHandler,
	watchHandler *handler.WatchHandler,
) http.Handler {
	mux := http.NewServeMux()

	// Lifecycle endpoints
	mux.HandleFunc("/analysis/create", analysisHandler.HandleCreate)
	mux.HandleFunc("/analysis/start", analysisHandler.HandleStart)
	mux.HandleFunc("/analysis/stop", analysisHandler.HandleStop)
	mux.HandleFunc("/analysis/skip", analysisHandler.HandleSkip)
	mux.HandleFunc("/analysis/get", analysisHandler.HandleGet)
	mux.HandleFunc("/analysis/list", analysisHandler.HandleList)
	mux.HandleFunc("/analysis/logs", analysisHandler.HandleLogs)

	// Live stream
	mux.HandleFunc("/ws/analysis", watchHandler.HandleWatchWS)

	// Middleware
	return middleware.CORS(mux)
}
