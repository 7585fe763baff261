package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"reviewstream/internal/analysis"
	analysisrepo "reviewstream/internal/gateway/repository/analysis"
)

// AnalysisHandler serves the analysis lifecycle endpoints.
type AnalysisHandler struct {
	svc *analysis.Service
}

func NewAnalysisHandler(svc *analysis.Service) *AnalysisHandler {
	return &AnalysisHandler{svc: svc}
}

func (h *AnalysisHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in struct {
		Type      string                  `json:"type"`
		Model     string                  `json:"model"`
		Prompt    string                  `json:"prompt"`
		PR        *analysisrepo.PRMetadata `json:"pr"`
		AutoStart bool                    `json:"auto_start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	params := analysis.CreateParams{
		Type:      analysisrepo.Type(strings.TrimSpace(in.Type)),
		Model:     in.Model,
		Prompt:    in.Prompt,
		PR:        in.PR,
		AutoStart: in.AutoStart,
	}
	if params.Type == "" {
		params.Type = analysisrepo.TypeFullRepo
	}
	rec, err := h.svc.Create(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, rec)
}

func (h *AnalysisHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireAnalysisID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Start(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *AnalysisHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireAnalysisID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Stop(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (h *AnalysisHandler) HandleSkip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireAnalysisID(w, r)
	if !ok {
		return
	}
	reason := analysis.SkipReason(strings.TrimSpace(r.URL.Query().Get("reason")))
	if reason != analysis.SkipBotAuthor && reason != analysis.SkipDailyLimit {
		http.Error(w, "reason must be bot_author or daily_limit", http.StatusBadRequest)
		return
	}
	rec, err := h.svc.Skip(r.Context(), id, reason)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *AnalysisHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireAnalysisID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (h *AnalysisHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	recs, err := h.svc.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"analyses": recs})
}

func (h *AnalysisHandler) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := requireAnalysisID(w, r)
	if !ok {
		return
	}
	text, err := h.svc.Logs(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"analysis_id": id,
		"logs":        text,
	})
}

func requireAnalysisID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("analysis_id"))
	if id == "" {
		http.Error(w, "analysis_id is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, analysisrepo.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, analysis.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
