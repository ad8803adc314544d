package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/newplayman/poloniex-phoenix/internal/history"
)

type APIHandler struct {
	service *BackfillService
	syncer  *history.Syncer
}

func NewAPIHandler(s *BackfillService, syncer *history.Syncer) *APIHandler {
	return &APIHandler{service: s, syncer: syncer}
}

func (h *APIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/history", h.HandleHistory)
	return mux
}

func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	running, lastRun, jobs := h.service.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"running":  running,
		"last_run": lastRun,
		"jobs":     jobs,
	})
}

// HandleHistory GET /api/history?collection=BTC_ETH-chart&from=<unix>&to=<unix>&currency=BTC
func (h *APIHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	collection := q.Get("collection")
	if collection == "" {
		http.Error(w, "collection required", http.StatusBadRequest)
		return
	}

	from, err := unixParam(q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := unixParam(q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}

	var match map[string]any
	if c := q.Get("currency"); c != "" {
		match = map[string]any{"currency": strings.ToUpper(c)}
	}

	rows, err := h.syncer.Query(r.Context(), collection, from, to, match)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if rows == nil {
		w.Write([]byte("[]"))
		return
	}
	json.NewEncoder(w).Encode(rows)
}

func unixParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0), nil
}
