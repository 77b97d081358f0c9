package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/metrics"
	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/processing"
)

// runPageSize is how many outcomes /runs/{runID} reads; one run of every
// suite stays well below it.
const runPageSize = 200

var sortFields = map[string]struct{}{
	"timestamp": {}, "duration_ms": {}, "suite": {}, "step": {}, "status": {},
}

type outcomeSearcher interface {
	Health(ctx context.Context) error
	SearchOutcomes(ctx context.Context, q opensearch.OutcomeQuery) (*opensearch.OutcomePage, error)
}

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	client, err := opensearch.New(opensearch.ConfigFrom(cfg.Common), log)
	if err != nil {
		log.Error("init opensearch", slog.Any("err", err))
		os.Exit(1)
	}
	store := opensearch.NewOutcomeStore(client, cfg.ResultsIndex)

	registry := prometheus.NewRegistry()
	srv := &server{log: log, cfg: cfg, store: store}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(registry),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server starting",
			slog.String("addr", cfg.BindAddr),
			slog.String("index", store.Index()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

type server struct {
	log   *slog.Logger
	cfg   *config.API
	store outcomeSearcher
}

func (s *server) routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.NewMiddleware(reg).Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/outcomes", s.handleOutcomes)
	r.Get("/runs/{runID}", s.handleRun)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	values := r.URL.Query()
	q := opensearch.OutcomeQuery{
		RunID: strings.TrimSpace(values.Get("run_id")),
		Suite: strings.TrimSpace(values.Get("suite")),
		From:  clampInt(values.Get("from"), 0, 10_000),
		Size:  clampInt(values.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
	}

	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, ok := processing.NormalizeStatus(raw)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown status %q", raw)})
			return
		}
		q.Status = status
	}

	sortBy, err := parseSort(values.Get("sort"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	q.Sort = sortBy

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"start", &q.Start}, {"end", &q.End}} {
		ts, err := parseTime(values.Get(bound.name))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("%s: %v", bound.name, err)})
			return
		}
		*bound.dst = ts
	}

	page, err := s.store.SearchOutcomes(ctx, q)
	if err != nil {
		s.log.Error("search outcomes", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, page)
}

type suiteSummary struct {
	Suite       string         `json:"suite"`
	Steps       int            `json:"steps"`
	Counts      map[string]int `json:"counts"`
	SuccessRate float64        `json:"success_rate"`
}

type runSummary struct {
	RunID    string                   `json:"run_id"`
	Total    int64                    `json:"total"`
	Suites   []suiteSummary           `json:"suites"`
	Outcomes []models.OutcomeDocument `json:"outcomes"`
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	runID := chi.URLParam(r, "runID")
	page, err := s.store.SearchOutcomes(ctx, opensearch.OutcomeQuery{
		RunID: runID,
		Size:  runPageSize,
		Sort:  "timestamp:asc",
	})
	if err != nil {
		s.log.Error("search run", slog.String("run_id", runID), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if page.Total == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("run %s not found", runID)})
		return
	}

	bySuite := map[string]*suiteSummary{}
	for _, o := range page.Items {
		sum, ok := bySuite[o.Suite]
		if !ok {
			sum = &suiteSummary{Suite: o.Suite, Counts: map[string]int{}}
			bySuite[o.Suite] = sum
		}
		sum.Steps++
		sum.Counts[o.Status]++
	}

	suites := make([]suiteSummary, 0, len(bySuite))
	for _, sum := range bySuite {
		sum.SuccessRate = float64(sum.Counts["passed"]) / float64(sum.Steps)
		suites = append(suites, *sum)
	}
	sort.Slice(suites, func(i, j int) bool { return suites[i].Suite < suites[j].Suite })

	writeJSON(w, http.StatusOK, runSummary{
		RunID:    runID,
		Total:    page.Total,
		Suites:   suites,
		Outcomes: page.Items,
	})
}

func parseSort(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	field, order, _ := strings.Cut(raw, ":")
	if _, ok := sortFields[field]; !ok {
		return "", fmt.Errorf("cannot sort by %q", field)
	}
	if order != "" && order != "asc" && order != "desc" {
		return "", fmt.Errorf("sort order must be asc or desc, got %q", order)
	}
	return raw, nil
}

func parseTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ts := processing.ParseTimestamp(raw)
	if ts.IsZero() {
		return nil, fmt.Errorf("want RFC 3339, got %q", raw)
	}
	return &ts, nil
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
