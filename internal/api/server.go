// Package api exposes the read-only query service: raw series, latest
// snapshots, daily rollups, cross-source joins, entity lookups, and the
// pull audit log.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"metrics-pipeline/internal/config"
	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/normalizer"
	"metrics-pipeline/internal/storage"
)

// MetricCatalog lists what the store currently tracks.
type MetricCatalog interface {
	ListMetricNames(ctx context.Context, feed string) ([]string, error)
	ListAssetMetrics(ctx context.Context, feed, asset string) ([]string, error)
}

// Server hosts the HTTP query surface over the store and normalizer.
type Server struct {
	cfg        config.APIConfig
	logger     zerolog.Logger
	reader     storage.SeriesReader
	catalog    MetricCatalog
	pulls      storage.PullLog
	registry   *entity.Registry
	normalizer *normalizer.Normalizer

	httpServer *http.Server
}

// NewServer wires the query service. catalog and pulls may be nil, which
// disables their routes.
func NewServer(cfg config.APIConfig, logger zerolog.Logger, reader storage.SeriesReader, catalog MetricCatalog, pulls storage.PullLog, registry *entity.Registry, norm *normalizer.Normalizer) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "api").Logger(),
		reader:     reader,
		catalog:    catalog,
		pulls:      pulls,
		registry:   registry,
		normalizer: norm,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// handler tree without binding a socket.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/latest", s.handleLatest)
		r.Get("/series", s.handleSeries)
		r.Get("/rollup", s.handleRollup)
		r.Get("/cross-source", s.handleCrossSource)
		r.Get("/entities", s.handleListEntities)
		r.Get("/entities/{canonicalID}", s.handleGetEntity)
		if s.catalog != nil {
			r.Get("/metrics", s.handleListMetrics)
		}
		if s.pulls != nil {
			r.Get("/pulls", s.handleListPulls)
		}
	})

	return r
}

// ListenAndServe runs the server until ctx cancels, then drains in-flight
// requests within the configured shutdown window.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("query service listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("X-API-Key") != s.cfg.APIKey {
			respondError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	// Raw reads match stored rows verbatim: feeds report native metric
	// names and feed-local asset ids in their own casing.
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		respondError(w, http.StatusBadRequest, "metric parameter is required")
		return
	}
	feed := r.URL.Query().Get("feed")
	limit := queryInt(r, "limit", 100)

	obs, err := s.reader.LatestPerAsset(r.Context(), metric, feed, limit)
	if err != nil {
		s.serverError(w, err, "latest query failed")
		return
	}
	respondJSON(w, http.StatusOK, observationsResponse{Count: len(obs), Observations: toObservationDTOs(obs)})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	feed, asset, metric, ok := seriesParams(w, r)
	if !ok {
		return
	}
	from, to, err := timeWindow(r, 24*time.Hour)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := s.reader.Series(r.Context(), feed, asset, metric, from, to)
	if err != nil {
		s.serverError(w, err, "series query failed")
		return
	}
	respondJSON(w, http.StatusOK, observationsResponse{Count: len(obs), Observations: toObservationDTOs(obs)})
}

func (s *Server) handleRollup(w http.ResponseWriter, r *http.Request) {
	feed, asset, metric, ok := seriesParams(w, r)
	if !ok {
		return
	}
	from, to, err := timeWindow(r, 30*24*time.Hour)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := s.reader.Series(r.Context(), feed, asset, metric, from, to)
	if err != nil {
		s.serverError(w, err, "rollup query failed")
		return
	}
	days, err := s.normalizer.RollupDaily(obs)
	if err != nil {
		if errors.Is(err, normalizer.ErrAmbiguousMetric) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.serverError(w, err, "rollup failed")
		return
	}
	respondJSON(w, http.StatusOK, rollupResponse{Count: len(days), Days: toDailyDTOs(days)})
}

func (s *Server) handleCrossSource(w http.ResponseWriter, r *http.Request) {
	entityID := r.URL.Query().Get("entity")
	metric := strings.ToUpper(r.URL.Query().Get("metric"))
	if entityID == "" || metric == "" {
		respondError(w, http.StatusBadRequest, "entity and metric parameters are required")
		return
	}
	from, to, err := timeWindow(r, 30*24*time.Hour)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.normalizer.CrossSource(r.Context(), entityID, metric, from, to)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, normalizer.ErrAmbiguousMetric):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.serverError(w, err, "cross-source query failed")
		}
		return
	}
	respondJSON(w, http.StatusOK, toCrossSourceDTO(result))
}

func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.registry.Entities()
	out := make([]entityDTO, 0, len(entities))
	for _, e := range entities {
		out = append(out, toEntityDTO(e, nil))
	}
	respondJSON(w, http.StatusOK, entitiesResponse{Count: len(out), Entities: out})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	canonicalID := chi.URLParam(r, "canonicalID")

	e, err := s.registry.Get(canonicalID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	mappings, err := s.registry.Resolve(canonicalID)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toEntityDTO(e, mappings))
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	asset := r.URL.Query().Get("asset")

	var (
		names []string
		err   error
	)
	if asset != "" {
		names, err = s.catalog.ListAssetMetrics(r.Context(), feed, asset)
	} else {
		names, err = s.catalog.ListMetricNames(r.Context(), feed)
	}
	if err != nil {
		s.serverError(w, err, "metric listing failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(names), "metrics": names})
}

func (s *Server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	feed := r.URL.Query().Get("feed")
	limit := queryInt(r, "limit", 50)

	records, err := s.pulls.ListPulls(r.Context(), feed, limit)
	if err != nil {
		s.serverError(w, err, "pull listing failed")
		return
	}
	respondJSON(w, http.StatusOK, pullsResponse{Count: len(records), Pulls: toPullDTOs(records)})
}

func (s *Server) serverError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	respondError(w, http.StatusInternalServerError, msg)
}

// seriesParams extracts the verbatim (feed, asset, metric) triple. No case
// folding: stored rows carry feed-native casing for asset ids and metric
// names, and coingecko-style ids are lowercase.
func seriesParams(w http.ResponseWriter, r *http.Request) (feed, asset, metric string, ok bool) {
	q := r.URL.Query()
	feed = q.Get("feed")
	asset = q.Get("asset")
	metric = q.Get("metric")
	if feed == "" || asset == "" || metric == "" {
		respondError(w, http.StatusBadRequest, "feed, asset, and metric parameters are required")
		return "", "", "", false
	}
	return feed, asset, metric, true
}

// timeWindow parses from/to query parameters, accepting RFC 3339 or unix
// seconds, and falls back to a trailing window ending now.
func timeWindow(r *http.Request, fallback time.Duration) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, err := parseTimeParam(r.URL.Query().Get("from"), now.Add(-fallback))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"), now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be earlier than to")
	}
	return from, to, nil
}

func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("time parameters must be RFC 3339 or unix seconds")
	}
	return ts.UTC(), nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
