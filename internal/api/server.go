package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spacewatch/internal/alerts"
	"spacewatch/internal/broadcast"
	"spacewatch/internal/config"
	"spacewatch/internal/ingest"
	"spacewatch/internal/model"
	"spacewatch/internal/schedule"
	"spacewatch/internal/twin"
)

const maxHistoryMinutes = 1440

type EngineControl interface {
	Reset()
	StateCount() int
	StartedAt() time.Time
}

type TelemetryReader interface {
	History(ctx context.Context, spaceID string, minutes int) ([]model.TelemetryWindow, error)
	Latest(spaceID string) (model.TelemetrySample, bool)
}

type TwinService interface {
	State(ctx context.Context, spaceID string) (model.TwinState, error)
	UpdateDesired(ctx context.Context, spaceID string, patch model.DesiredPatch) (model.DesiredConfig, error)
}

type OfficeHoursStore interface {
	GetOfficeHours(ctx context.Context, spaceID string) (*model.OfficeHours, error)
	SaveOfficeHours(ctx context.Context, hours model.OfficeHours) error
}

// Deps are the components the API reads from. Nil members disable their routes.
type Deps struct {
	Alerts    *alerts.Service
	Recent    *alerts.Recent
	Telemetry TelemetryReader
	Twin      TwinService
	Hours     OfficeHoursStore
	Engine    EngineControl
	Hub       *broadcast.Hub
	Ingest    ingest.Submitter
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status         string       `json:"status"`
	Time           string       `json:"time"`
	Version        string       `json:"version"`
	ConfigPath     string       `json:"config_path"`
	Uptime         string       `json:"uptime"`
	Ingest         ingestStatus `json:"ingest"`
	API            apiStatus    `json:"api"`
	DebounceStates int          `json:"debounce_states"`
	Observers      int          `json:"observers"`
	Rules          []ruleStatus `json:"rules"`
}

type ingestStatus struct {
	MQTT  bool `json:"mqtt"`
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type ruleStatus struct {
	Kind          model.AlertKind `json:"kind"`
	OpenWindow    string          `json:"open_window"`
	ResolveWindow string          `json:"resolve_window"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	if cfg == nil {
		cfg = config.NewStaticManager(nil)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version}
}

func (s *Server) Handler() http.Handler {
	current := s.cfg.Get()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /alerts/recent", s.handleRecentAlerts)
	mux.HandleFunc("GET /spaces/{id}/alerts", s.handleAlerts)
	mux.HandleFunc("GET /spaces/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /spaces/{id}/telemetry/latest", s.handleLatest)
	mux.HandleFunc("GET /spaces/{id}/twin", s.handleTwin)
	mux.HandleFunc("PATCH /spaces/{id}/desired", s.handleDesired)
	mux.HandleFunc("GET /spaces/{id}/office-hours", s.handleGetOfficeHours)
	mux.HandleFunc("PUT /spaces/{id}/office-hours", s.handlePutOfficeHours)
	mux.HandleFunc("POST /admin/reset", s.handleReset)
	if s.deps.Hub != nil {
		keepAlive := current.Broadcast.KeepAlive
		mux.HandleFunc("GET /stream", broadcast.SSEHandler(s.deps.Hub, keepAlive, s.logger))
		mux.HandleFunc("GET /ws", broadcast.WebSocketHandler(s.deps.Hub, keepAlive, s.logger))
	}
	if current.Ingest.REST.Enabled && s.deps.Ingest != nil {
		mux.HandleFunc("POST /ingest/{topic...}", ingest.RESTHandler(s.deps.Ingest))
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)

	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	rules := cfg.Alerts.Rules
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			MQTT:  cfg.MQTT.Enabled,
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Rules: []ruleStatus{
			{Kind: model.AlertKindCO2, OpenWindow: rules.CO2.OpenWindow.String(), ResolveWindow: rules.CO2.ResolveWindow.String()},
			{Kind: model.AlertKindOccupancyMax, OpenWindow: rules.OccupancyMax.OpenWindow.String(), ResolveWindow: rules.OccupancyMax.ResolveWindow.String()},
			{Kind: model.AlertKindOccupancyUnexpected, OpenWindow: rules.OccupancyUnexpected.OpenWindow.String(), ResolveWindow: rules.OccupancyUnexpected.ResolveWindow.String()},
		},
	}
	if s.deps.Engine != nil {
		resp.DebounceStates = s.deps.Engine.StateCount()
		resp.Uptime = time.Since(s.deps.Engine.StartedAt()).Truncate(time.Second).String()
	}
	if s.deps.Hub != nil {
		resp.Observers = s.deps.Hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recent == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.AlertEvent
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.deps.Recent.Since(ts)
	} else {
		list = s.deps.Recent.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	query := alerts.Query{SpaceID: r.PathValue("id"), Kind: strings.ToUpper(q.Get("kind"))}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		query.ActiveOnly = active
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = n
	}
	list, err := s.deps.Alerts.List(r.Context(), query)
	if errors.Is(err, alerts.ErrInvalidKind) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	minutes := 60
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		minutes = min(n, maxHistoryMinutes)
	}
	windows, err := s.deps.Telemetry.History(r.Context(), r.PathValue("id"), minutes)
	if err != nil {
		s.internalError(w, "telemetry history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space_id": r.PathValue("id"),
		"minutes":  minutes,
		"windows":  windows,
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sample, ok := s.deps.Telemetry.Latest(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no telemetry for space")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleTwin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Twin == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	state, err := s.deps.Twin.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.internalError(w, "twin state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDesired(w http.ResponseWriter, r *http.Request) {
	if s.deps.Twin == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var patch model.DesiredPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	desired, err := s.deps.Twin.UpdateDesired(r.Context(), r.PathValue("id"), patch)
	if errors.Is(err, twin.ErrInvalidPatch) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "update desired", err)
		return
	}
	writeJSON(w, http.StatusOK, desired)
}

func (s *Server) handleGetOfficeHours(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hours == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	spaceID := r.PathValue("id")
	hours, err := s.deps.Hours.GetOfficeHours(r.Context(), spaceID)
	if err != nil {
		s.internalError(w, "get office hours", err)
		return
	}
	configured := hours != nil
	if hours == nil {
		def := schedule.Default(spaceID)
		hours = &def
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"office_hours": hours,
		"configured":   configured,
	})
}

func (s *Server) handlePutOfficeHours(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hours == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	spaceID := r.PathValue("id")
	hours := schedule.Default(spaceID)
	if err := decodeBody(w, r, &hours); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	hours.SpaceID = spaceID
	if err := schedule.Validate(hours); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Hours.SaveOfficeHours(r.Context(), hours); err != nil {
		s.internalError(w, "save office hours", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"office_hours": hours,
		"configured":   true,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine != nil {
		s.deps.Engine.Reset()
	}
	if s.deps.Recent != nil {
		s.deps.Recent.Clear()
	}
	s.logger.Info("debounce state reset", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("api request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
