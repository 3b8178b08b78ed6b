package controlplane

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/capsule-gateway/internal/codec"
	"github.com/tjfontaine/capsule-gateway/internal/core/domain"
	"github.com/tjfontaine/capsule-gateway/internal/server"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

// Server exposes the Service over HTTP. Mount it under /admin.
type Server struct {
	router    *chi.Mux
	svc       *Service
	startTime time.Time
}

func NewServer(svc *Service) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		svc:       svc,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/configs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})

	s.router.Get("/defaults", s.handleDefaults)
	s.router.Put("/defaults/{scope}", s.handleSetDefault)
	s.router.Post("/cache/sync", s.handleSync)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ConfigView is the admin representation of a configuration. Credentials
// are reduced to a presence flag.
type ConfigView struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Model          string                `json:"model"`
	BaseURL        string                `json:"base_url"`
	Temperature    *float64              `json:"temperature,omitempty"`
	Capabilities   []domain.Capability   `json:"capabilities"`
	ProtocolFamily domain.ProtocolFamily `json:"protocol_family"`
	IsDefault      bool                  `json:"is_default"`
	HasAPIKey      bool                  `json:"has_api_key"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func toView(cfg *domain.ModelConfig) ConfigView {
	return ConfigView{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Model:          cfg.Model,
		BaseURL:        cfg.BaseURL,
		Temperature:    cfg.Temperature,
		Capabilities:   cfg.Capabilities,
		ProtocolFamily: cfg.ProtocolFamily,
		IsDefault:      cfg.IsDefault,
		HasAPIKey:      cfg.EncryptedAPIKey != "",
		CreatedAt:      cfg.CreatedAt,
		UpdatedAt:      cfg.UpdatedAt,
	}
}

type HealthResponse struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	configs, err := s.svc.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]ConfigView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, toView(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"configs": views})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(cfg))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in SaveInput
	if !decode(w, r, &in) {
		return
	}
	s.save(w, r, in, http.StatusCreated)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var in SaveInput
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "id")
	s.save(w, r, in, http.StatusOK)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, in SaveInput, status int) {
	cfg, err := s.svc.Save(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "config_id", cfg.ID)
	writeJSON(w, status, toView(cfg))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "config_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDefaults(w http.ResponseWriter, r *http.Request) {
	defaults, err := s.svc.Defaults(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": defaults})
}

type setDefaultRequest struct {
	ConfigID string `json:"config_id"`
}

func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	var body setDefaultRequest
	if !decode(w, r, &body) {
		return
	}
	if body.ConfigID == "" {
		s.fail(w, r, domain.ErrInvalidRequest("config_id is required"))
		return
	}
	scope := chi.URLParam(r, "scope")
	if err := s.svc.SetDefault(r.Context(), scope, body.ConfigID); err != nil {
		s.fail(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "config_id", body.ConfigID)
	writeJSON(w, http.StatusOK, map[string]string{"scope": scope, "config_id": body.ConfigID})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncToCache(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddLogField(r.Context(), "error_kind", string(domain.KindOf(err)))
	codec.WriteError(w, err)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		server.AddLogField(r.Context(), "error_kind", string(domain.KindInvalidRequest))
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
