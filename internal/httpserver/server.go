package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/commandpost/decision-impact/internal/auth"
	"github.com/commandpost/decision-impact/internal/config"
	"github.com/commandpost/decision-impact/internal/models"
	"github.com/commandpost/decision-impact/internal/service"
	"github.com/commandpost/decision-impact/internal/store"
	"github.com/commandpost/decision-impact/internal/tracking"
)

type Server struct {
	cfg      config.Config
	db       store.Store
	svc      *service.Service
	verifier *auth.Verifier
}

func New(cfg config.Config, db store.Store, svc *service.Service, verifier *auth.Verifier) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		svc:      svc,
		verifier: verifier,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/decisions", func(r chi.Router) {
		r.Post("/", s.handleCreateDecision)
		r.Get("/", s.handleListDecisions)
		r.Get("/{id}", s.handleGetDecision)
		r.Post("/{id}/analysis", s.handleAnalyze)
		r.Post("/{id}/select", s.handleSelectOption)
	})

	r.Route("/trackings", func(r chi.Router) {
		r.Get("/{id}", s.handleGetTracking)
		r.Post("/{id}/observations", s.handleApplyObservation)

		r.Group(func(r chi.Router) {
			r.Use(s.reviewerAuth)
			r.Post("/{id}/close", s.handleCloseTracking)
			r.Post("/{id}/root-cause", s.handleRootCause)
			r.Post("/{id}/learnings", s.handleAddLearning)
		})
	})

	r.Get("/impact/monitors", s.handleMonitors)
	r.Put("/dimensions/{name}", s.handleUpsertDimension)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateDecision(w http.ResponseWriter, r *http.Request) {
	var d models.Decision
	if err := decodeJSON(w, r, &d, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	created, err := s.svc.CreateDecision(r.Context(), d)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.svc.ListDecisions(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	d, err := s.svc.GetDecision(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	result, err := s.svc.AnalyzeDecision(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type selectOptionRequest struct {
	OptionID string `json:"optionId"`
}

func (s *Server) handleSelectOption(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req selectOptionRequest
	if err := decodeJSON(w, r, &req, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	if req.OptionID == "" {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "optionId is required")
		return
	}
	tr, err := s.svc.SelectOption(r.Context(), id, req.OptionID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, tr)
}

func (s *Server) handleGetTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tr, err := s.svc.GetTracking(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

type observationRequest struct {
	ConsequenceID      string   `json:"consequenceId"`
	ObservationVersion int64    `json:"observationVersion"`
	ActualImpactScore  *float64 `json:"actualImpactScore"`
	Notes              string   `json:"notes"`
	OutcomeStatus      string   `json:"outcomeStatus"`
	Description        string   `json:"description"`
	Domain             string   `json:"domain"`
}

func (s *Server) handleApplyObservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req observationRequest
	if err := decodeJSON(w, r, &req, 1<<20); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	consequenceID, err := uuid.Parse(req.ConsequenceID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "invalid consequenceId")
		return
	}
	tr, err := s.svc.ApplyObservation(r.Context(), id, tracking.ObservationEvent{
		ConsequenceID:      consequenceID,
		ObservationVersion: req.ObservationVersion,
		ActualImpactScore:  req.ActualImpactScore,
		Notes:              req.Notes,
		OutcomeStatus:      models.OutcomeStatus(req.OutcomeStatus),
		Description:        req.Description,
		Domain:             models.Domain(req.Domain),
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (s *Server) handleCloseTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	tr, err := s.svc.CloseTracking(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

type rootCauseRequest struct {
	DiscrepancyID  string `json:"discrepancyId"`
	RootCause      string `json:"rootCause"`
	Recommendation string `json:"recommendation"`
}

func (s *Server) handleRootCause(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req rootCauseRequest
	if err := decodeJSON(w, r, &req, 1<<18); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	discrepancyID, err := uuid.Parse(req.DiscrepancyID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "invalid discrepancyId")
		return
	}
	if req.RootCause == "" {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "rootCause is required")
		return
	}
	tr, err := s.svc.AttachRootCause(r.Context(), id, discrepancyID, req.RootCause, req.Recommendation)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

type learningRequest struct {
	Category             string `json:"category"`
	Insight              string `json:"insight"`
	Recommendation       string `json:"recommendation"`
	ModelUpdateWarranted bool   `json:"modelUpdateWarranted"`
}

func (s *Server) handleAddLearning(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req learningRequest
	if err := decodeJSON(w, r, &req, 1<<18); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	if req.Insight == "" {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "insight is required")
		return
	}
	tr, err := s.svc.AddLearning(r.Context(), id, models.Learning{
		Category:             req.Category,
		Insight:              req.Insight,
		Recommendation:       req.Recommendation,
		ModelUpdateWarranted: req.ModelUpdateWarranted,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	var dimension *models.Domain
	if raw := r.URL.Query().Get("dimension"); raw != "" {
		d := models.Domain(raw)
		dimension = &d
	}
	monitors, err := s.svc.ImpactMonitors(r.Context(), dimension)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"monitors": monitors})
}

type dimensionRequest struct {
	Baseline     float64 `json:"baseline"`
	CurrentScore float64 `json:"currentScore"`
	Threshold    float64 `json:"threshold"`
	LowerIsWorse bool    `json:"lowerIsWorse"`
}

func (s *Server) handleUpsertDimension(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req dimensionRequest
	if err := decodeJSON(w, r, &req, 1<<16); err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
		return
	}
	d, err := s.svc.UpsertDimension(r.Context(), models.DimensionConfig{
		Name:         models.Domain(name),
		Baseline:     req.Baseline,
		CurrentScore: req.CurrentScore,
		Threshold:    req.Threshold,
		LowerIsWorse: req.LowerIsWorse,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) reviewerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verifier.VerifyRequest(r); err != nil {
			respondError(w, http.StatusUnauthorized, "DECISION_IMPACT_AUTH", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondServiceError maps domain errors to HTTP statuses: validation and
// state-machine errors are 400, unknown references 404, stale observation
// versions 409, everything else 500.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	var unknown *service.UnknownReferenceError
	var outOfOrder *tracking.OutOfOrderError
	var invariant *tracking.InvariantError
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", err.Error())
	case errors.As(err, &unknown):
		respondError(w, http.StatusNotFound, "DECISION_IMPACT_NOT_FOUND", err.Error())
	case errors.As(err, &outOfOrder):
		respondError(w, http.StatusConflict, "DECISION_IMPACT_CONFLICT", err.Error())
	case errors.As(err, &invariant):
		respondError(w, http.StatusInternalServerError, "DECISION_IMPACT_INTERNAL", err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "DECISION_IMPACT_NOT_FOUND", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "DECISION_IMPACT_INTERNAL", err.Error())
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "DECISION_IMPACT_BAD_REQUEST", "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}
