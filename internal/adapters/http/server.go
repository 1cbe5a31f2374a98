// Package httpadapter is the caller-facing surface: a thin chi server over
// the intake service. No admission or dispatch logic lives here.
package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vigil/internal/domain"
	"vigil/internal/services/intake"
)

// Intake is the slice of the intake service the server needs.
type Intake interface {
	Submit(ctx context.Context, req intake.Request) (string, error)
	Job(ctx context.Context, id string) (*domain.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	intake Intake
	health Pinger
	log    *zap.Logger
}

func New(in Intake, health Pinger, log *zap.Logger) *Server {
	return &Server{intake: in, health: health, log: log}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
	})
	return r
}

type scanRequest struct {
	UserID             string `json:"userId"`
	ServiceID          string `json:"serviceId"`
	Lane               string `json:"lane"`
	Priority           int    `json:"priority"`
	RepoURL            string `json:"repoUrl"`
	ContextPath        string `json:"contextPath"`
	IsPrivate          bool   `json:"isPrivate"`
	ImageName          string `json:"imageName"`
	ImageTag           string `json:"imageTag"`
	CustomBuildFile    string `json:"customBuildFile"`
	Username           string `json:"username"`
	GitCredential      string `json:"gitCredential"`
	RegistryCredential string `json:"registryCredential"`
}

type jobResponse struct {
	ID          string     `json:"id"`
	Lane        string     `json:"lane"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	ServiceID   string     `json:"serviceId"`
	PipelineRef string     `json:"pipelineRef,omitempty"`
	PipelineURL string     `json:"pipelineUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body scanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.intake.Submit(r.Context(), intake.Request{
		UserID:             body.UserID,
		ServiceID:          body.ServiceID,
		Lane:               domain.Lane(body.Lane),
		Priority:           body.Priority,
		RepoURL:            body.RepoURL,
		ContextPath:        body.ContextPath,
		IsPrivate:          body.IsPrivate,
		ImageName:          body.ImageName,
		ImageTag:           body.ImageTag,
		CustomBuildFile:    body.CustomBuildFile,
		Username:           body.Username,
		GitCredential:      body.GitCredential,
		RegistryCredential: body.RegistryCredential,
	})
	if err != nil {
		var quota *domain.QuotaError
		switch {
		case errors.As(err, &quota):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":   quota.Error(),
				"current": quota.Current,
				"max":     quota.Max,
			})
		case errors.Is(err, domain.ErrScanActive):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, intake.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("scan submit failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "could not accept scan request")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.intake.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		s.log.Error("job lookup failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID:          job.ID,
		Lane:        string(job.Lane),
		Status:      string(job.Status),
		Reason:      job.StatusReason,
		ServiceID:   job.ServiceID,
		PipelineRef: job.PipelineRef,
		PipelineURL: job.PipelineURL,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.intake.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "unknown job")
	case errors.Is(err, domain.ErrNotCancellable), errors.Is(err, domain.ErrJobTerminal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("job cancel failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not cancel job")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
