package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/qualys/sbcompliance/internal/auth"
	"github.com/qualys/sbcompliance/internal/evidence"
	"github.com/qualys/sbcompliance/internal/models"
	"github.com/qualys/sbcompliance/internal/remediation"
	"github.com/qualys/sbcompliance/internal/reports"
	"github.com/qualys/sbcompliance/internal/scheduler"
)

const defaultRecentLimit = 50

func credential(r *http.Request) auth.Credential {
	cred, _ := auth.FromContext(r.Context())
	return cred
}

// projectRef returns the validated projectRef URL parameter or answers 400.
func projectRef(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref := chi.URLParam(r, "projectRef")
	if !evidence.ValidProjectRef(ref) {
		respondError(w, http.StatusBadRequest, "Invalid project reference")
		return "", false
	}
	return ref, true
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.Inspect(auth.ResolveToken(r), time.Now())
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	projects, err := s.deps.Projects.ListProjects(r.Context(), cred.Token)
	if err != nil {
		details := cred.EvidenceFields()
		details["error"] = err.Error()
		s.deps.Evidence.Record(r.Context(), "auth_validation", models.EvidenceFailure, details, "")
		respondUpstreamError(w, err)
		return
	}

	details := cred.EvidenceFields()
	details["projectCount"] = len(projects)
	s.deps.Evidence.Record(r.Context(), "auth_validation", models.EvidenceSuccess, details, "")

	respondJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"projects":  projects,
		"timestamp": now(),
	})
}

func (s *Server) listFixDefinitions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"fixes":     remediation.GetDefinitions(),
		"timestamp": now(),
	})
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Projects.ListProjects(r.Context(), credential(r).Token)
	if err != nil {
		s.logger.Warn("listing projects failed", zap.Error(err))
		respondUpstreamError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"projects":  projects,
		"timestamp": now(),
	})
}

func (s *Server) checkCompliance(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}

	report := s.deps.Checks.Run(r.Context(), ref, credential(r).Token)
	respondJSON(w, http.StatusOK, report)
}

type fixRequest struct {
	models.FixRequest
	Token string `json:"token,omitempty"`
}

func (s *Server) fixCompliance(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}

	var req fixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	result := s.deps.Fixes.Run(r.Context(), ref, credential(r).Token, req.FixRequest)
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) complianceReport(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}

	report := s.deps.Checks.Run(r.Context(), ref, credential(r).Token)
	pdf, err := reports.ComplianceReportPDF(report)
	if err != nil {
		s.internalError(w, r, fmt.Errorf("rendering compliance report: %w", err))
		return
	}

	s.deps.Evidence.Record(r.Context(), "compliance_report_generated", models.EvidenceInfo, map[string]any{
		"parentCheckId": report.CheckID,
		"overallStatus": report.Summary.OverallStatus,
		"bytes":         len(pdf),
	}, ref)

	filename := fmt.Sprintf("compliance-%s-%s.pdf", ref, report.Timestamp.UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	s.respondEvidence(w, r, s.deps.Evidence.ListAll(), "evidence")
}

func (s *Server) listProjectEvidence(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}

	logs, err := s.deps.Evidence.ListForProject(ref)
	if err != nil {
		s.internalError(w, r, fmt.Errorf("listing evidence: %w", err))
		return
	}
	s.respondEvidence(w, r, logs, "evidence-"+ref)
}

// respondEvidence writes logs as JSON, or as CSV when format=csv.
func (s *Server) respondEvidence(w http.ResponseWriter, r *http.Request, logs []models.EvidenceRecord, name string) {
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".csv"))
		if err := reports.StreamEvidenceCSV(w, logs); err != nil {
			s.logger.Error("writing evidence csv failed", zap.Error(err))
		}
		return
	}

	if logs == nil {
		logs = []models.EvidenceRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logs":      logs,
		"timestamp": now(),
	})
}

func (s *Server) recentEvidence(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}
	if s.deps.Recent == nil {
		respondError(w, http.StatusNotFound, "Evidence feed is not configured")
		return
	}

	limit := int64(defaultRecentLimit)
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.ParseInt(l, 10, 64)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	logs, err := s.deps.Recent.Recent(r.Context(), ref, limit)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":     "Evidence feed unavailable",
			"details":   err.Error(),
			"timestamp": now(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"logs":      logs,
		"timestamp": now(),
	})
}

func (s *Server) streamEvidence(w http.ResponseWriter, r *http.Request) {
	ref, ok := projectRef(w, r)
	if !ok {
		return
	}
	if s.deps.Stream == nil {
		respondError(w, http.StatusNotFound, "Evidence streaming is not configured")
		return
	}
	s.deps.Stream.Stream(w, r, ref)
}

func (s *Server) monitorStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		respondError(w, http.StatusNotFound, "Monitor is not enabled")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"lastRun":   s.deps.Monitor.LastRun(),
		"timestamp": now(),
	})
}

func (s *Server) runMonitor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		respondError(w, http.StatusNotFound, "Monitor is not enabled")
		return
	}

	run, err := s.deps.Monitor.RunNow(r.Context())
	if errors.Is(err, scheduler.ErrRunInProgress) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"timestamp": now(),
	})
}
