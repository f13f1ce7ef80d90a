package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
)

// StatsAdmin expõe o estado punitivo de um identificador.
type StatsAdmin interface {
	Stats(ctx context.Context, identifier string) (domain.Stats, error)
	ClearViolations(ctx context.Context, identifier string) error
}

// SecurityAdmin expõe CAPTCHA e relatório de risco.
type SecurityAdmin interface {
	VerifySolution(ctx context.Context, challengeID, answer string) domain.VerifyResult
	GenerateSecurityReport(identifier string) domain.SecurityReport
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Solution    string `json:"solution"`
}

type verifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type reportResponse struct {
	Identifier        string         `json:"identifier,omitempty"`
	TotalThreats      int            `json:"totalThreats"`
	ThreatsByType     map[string]int `json:"threatsByType"`
	ThreatsBySeverity map[string]int `json:"threatsBySeverity"`
	RiskScore         int            `json:"riskScore"`
	Recommendations   []string       `json:"recommendations"`
	GeneratedAt       int64          `json:"generatedAt"`
}

type statsResponse struct {
	Identifier  string `json:"identifier"`
	Violations  int64  `json:"violations"`
	Blocked     bool   `json:"blocked"`
	BlockExpiry int64  `json:"blockExpiry,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AdminRoutes monta as rotas de verificação de CAPTCHA, relatório e estatísticas:
//
//	POST   /captcha/verify
//	GET    /security/report[?identifier=]
//	GET    /stats/{identifier}
//	DELETE /stats/{identifier}
func AdminRoutes(stats StatsAdmin, security SecurityAdmin, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &adminHandler{stats: stats, security: security, logger: logger}

	r := chi.NewRouter()
	if security != nil {
		r.Post("/captcha/verify", h.verify)
		r.Get("/security/report", h.report)
	}
	if stats != nil {
		r.Get("/stats/{identifier}", h.getStats)
		r.Delete("/stats/{identifier}", h.clearStats)
	}
	return r
}

type adminHandler struct {
	stats    StatsAdmin
	security SecurityAdmin
	logger   *slog.Logger
}

func (h *adminHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.ChallengeID) == "" || strings.TrimSpace(req.Solution) == "" {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Error: "challengeId and solution are required"})
		return
	}

	res := h.security.VerifySolution(r.Context(), req.ChallengeID, req.Solution)
	out := verifyResponse{Valid: res.Valid}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *adminHandler) report(w http.ResponseWriter, r *http.Request) {
	rep := h.security.GenerateSecurityReport(r.URL.Query().Get("identifier"))

	out := reportResponse{
		Identifier:        rep.Identifier,
		TotalThreats:      rep.TotalThreats,
		ThreatsByType:     make(map[string]int, len(rep.ThreatsByType)),
		ThreatsBySeverity: make(map[string]int, len(rep.ThreatsBySeverity)),
		RiskScore:         rep.RiskScore,
		Recommendations:   rep.Recommendations,
		GeneratedAt:       rep.GeneratedAt.UnixMilli(),
	}
	for k, v := range rep.ThreatsByType {
		out.ThreatsByType[string(k)] = v
	}
	for k, v := range rep.ThreatsBySeverity {
		out.ThreatsBySeverity[string(k)] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *adminHandler) getStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	st, err := h.stats.Stats(r.Context(), id)
	if err != nil {
		h.logger.Warn("stats lookup failed", "identifier", id, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats unavailable"})
		return
	}

	out := statsResponse{Identifier: id, Violations: st.Violations, Blocked: st.Blocked}
	if st.Blocked {
		out.BlockExpiry = st.BlockExpiry.UnixMilli()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *adminHandler) clearStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identifier")
	if err := h.stats.ClearViolations(r.Context(), id); err != nil {
		h.logger.Warn("clear violations failed", "identifier", id, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "stats unavailable"})
		return
	}
	h.logger.Info("violations cleared", "identifier", id)
	w.WriteHeader(http.StatusNoContent)
}
