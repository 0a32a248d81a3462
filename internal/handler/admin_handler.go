package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/service"
	"passwordless-auth/internal/util"
)

// AdminHandler exposes manual blocks, blacklist lookups and on-demand cleanup
type AdminHandler struct {
	auth    *service.AuthService
	cleanup config.CleanupConfig
	apiKey  string
	logger  *zap.Logger
}

func NewAdminHandler(auth *service.AuthService, cleanup config.CleanupConfig, apiKey string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{auth: auth, cleanup: cleanup, apiKey: apiKey, logger: logger}
}

type blockRequest struct {
	Contact       string `json:"contact"`
	Type          string `json:"type"`
	DurationHours int    `json:"duration_hours"`
}

// RegisterRoutes registers all admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(requireAdminKey(h.apiKey, h.logger))
		r.Post("/blacklist", h.BlockContact)
		r.Get("/blacklist", h.BlacklistStatus)
		r.Post("/cleanup", h.RunCleanup)
	})
}

// BlockContact adds a MANUAL_BLOCK entry; duration_hours 0 uses the policy default.
func (h *AdminHandler) BlockContact(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	if req.DurationHours < 0 {
		respondWithError(w, h.logger, service.ErrInvalidInput)
		return
	}
	entry, err := h.auth.BlockContact(r.Context(), req.Contact, req.Type, time.Duration(req.DurationHours)*time.Hour)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	h.logger.Info("Contact blocked by admin",
		util.String("contact_hash", entry.Contact.Hash()),
		util.Time("expires_at", entry.ExpiresAt))
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(entry, "Contact blocked"))
}

func (h *AdminHandler) BlacklistStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := h.auth.BlacklistStatus(r.Context(), q.Get("contact"), q.Get("type"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(status, ""))
}

// RunCleanup runs retention with the configured defaults. A run with any
// failed category answers 500 with the full report.
func (h *AdminHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	res := h.auth.RunCleanup(r.Context(), h.cleanup)
	if !res.Success {
		respondWithJSON(w, h.logger, http.StatusInternalServerError, Response{
			Success: false,
			Data:    res,
			Error:   "cleanup_failed",
			Message: "One or more cleanup categories failed",
		})
		return
	}
	msg := "Cleanup completed"
	if res.Skipped {
		msg = "Cleanup already running elsewhere"
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, msg))
}
