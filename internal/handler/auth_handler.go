package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/model"
	"passwordless-auth/internal/service"
)

// AuthHandler handles the public OTP and session endpoints
type AuthHandler struct {
	auth     *service.AuthService
	cookies  cookieJar
	throttle Throttle
	logger   *zap.Logger
}

// NewAuthHandler creates the handler. throttle may be nil.
func NewAuthHandler(auth *service.AuthService, sessionCfg config.SessionConfig, throttle Throttle, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		cookies:  newCookieJar(sessionCfg, nil),
		throttle: throttle,
		logger:   logger,
	}
}

type contactRequest struct {
	Contact string `json:"contact"`
	Type    string `json:"type"`
}

type verifyRequest struct {
	Contact string `json:"contact"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	AllDevices   bool   `json:"all_devices"`
	RefreshToken string `json:"refresh_token"`
}

type sessionResponse struct {
	User             *model.User `json:"user"`
	IsNewUser        bool        `json:"is_new_user"`
	Redirect         string      `json:"redirect"`
	SessionToken     string      `json:"session_token"`
	SessionExpiresAt time.Time   `json:"session_expires_at"`
	RefreshToken     string      `json:"refresh_token"`
	RefreshExpiresAt time.Time   `json:"refresh_expires_at"`
}

type meResponse struct {
	User      *model.User    `json:"user"`
	Profile   *model.Profile `json:"profile,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.throttle != nil {
				r.Use(throttleByIP(h.throttle, h.logger))
			}
			r.Post("/otp/request", h.RequestOtp)
			r.Post("/otp/resend", h.ResendOtp)
			r.Post("/otp/verify", h.VerifyOtp)
		})
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(requireSession(h.auth, h.logger))
			r.Get("/session", h.Session)
			r.Post("/logout", h.Logout)
		})
	})
}

func (h *AuthHandler) RequestOtp(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	res, err := h.auth.RequestOtp(r.Context(), req.Contact, req.Type)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Verification code sent"))
}

func (h *AuthHandler) ResendOtp(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	res, err := h.auth.ResendOtp(r.Context(), req.Contact, req.Type)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(res, "Verification code resent"))
}

func (h *AuthHandler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	res, err := h.auth.VerifyOtp(r.Context(), req.Contact, req.Type, req.Code)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	h.cookies.set(w, res)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(toSessionResponse(res), "Signed in"))
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	info := sessionFrom(r.Context())
	resp := meResponse{User: info.User, Profile: info.Profile}
	if info.Claims.ExpiresAt != nil {
		resp.ExpiresAt = info.Claims.ExpiresAt.Time
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(resp, ""))
}

// Refresh takes the token from the body when present, else the cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, h.logger, err)
		return
	}
	raw := refreshTokenFrom(r, req.RefreshToken)
	if raw == "" {
		respondWithError(w, h.logger, service.ErrInvalidRefreshToken)
		return
	}
	res, err := h.auth.RefreshSession(r.Context(), raw)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRefreshToken) || errors.Is(err, service.ErrInvalidSession) {
			h.cookies.clear(w)
		}
		respondWithError(w, h.logger, err)
		return
	}
	h.cookies.set(w, res)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(toSessionResponse(res), "Session refreshed"))
}

// Logout revokes the presented refresh token, or every token of the user
// with all_devices or when none is presented. Cookies are cleared either way.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, h.logger, err)
		return
	}
	info := sessionFrom(r.Context())
	h.cookies.clear(w)

	// an empty token revokes every refresh token of the user
	raw := refreshTokenFrom(r, req.RefreshToken)
	if req.AllDevices {
		raw = ""
	}
	if err := h.auth.Logout(r.Context(), info.Claims.UserID, raw); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Signed out"))
}

func toSessionResponse(res *service.SessionResult) sessionResponse {
	return sessionResponse{
		User:             res.User,
		IsNewUser:        res.IsNewUser,
		Redirect:         res.RedirectHint,
		SessionToken:     res.SessionToken,
		SessionExpiresAt: res.SessionExpiresAt,
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt,
	}
}
