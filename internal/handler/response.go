package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/model"
	"passwordless-auth/internal/service"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorKind is the stable, machine-readable error field. Driver details
// never reach the client.
type errorKind struct {
	status  int
	code    string
	message string
}

func classify(err error) errorKind {
	switch {
	case errors.Is(err, service.ErrBlacklisted):
		return errorKind{http.StatusForbidden, "blacklisted", blacklistMessage(err)}
	case errors.Is(err, service.ErrRateLimited):
		return errorKind{http.StatusTooManyRequests, "rate_limited", "Too many requests. Please wait before trying again."}
	case errors.Is(err, service.ErrNotFoundOrExpired):
		return errorKind{http.StatusGone, "code_expired", "No active verification code. Request a new one."}
	case errors.Is(err, service.ErrInvalidCode):
		return errorKind{http.StatusUnauthorized, "invalid_code", "Incorrect verification code."}
	case errors.Is(err, service.ErrInvalidContact):
		return errorKind{http.StatusBadRequest, "invalid_contact", "Enter a valid email address or phone number."}
	case errors.Is(err, service.ErrInvalidInput):
		return errorKind{http.StatusBadRequest, "invalid_input", "Invalid request."}
	case errors.Is(err, service.ErrInvalidSession):
		return errorKind{http.StatusUnauthorized, "invalid_session", "Session is missing or expired."}
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return errorKind{http.StatusUnauthorized, "invalid_refresh_token", "Refresh token is invalid or expired."}
	case errors.Is(err, service.ErrUnauthorized):
		return errorKind{http.StatusUnauthorized, "unauthorized", "Unauthorized."}
	case errors.Is(err, service.ErrStoreUnavailable):
		return errorKind{http.StatusServiceUnavailable, "store_unavailable", "Service temporarily unavailable. Please retry."}
	case errors.Is(err, service.ErrDeliveryFailed):
		return errorKind{http.StatusBadGateway, "delivery_failed", "Could not send the verification code. Please retry."}
	default:
		return errorKind{http.StatusInternalServerError, "internal_error", "Something went wrong."}
	}
}

func blacklistMessage(err error) string {
	var blocked *service.BlacklistedError
	if !errors.As(err, &blocked) {
		return "This contact is temporarily blocked."
	}
	switch blocked.Reason {
	case model.ReasonMaxVerifyAttempts:
		return "Too many incorrect codes. This contact is temporarily blocked."
	case model.ReasonMaxSendAttempts:
		return "Too many code requests. This contact is temporarily blocked."
	case model.ReasonManualBlock:
		return "This contact has been blocked. Contact support for help."
	default:
		return "This contact is temporarily blocked."
	}
}

// statusFor determines the appropriate HTTP status code for an error
func statusFor(err error) int {
	return classify(err).status
}

// errorDetails exposes the data carried by typed errors.
func errorDetails(err error) map[string]interface{} {
	var (
		blocked *service.BlacklistedError
		limited *service.RateLimitedError
		invalid *service.InvalidCodeError
	)
	switch {
	case errors.As(err, &blocked):
		return map[string]interface{}{
			"reason":     blocked.Reason,
			"expires_at": blocked.ExpiresAt,
		}
	case errors.As(err, &limited):
		return map[string]interface{}{
			"policy":              limited.Policy,
			"retry_after_seconds": retryAfterSeconds(limited.RetryAfter),
		}
	case errors.As(err, &invalid):
		return map[string]interface{}{
			"attempts":           invalid.Attempts,
			"attempts_remaining": invalid.AttemptsRemaining(),
			"should_blacklist":   invalid.ShouldBlacklist,
		}
	}
	return nil
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// respondWithError maps err to its status and writes the envelope.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := classify(err)

	var limited *service.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limited.RetryAfter)))
	}

	if kind.status >= http.StatusInternalServerError {
		logger.Error("HTTP error response", zap.Error(err), zap.Int("status_code", kind.status))
	} else {
		logger.Debug("HTTP error response", zap.Error(err), zap.Int("status_code", kind.status))
	}

	respondWithJSON(w, logger, kind.status, Response{
		Success: false,
		Data:    errorDetails(err),
		Error:   kind.code,
		Message: kind.message,
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Join(service.ErrInvalidInput, err)
	}
	return nil
}
