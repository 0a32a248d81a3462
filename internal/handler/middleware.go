package handler

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"passwordless-auth/internal/service"
	"passwordless-auth/internal/util"
)

type contextKey string

const sessionKey contextKey = "session"

// Throttle counts requests per client address.
type Throttle interface {
	Allow(ctx context.Context, ip string) (bool, time.Duration, error)
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"success":false,"error":"https_required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// throttleByIP rejects bursts from one address. Counter failures let the
// request through; the per-contact limits still apply behind it.
func throttleByIP(throttle Throttle, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry, err := throttle.Allow(r.Context(), clientIP(r))
			if err != nil {
				logger.Warn("IP throttle unavailable, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retry)))
				respondWithJSON(w, logger, http.StatusTooManyRequests, Response{
					Success: false,
					Error:   "rate_limited",
					Message: "Too many requests from this address. Please wait before trying again.",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port; RealIP has already applied forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireSession validates the session token and stores the result on the
// request context.
func requireSession(auth *service.AuthService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := sessionTokenFrom(r)
			if raw == "" {
				respondWithError(w, logger, service.ErrInvalidSession)
				return
			}
			info, err := auth.ValidateSession(r.Context(), raw)
			if err != nil {
				respondWithError(w, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, info)))
		})
	}
}

func sessionFrom(ctx context.Context) *service.SessionInfo {
	info, _ := ctx.Value(sessionKey).(*service.SessionInfo)
	return info
}

// requireAdminKey compares X-Admin-Key in constant time. An empty configured
// key disables the admin API.
func requireAdminKey(key string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
				logger.Warn("Rejected admin request",
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr))
				respondWithError(w, logger, service.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
