package handler

import (
	"net/http"
	"strings"
	"time"

	"passwordless-auth/internal/config"
	"passwordless-auth/internal/service"
)

const (
	SessionCookieName = "session-token"
	RefreshCookieName = "refresh-token"
)

// cookieJar writes the session cookie pair. Both cookies share flags and are
// always set or cleared together.
type cookieJar struct {
	domain string
	secure bool
	now    func() time.Time
}

func newCookieJar(cfg config.SessionConfig, now func() time.Time) cookieJar {
	if now == nil {
		now = time.Now
	}
	return cookieJar{domain: cfg.CookieDomain, secure: cfg.SecureCookies, now: now}
}

func (j cookieJar) cookie(name, value string, expires time.Time) *http.Cookie {
	maxAge := int(expires.Sub(j.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   j.domain,
		Expires:  expires,
		MaxAge:   maxAge,
		Secure:   j.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func (j cookieJar) set(w http.ResponseWriter, res *service.SessionResult) {
	http.SetCookie(w, j.cookie(SessionCookieName, res.SessionToken, res.SessionExpiresAt))
	http.SetCookie(w, j.cookie(RefreshCookieName, res.RefreshToken, res.RefreshExpiresAt))
}

func (j cookieJar) clear(w http.ResponseWriter) {
	past := time.Unix(0, 0)
	http.SetCookie(w, j.cookie(SessionCookieName, "", past))
	http.SetCookie(w, j.cookie(RefreshCookieName, "", past))
}

// sessionTokenFrom prefers the cookie and falls back to a bearer header.
func sessionTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func refreshTokenFrom(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	if c, err := r.Cookie(RefreshCookieName); err == nil {
		return c.Value
	}
	return ""
}
