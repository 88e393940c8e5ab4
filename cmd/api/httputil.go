package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/airp2/storyforge/internal/auth"
	"github.com/airp2/storyforge/internal/domain"
)

const sessionCookieName = "sf_session"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps a domain sentinel error (or wrapped ValidationError) to
// its documented HTTP status and writes a JSON error body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNovelNotFound), errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrJobBusy):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidVisibility), errors.Is(err, domain.ErrInvalidUsername),
		errors.Is(err, domain.ErrInvalidStep), errors.Is(err, domain.ErrSourceMissing),
		errors.Is(err, domain.ErrChapterIndexMissing), errors.Is(err, domain.ErrAnnotatedMissing):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUsernameTaken):
		status = http.StatusBadRequest
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func setSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// actor resolves the caller's Actor from the session cookie. A missing or
// invalid cookie yields the zero Actor and domain.ErrAuthRequired, which
// handlers that tolerate anonymous callers (e.g. public novel reads) can
// ignore.
func (a *app) actor(r *http.Request) (auth.Actor, error) {
	return a.auth.ActorFromToken(r.Context(), sessionToken(r))
}
