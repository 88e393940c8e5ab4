package main

import (
	"encoding/json"
	"net/http"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	GuestID  string `json:"guest_id,omitempty"`
}

func (a *app) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	user, err := a.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := a.auth.CreateUserSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	setSessionCookie(w, token, a.userSessionTTL())
	writeJSON(w, http.StatusCreated, authResponse{UserID: user.ID, Username: user.Username})
}

func (a *app) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	user, err := a.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token, err := a.auth.CreateUserSession(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	setSessionCookie(w, token, a.userSessionTTL())
	writeJSON(w, http.StatusOK, authResponse{UserID: user.ID, Username: user.Username})
}

func (a *app) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := sessionToken(r); token != "" {
		_ = a.auth.RevokeSession(r.Context(), token)
	}
	clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleMe(w http.ResponseWriter, r *http.Request) {
	act, err := a.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{UserID: act.UserID, Username: act.Username, GuestID: act.GuestID})
}

func (a *app) handleGuest(w http.ResponseWriter, r *http.Request) {
	token, guestID, err := a.auth.CreateGuestSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	setSessionCookie(w, token, a.guestSessionTTL())
	writeJSON(w, http.StatusCreated, authResponse{GuestID: guestID})
}
