package main

import (
	"net/http"
	"strconv"
)

func (a *app) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := a.scheduler.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *app) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lines = n
		}
	}
	if lines < 1 {
		lines = 1
	}
	if lines > 2000 {
		lines = 2000
	}

	text, err := a.scheduler.TailLogs(r.Context(), id, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Logs string `json:"logs"`
	}{Logs: text})
}
