package main

import (
	"encoding/json"
	"net/http"

	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/queryunderstanding"
	"github.com/airp2/storyforge/internal/session"
	"github.com/airp2/storyforge/internal/storage"
)

// quInput assembles a queryunderstanding.Input from the request's runtime
// overrides and the persisted session state.
func quInput(unlockedChapter *int, activeCharacters []string, state domain.SessionState) queryunderstanding.Input {
	return queryunderstanding.Input{
		History:          state.Turns,
		Session:          &state,
		UnlockedChapter:  unlockedChapter,
		ActiveCharacters: activeCharacters,
	}
}

// sessionStoreFor resolves the session-state directory for the calling
// actor (registered user or guest), scoped to one novel.
func (a *app) sessionStoreFor(act scopeActor, novelID string) (*session.Store, error) {
	dir, err := a.layout.SessionsScopeDir(storage.SessionsScopeOpts{
		UserID:  act.userID,
		GuestID: act.guestID,
		NovelID: novelID,
	})
	if err != nil {
		return nil, err
	}
	return session.NewStore(dir)
}

// scopeActor is the minimal identity RP handlers need: exactly one of
// userID/guestID is set, matching the AuthSession invariant.
type scopeActor struct {
	userID  string
	guestID string
}

func (a *app) scopeActor(r *http.Request) (scopeActor, error) {
	act, err := a.actor(r)
	if err != nil {
		return scopeActor{}, err
	}
	return scopeActor{userID: act.UserID, guestID: act.GuestID}, nil
}

type queryContextRequest struct {
	NovelID          string   `json:"novel_id"`
	SessionID        string   `json:"session_id"`
	Message          string   `json:"message"`
	UnlockedChapter  *int     `json:"unlocked_chapter"`
	ActiveCharacters []string `json:"active_characters"`
}

type queryContextResponse struct {
	Query      domain.QueryUnderstandingResult `json:"query"`
	Candidates []domain.Candidate              `json:"candidates"`
	Worldbook  domain.WorldbookContext         `json:"worldbook"`
	Citations  []domain.Citation               `json:"citations"`
}

func (a *app) handleQueryContext(w http.ResponseWriter, r *http.Request) {
	var req queryContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	act, err := a.scopeActor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := a.novels.CanRead(r.Context(), act.userID, req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrForbidden)
		return
	}

	paths, err := a.novels.Paths(r.Context(), req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	bundle, err := a.retrieval.Get(r.Context(), req.NovelID, paths)
	if err != nil {
		writeError(w, err)
		return
	}

	store, err := a.sessionStoreFor(act, req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := store.Load(req.SessionID, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	understood := bundle.query.Understand(req.Message, quInput(req.UnlockedChapter, req.ActiveCharacters, state))
	candidates, _ := bundle.orchestrator.Retrieve(r.Context(), understood, state.RecentEntities, 0)
	wb, citations := bundle.builder.Build(candidates, understood)

	writeJSON(w, http.StatusOK, queryContextResponse{
		Query:      understood,
		Candidates: candidates,
		Worldbook:  wb,
		Citations:  citations,
	})
}

type respondRequest struct {
	NovelID          string   `json:"novel_id"`
	SessionID        string   `json:"session_id"`
	Message          string   `json:"message"`
	UnlockedChapter  *int     `json:"unlocked_chapter"`
	ActiveCharacters []string `json:"active_characters"`
	CurrentScene     *string  `json:"current_scene"`
}

type respondResponse struct {
	AssistantReply string                  `json:"assistant_reply"`
	Citations      []domain.Citation       `json:"citations"`
	Session        domain.SessionState     `json:"session"`
	Query          domain.QueryUnderstandingResult `json:"query"`
}

func (a *app) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, err)
		return
	}

	act, err := a.scopeActor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := a.novels.CanRead(r.Context(), act.userID, req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, domain.ErrForbidden)
		return
	}

	paths, err := a.novels.Paths(r.Context(), req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	bundle, err := a.retrieval.Get(r.Context(), req.NovelID, paths)
	if err != nil {
		writeError(w, err)
		return
	}

	store, err := a.sessionStoreFor(act, req.NovelID)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := store.Load(req.SessionID, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	session.ApplyRuntimeUpdates(&state, session.RuntimeUpdates{
		UnlockedChapter:  req.UnlockedChapter,
		ActiveCharacters: req.ActiveCharacters,
		CurrentScene:     req.CurrentScene,
	})

	understood := bundle.query.Understand(req.Message, quInput(req.UnlockedChapter, req.ActiveCharacters, state))
	candidates, _ := bundle.orchestrator.Retrieve(r.Context(), understood, state.RecentEntities, 0)
	wb, citations := bundle.builder.Build(candidates, understood)
	reply := bundle.responder.Respond(r.Context(), req.Message, wb, citations)

	session.AppendTurn(&state, "user", req.Message)
	session.AppendTurn(&state, "assistant", reply)
	session.RememberEntities(&state, understood.Entities)
	if err := store.Save(state); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, respondResponse{
		AssistantReply: reply,
		Citations:      citations,
		Session:        state,
		Query:          understood,
	})
}

func (a *app) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	novelID := r.URL.Query().Get("novel_id")

	act, err := a.scopeActor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	store, err := a.sessionStoreFor(act, novelID)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := store.Load(sessionID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
