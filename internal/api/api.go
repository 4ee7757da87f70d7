// Package api exposes the bug tracker as a JSON HTTP API. Handlers stay
// thin: they decode, call the store or the lifecycle coordinator, and map
// categorized errors onto status codes. No rendering, no redirects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mwarren/bugtrack/internal/auth"
	"github.com/mwarren/bugtrack/internal/lifecycle"
	"github.com/mwarren/bugtrack/internal/llm"
	"github.com/mwarren/bugtrack/internal/models"
	"github.com/mwarren/bugtrack/internal/store"
)

// sessionCookie is the session cookie name.
const sessionCookie = "sid"

// Server provides the REST API handlers.
type Server struct {
	store     store.Store
	lifecycle *lifecycle.Coordinator
	sessions  *auth.Sessions
	llm       *llm.Client
}

// NewServer creates a new API server.
// The llmClient may be nil if no API key is configured.
func NewServer(s store.Store, sessions *auth.Sessions, llmClient *llm.Client) *Server {
	return &Server{
		store:     s,
		lifecycle: lifecycle.New(s),
		sessions:  sessions,
		llm:       llmClient,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/register", s.register)
	mux.HandleFunc("POST /api/v1/auth/login", s.login)
	mux.HandleFunc("POST /api/v1/auth/logout", s.logout)
	mux.HandleFunc("GET /api/v1/auth/me", s.withAuth(s.me))

	mux.HandleFunc("GET /api/v1/users", s.withAuth(s.listUsers))

	mux.HandleFunc("GET /api/v1/bugs", s.withAuth(s.listBugs))
	mux.HandleFunc("POST /api/v1/bugs", s.withAuth(s.createBug))
	mux.HandleFunc("GET /api/v1/bugs/{id}", s.withAuth(s.getBug))
	mux.HandleFunc("PUT /api/v1/bugs/{id}", s.withAuth(s.updateBug))
	mux.HandleFunc("DELETE /api/v1/bugs/{id}", s.withAuth(s.deleteBug))
	mux.HandleFunc("POST /api/v1/bugs/{id}/status", s.withAuth(s.transitionStatus))
	mux.HandleFunc("POST /api/v1/bugs/{id}/triage", s.withAuth(s.triageBug))

	mux.HandleFunc("GET /api/v1/my-work", s.withAuth(s.myWork))

	mux.HandleFunc("GET /api/v1/bugs/{id}/steps", s.withAuth(s.listSteps))
	mux.HandleFunc("POST /api/v1/bugs/{id}/steps", s.withAuth(s.addStep))
	mux.HandleFunc("POST /api/v1/bugs/{id}/steps/reorder", s.withAuth(s.reorderSteps))
	mux.HandleFunc("PUT /api/v1/steps/{id}", s.withAuth(s.updateStep))
	mux.HandleFunc("DELETE /api/v1/steps/{id}", s.withAuth(s.deleteStep))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionKey carries the authenticated session in the request context.
type sessionKey struct{}

// withAuth rejects requests without a live session and stashes the session
// in the request context for handlers.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		sess, ok := s.sessions.Get(c.Value)
		if !ok {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sess)
		next(w, r.WithContext(ctx))
	}
}

// currentSession returns the session placed in the context by withAuth.
func currentSession(r *http.Request) auth.Session {
	sess, _ := r.Context().Value(sessionKey{}).(auth.Session)
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleError maps the core's categorized errors onto HTTP status codes.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case store.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		slog.Warn("storage failure", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- JSON shapes ---

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type bugJSON struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	CreatedBy    string     `json:"created_by"`
	CreatorName  string     `json:"creator_name,omitempty"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	Severity     string     `json:"severity"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	CreationDate time.Time  `json:"creation_date"`
	ClosingDate  *time.Time `json:"closing_date,omitempty"`
}

type stepJSON struct {
	ID          string `json:"id"`
	BugID       string `json:"bug_id"`
	Order       int    `json:"step_order"`
	Description string `json:"description"`
}

func toBugJSON(b *models.Bug) bugJSON {
	return bugJSON{
		ID:           b.ID,
		Name:         b.Name,
		Description:  b.Description,
		CreatedBy:    b.CreatedBy,
		CreatorName:  b.CreatorName,
		AssignedTo:   b.AssignedTo,
		AssigneeName: b.AssigneeName,
		Severity:     string(b.Severity),
		Priority:     string(b.Priority),
		Status:       string(b.Status),
		CreationDate: b.CreatedAt,
		ClosingDate:  b.ClosedAt,
	}
}

func toBugListJSON(bugs []*models.Bug) []bugJSON {
	out := make([]bugJSON, 0, len(bugs))
	for _, b := range bugs {
		out = append(out, toBugJSON(b))
	}
	return out
}

func toStepListJSON(steps []*models.Step) []stepJSON {
	out := make([]stepJSON, 0, len(steps))
	for _, st := range steps {
		out = append(out, stepJSON{
			ID:          st.ID,
			BugID:       st.BugID,
			Order:       st.Order,
			Description: st.Description,
		})
	}
	return out
}

// --- Auth ---

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if _, err := s.store.GetUserByUsername(r.Context(), creds.Username); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("username %q is already taken", creds.Username))
		return
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		handleError(w, err)
		return
	}
	u := &models.User{Username: creds.Username, PasswordHash: hash}
	if err := s.store.CreateUser(r.Context(), u); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userJSON{ID: u.ID, Username: u.Username})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	u, err := s.store.GetUserByUsername(r.Context(), creds.Username)
	if err != nil || !auth.CheckPassword(u.PasswordHash, creds.Password) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	sess := s.sessions.Create(u.ID, u.Username)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, userJSON{ID: u.ID, Username: u.Username})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.sessions.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	writeJSON(w, http.StatusOK, userJSON{ID: sess.UserID, Username: sess.Username})
}

// --- Users ---

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{ID: u.ID, Username: u.Username})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Bugs ---

func (s *Server) listBugs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BugListFilter{
		Severity: models.Severity(q.Get("severity")),
		Priority: models.Priority(q.Get("priority")),
		Status:   models.BugStatus(q.Get("status")),
		Search:   q.Get("search"),
	}
	bugs, err := s.store.ListBugs(r.Context(), filter)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBugListJSON(bugs))
}

// bugPayload is the request body for creating and editing bugs. Steps is a
// pointer so an edit can distinguish "replace with this list" (possibly
// empty) from "leave steps alone".
type bugPayload struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AssignedTo  string    `json:"assigned_to"`
	Severity    string    `json:"severity"`
	Priority    string    `json:"priority"`
	Steps       *[]string `json:"steps"`
}

func (p bugPayload) fields() store.BugFields {
	return store.BugFields{
		Name:        p.Name,
		Description: p.Description,
		AssignedTo:  p.AssignedTo,
		Severity:    models.Severity(p.Severity),
		Priority:    models.Priority(p.Priority),
	}
}

type bugDetailJSON struct {
	bugJSON
	Steps []stepJSON `json:"steps"`
}

func (s *Server) createBug(w http.ResponseWriter, r *http.Request) {
	var payload bugPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	var steps []string
	if payload.Steps != nil {
		steps = *payload.Steps
	}

	sess := currentSession(r)
	b, err := s.lifecycle.CreateBugWithSteps(r.Context(), sess.UserID, payload.fields(), steps)
	if err != nil {
		handleError(w, err)
		return
	}

	s.writeBugDetail(w, r, http.StatusCreated, b.ID)
}

func (s *Server) getBug(w http.ResponseWriter, r *http.Request) {
	s.writeBugDetail(w, r, http.StatusOK, r.PathValue("id"))
}

// writeBugDetail responds with the bug plus its ordered steps.
func (s *Server) writeBugDetail(w http.ResponseWriter, r *http.Request, status int, id string) {
	b, err := s.store.GetBug(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, status, bugDetailJSON{bugJSON: toBugJSON(b), Steps: toStepListJSON(steps)})
}

func (s *Server) updateBug(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload bugPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sess := currentSession(r)
	var err error
	if payload.Steps != nil {
		err = s.lifecycle.EditBugWithSteps(r.Context(), sess.UserID, id, payload.fields(), *payload.Steps)
	} else {
		err = s.lifecycle.UpdateBugFields(r.Context(), sess.UserID, id, payload.fields())
	}
	if err != nil {
		handleError(w, err)
		return
	}

	s.writeBugDetail(w, r, http.StatusOK, id)
}

func (s *Server) deleteBug(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	if err := s.lifecycle.DeleteBug(r.Context(), sess.UserID, r.PathValue("id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) transitionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.lifecycle.TransitionStatus(r.Context(), id, models.BugStatus(req.Status)); err != nil {
		handleError(w, err)
		return
	}

	b, err := s.store.GetBug(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBugJSON(b))
}

func (s *Server) triageBug(w http.ResponseWriter, r *http.Request) {
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM not configured (set ANTHROPIC_API_KEY)")
		return
	}

	b, err := s.store.GetBug(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}

	suggestion, err := s.llm.SuggestTriage(r.Context(), b.Name, b.Description)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("LLM triage failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, suggestion)
}

func (s *Server) myWork(w http.ResponseWriter, r *http.Request) {
	sess := currentSession(r)
	assigned, created, err := s.store.ListBugsForUser(r.Context(), sess.UserID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]bugJSON{
		"assigned": toBugListJSON(assigned),
		"created":  toBugListJSON(created),
	})
}

// --- Steps ---

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStepListJSON(steps))
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	st, err := s.store.AddStep(r.Context(), r.PathValue("id"), req.Description)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stepJSON{
		ID:          st.ID,
		BugID:       st.BugID,
		Order:       st.Order,
		Description: st.Description,
	})
}

func (s *Server) updateStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.store.UpdateStep(r.Context(), r.PathValue("id"), req.Description); err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "step updated"})
}

func (s *Server) deleteStep(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteStep(r.Context(), r.PathValue("id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reorderSteps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderedIDs []string `json:"ordered_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	bugID := r.PathValue("id")
	if err := s.lifecycle.ReorderSteps(r.Context(), bugID, req.OrderedIDs); err != nil {
		handleError(w, err)
		return
	}

	steps, err := s.store.ListSteps(r.Context(), bugID)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStepListJSON(steps))
}
