package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"codepair/internal/session"
	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

const maxBodyBytes = 1 << 20

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ChatTokenIssuer signs client tokens for the chat provider
type ChatTokenIssuer interface {
	IssueUserToken(user *types.User) (string, error)
}

// Dependencies are the collaborators the HTTP layer delegates to
type Dependencies struct {
	Coordinator interfaces.SessionCoordinator
	Query       interfaces.SessionQuery
	Resolver    interfaces.IdentityResolver
	Tokens      ChatTokenIssuer
	Health      HealthChecker
	Registry    Registry
	Watch       http.Handler
	Limiter     *RateLimiter
}

// Options tune request handling
type Options struct {
	OperationTimeout time.Duration
	AllowedOrigins   []string
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Dependencies
	opts    Options
	router  *http.ServeMux
	handler http.Handler
}

type contextKey struct{}

var userKey contextKey

// NewServer wires routes and middleware
func NewServer(deps Dependencies, opts Options) *Server {
	s := &Server{
		deps:   deps,
		opts:   opts,
		router: http.NewServeMux(),
	}

	s.setupRoutes()
	s.handler = s.corsMiddleware(s.router)
	return s
}

// ARCHITECTURAL DISCOVERY: Every /api route is authenticated, rate limited and
// bounded by the operation timeout; /ws authenticates itself and /health is open
func (s *Server) setupRoutes() {
	s.router.Handle("POST /api/sessions", s.api(s.createSession))
	s.router.Handle("GET /api/sessions/active", s.api(s.getActiveSessions))
	s.router.Handle("GET /api/sessions/my-recent", s.api(s.getMyRecentSessions))
	s.router.Handle("GET /api/sessions/{id}", s.api(s.getSessionByID))
	s.router.Handle("GET /api/sessions/{id}/events", s.api(s.getSessionEvents))
	s.router.Handle("POST /api/sessions/{id}/join", s.api(s.joinSession))
	s.router.Handle("POST /api/sessions/{id}/end", s.api(s.endSession))
	s.router.Handle("GET /api/chat/token", s.api(s.getChatToken))
	s.router.Handle("GET /health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	if s.deps.Watch != nil {
		s.router.Handle("GET /ws", s.deps.Watch)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// api composes the middleware chain for authenticated JSON routes
func (s *Server) api(h func(http.ResponseWriter, *http.Request, *types.User)) http.Handler {
	return s.jsonMiddleware(s.timeoutMiddleware(s.authMiddleware(h)))
}

// Request/Response types for JSON serialization
type CreateSessionRequest struct {
	Problem    string `json:"problem"`
	Difficulty string `json:"difficulty"`
}

type SessionResponse struct {
	Session *types.Session `json:"session"`
}

type SessionViewResponse struct {
	Session *types.SessionView `json:"session"`
}

type ListSessionsResponse struct {
	Sessions []*types.SessionView `json:"sessions"`
}

type EventsResponse struct {
	Events []*types.Event `json:"events"`
}

type MutationResponse struct {
	Message string         `json:"message"`
	Session *types.Session `json:"session"`
}

type ChatTokenResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserImage string `json:"userImage"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections,omitempty"`
}

type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      int            `json:"code"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	Session   *types.Session `json:"session,omitempty"`
}

// POST /api/sessions
func (s *Server) createSession(w http.ResponseWriter, r *http.Request, user *types.User) {
	var req CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	created, err := s.deps.Coordinator.Create(r.Context(), req.Problem, req.Difficulty, user)
	if err != nil {
		s.sendServiceError(w, "createSession", err, created)
		return
	}

	s.writeJSON(w, http.StatusCreated, SessionResponse{Session: created})
}

// GET /api/sessions/active
func (s *Server) getActiveSessions(w http.ResponseWriter, r *http.Request, user *types.User) {
	views, err := s.deps.Query.Active(r.Context())
	if err != nil {
		s.sendServiceError(w, "getActiveSessions", err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views})
}

// GET /api/sessions/my-recent
func (s *Server) getMyRecentSessions(w http.ResponseWriter, r *http.Request, user *types.User) {
	views, err := s.deps.Query.MyRecent(r.Context(), user)
	if err != nil {
		s.sendServiceError(w, "getMyRecentSessions", err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views})
}

// GET /api/sessions/{id}
func (s *Server) getSessionByID(w http.ResponseWriter, r *http.Request, user *types.User) {
	view, err := s.deps.Query.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, "getSessionById", err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, SessionViewResponse{Session: view})
}

// GET /api/sessions/{id}/events
func (s *Server) getSessionEvents(w http.ResponseWriter, r *http.Request, user *types.User) {
	events, err := s.deps.Query.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, "getSessionEvents", err, nil)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// POST /api/sessions/{id}/join
func (s *Server) joinSession(w http.ResponseWriter, r *http.Request, user *types.User) {
	joined, err := s.deps.Coordinator.Join(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.sendServiceError(w, "joinSession", err, joined)
		return
	}
	s.writeJSON(w, http.StatusOK, MutationResponse{Message: "Joined session successfully", Session: joined})
}

// POST /api/sessions/{id}/end
func (s *Server) endSession(w http.ResponseWriter, r *http.Request, user *types.User) {
	ended, err := s.deps.Coordinator.End(r.Context(), r.PathValue("id"), user)
	if err != nil {
		s.sendServiceError(w, "endSession", err, ended)
		return
	}
	s.writeJSON(w, http.StatusOK, MutationResponse{Message: "Session ended successfully", Session: ended})
}

// GET /api/chat/token
func (s *Server) getChatToken(w http.ResponseWriter, r *http.Request, user *types.User) {
	if s.deps.Tokens == nil {
		s.sendError(w, "Chat tokens are not configured", http.StatusServiceUnavailable)
		return
	}
	token, err := s.deps.Tokens.IssueUserToken(user)
	if err != nil {
		log.Printf("Error in getChatToken: %v", err)
		s.sendError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ChatTokenResponse{
		Token:     token,
		UserID:    user.ExternalID,
		UserName:  user.Name,
		UserImage: user.AvatarURL,
	})
}

// FUNCTIONAL DISCOVERY: GET /health - Return 503 if the database is unreachable
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
	}
	if s.deps.Registry != nil {
		response.Connections = s.deps.Registry.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// sendServiceError maps the coordinator's error taxonomy onto HTTP statuses
// FUNCTIONAL DISCOVERY: A provisioning failure still carries the persisted
// session so clients can show or retry it
func (s *Server) sendServiceError(w http.ResponseWriter, op string, err error, sess *types.Session) {
	var provErr *session.ProvisioningError
	switch {
	case errors.As(err, &provErr):
		s.writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:     http.StatusText(http.StatusBadGateway),
			Code:      http.StatusBadGateway,
			Message:   fmt.Sprintf("External provisioning failed during %s", provErr.Op),
			SessionID: provErr.SessionID,
			Session:   sess,
		})
	case errors.Is(err, session.ErrValidation):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrNotFound):
		s.sendError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrForbidden):
		s.sendError(w, "Only the host can end the session", http.StatusForbidden)
	case errors.Is(err, session.ErrConflict):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrInvalidState):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("Error in %s: %v", op, err)
		s.sendError(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
