package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"codepair/pkg/interfaces"
	"codepair/pkg/types"
)

// authMiddleware resolves the caller before the handler runs
// FUNCTIONAL DISCOVERY: Invalid credentials answer 401 while a valid token for
// an unknown user answers 404, matching what clients already expect
func (s *Server) authMiddleware(h func(http.ResponseWriter, *http.Request, *types.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Resolver.Resolve(r.Context(), r)
		if err != nil {
			switch {
			case errors.Is(err, interfaces.ErrUnauthenticated):
				s.sendError(w, "Unauthorized - invalid token", http.StatusUnauthorized)
			case errors.Is(err, interfaces.ErrUserNotFound):
				s.sendError(w, "User not found", http.StatusNotFound)
			default:
				log.Printf("Error in authMiddleware: %v", err)
				s.sendError(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}

		if !s.deps.Limiter.Allow(user.ID) {
			s.sendError(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		h(w, r.WithContext(ctx), user)
	})
}

// UserFromContext returns the caller attached by the auth middleware
func UserFromContext(ctx context.Context) (*types.User, bool) {
	user, ok := ctx.Value(userKey).(*types.User)
	return user, ok
}

// timeoutMiddleware bounds store and provider calls made while serving the request
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	if s.opts.OperationTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.OperationTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access.
// An empty allow-list allows every origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.opts.AllowedOrigins))
	for _, origin := range s.opts.AllowedOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case len(allowed) == 0 || allowed["*"]:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
