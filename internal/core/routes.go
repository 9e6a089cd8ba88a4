package core

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 30 * time.Second

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
}

// MountRoutes registers the middleware chain, /health and the /v1 group.
//
// Order:
//  1. Recoverer        catches panics from everything below.
//  2. ContextTimeout
//  3. RequestID        must precede the logger.
//  4. SecurityHeaders
//  5. RequestLogger
//  6. AdminKey
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.AdminKeyMiddleware)

	s.router.Get("/health", s.HandleHealth)
	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range s.V1RouteRegistrars {
			register(r)
		}
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusNotFound, APIErrorResponse{Error: ErrorDetail{
			Code:      "not_found_route",
			Message:   "no route for " + r.Method + " " + r.URL.Path,
			RequestID: GetRequestID(r.Context()),
		}})
	})
}
