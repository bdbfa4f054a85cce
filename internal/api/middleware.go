package api

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"flowlab/internal/session"
	"flowlab/internal/store"
)

type contextKey string

const (
	ctxSession contextKey = "session"
	ctxClaims  contextKey = "claims"
)

// SessionFrom returns the session from request context.
func SessionFrom(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(ctxSession).(*session.Session); ok {
		return s
	}
	return nil
}

// ClaimsFrom returns the token claims from request context.
func ClaimsFrom(ctx context.Context) *Claims {
	if c, ok := ctx.Value(ctxClaims).(*Claims); ok {
		return c
	}
	return nil
}

// WithDefaults wraps a handler with the standard middleware chain.
// There is no request timeout here: a sync request legitimately runs
// as long as the generation service needs, which its own client
// timeout already bounds.
func WithDefaults(h http.Handler) http.Handler {
	return LoggingMiddleware(RecoveryMiddleware(GzipMiddleware(h)))
}

// LoggingMiddleware logs all requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, lw.status, time.Since(start))
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// RecoveryMiddleware turns handler panics into 500s.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("panic: %v", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// GzipMiddleware decompresses gzip request bodies and compresses responses.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gr.Close()
			r.Body = io.NopCloser(gr)
		}

		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w = &gzipResponseWriter{ResponseWriter: w, Writer: gz}
		}

		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	io.Writer
}

func (grw *gzipResponseWriter) Write(p []byte) (int, error) {
	return grw.Writer.Write(p)
}

// WithAuth is middleware that authenticates requests. When no token
// service is configured the daemon runs open and this passes through.
// Websocket clients cannot set headers, so a token query parameter is
// accepted as a fallback.
func (h *Handler) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization", nil)
			return
		}

		claims, err := h.tokens.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token", nil)
			return
		}

		ctx := context.WithValue(r.Context(), ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithSession is middleware that loads the session named in the URL,
// restoring it from the store if needed.
func (h *Handler) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "session id required", nil)
			return
		}

		s, err := h.mgr.Get(id)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) || errors.Is(err, store.ErrStateNotFound) {
				writeError(w, http.StatusNotFound, "session not found", nil)
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load session", err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxSession, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Chain combines multiple middleware.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
