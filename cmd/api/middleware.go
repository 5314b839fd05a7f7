package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"civicaid/auth"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
	ctxKeyTrace  ctxKey = "trace"
)

// trace is shared between the logging middleware and the handlers below it so
// the access log can name the authenticated user.
type trace struct {
	requestID string
	userID    string
}

func actorFromContext(ctx context.Context) auth.Actor {
	userID, _ := ctx.Value(ctxKeyUserID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return auth.Actor{UserID: userID, Role: role}
}

func withActor(ctx context.Context, actor auth.Actor) context.Context {
	ctx = context.WithValue(ctx, ctxKeyUserID, actor.UserID)
	ctx = context.WithValue(ctx, ctxKeyRole, actor.Role)
	if t, ok := ctx.Value(ctxKeyTrace).(*trace); ok {
		t.userID = actor.UserID
	}
	return ctx
}

// requireAuth verifies the bearer token and stores the actor in the request
// context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		actor, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		t := &trace{requestID: r.Header.Get("X-Request-ID")}
		if t.requestID == "" {
			t.requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", t.requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), ctxKeyTrace, t)))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", t.requestID),
		}
		if t.userID != "" {
			fields = append(fields, zap.String("user_id", t.userID))
		}

		switch {
		case rec.status >= 500:
			s.log().Error("http request", fields...)
		case rec.status >= 400:
			s.log().Warn("http request", fields...)
		default:
			s.log().Info("http request", fields...)
		}
	})
}
