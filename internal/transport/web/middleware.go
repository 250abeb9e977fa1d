package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/seasbee/go-logx"

	"github.com/dlmonitor/dlcache/internal/auth"
	"github.com/dlmonitor/dlcache/pkg/session"
)

type ctxKey string

const (
	sessionCtxKey   ctxKey = "session"
	principalCtxKey ctxKey = "principal"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID   int64
	Username string
	// Via is "token" or "session".
	Via string
}

// SessionFromContext returns the live session attached by the session
// middleware, if any.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionCtxKey).(*session.Session)
	return s, ok && s != nil
}

// PrincipalFromContext returns the caller resolved by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey).(Principal)
	return p, ok
}

// requestLogger logs one line per request after it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("request_id", chimiddleware.GetReqID(r.Context())),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.String("duration", time.Since(start).String()),
		}
		if status >= http.StatusInternalServerError {
			logx.Error("HTTP request failed", fields...)
			return
		}
		logx.Debug("HTTP request", fields...)
	})
}

// loadSession attaches the session named by the cookie. Lookups that fail
// for any reason leave the request anonymous.
func loadSession(sessions *session.Manager, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			s, ok := sessions.Get(r.Context(), c.Value)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), sessionCtxKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves the caller from a bearer token, falling back to the
// live session. A present but invalid bearer token does not fall back.
func authenticate(tokens auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := extractBearer(r.Header.Get("Authorization")); raw != "" {
				if tokens == nil {
					next.ServeHTTP(w, r)
					return
				}
				claims, err := tokens.Verify(r.Context(), raw)
				if err != nil {
					next.ServeHTTP(w, r)
					return
				}
				p := Principal{UserID: claims.UserID, Username: claims.Username, Via: "token"}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalCtxKey, p)))
				return
			}
			if s, ok := SessionFromContext(r.Context()); ok {
				p := Principal{UserID: s.UserID, Via: "session"}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalCtxKey, p)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "Not authenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
