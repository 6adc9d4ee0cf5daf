/*
middleware.go - Caller identity and request logging

IDENTITY:
  Every /api request carries a caller. With a secret configured the caller
  is the `sub` claim of an HS256 bearer token. With auth disabled (local
  development) the X-Participant-ID header is trusted as is. Handlers read
  the caller with CallerFrom. RequireAdmin narrows a route group to the
  configured admin ids.

LOGGING:
  RequestLogger writes one zap line per request with the chi request ID.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/warp/benefit-pool/insurance"
)

// ParticipantHeader names the caller when authentication is disabled.
const ParticipantHeader = "X-Participant-ID"

type contextKey string

const callerContextKey = contextKey("caller")

// CallerFrom returns the authenticated caller stored by IdentityMiddleware.
func CallerFrom(ctx context.Context) (insurance.ParticipantID, bool) {
	id, ok := ctx.Value(callerContextKey).(insurance.ParticipantID)
	return id, ok && id != ""
}

func withCaller(ctx context.Context, id insurance.ParticipantID) context.Context {
	return context.WithValue(ctx, callerContextKey, id)
}

// IdentityMiddleware resolves the caller of each request. An empty secret
// switches to the development header.
func IdentityMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				id := strings.TrimSpace(r.Header.Get(ParticipantHeader))
				if id == "" {
					writeError(w, http.StatusUnauthorized, ParticipantHeader+" header required", nil)
					return
				}
				next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), insurance.ParticipantID(id))))
				return
			}

			authHeader := r.Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Bearer token required", nil)
				return
			}

			sub, err := parseSubject(tokenString, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), insurance.ParticipantID(sub))))
		})
	}
}

// RequireAdmin refuses callers not listed in admins. An empty list refuses
// everyone.
func RequireAdmin(admins []string) func(http.Handler) http.Handler {
	allowed := make(map[insurance.ParticipantID]bool, len(admins))
	for _, id := range admins {
		allowed[insurance.ParticipantID(id)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := CallerFrom(r.Context())
			if !ok || !allowed[caller] {
				writeError(w, http.StatusForbidden, "Admin access required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseSubject(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

// RequestLogger logs method, path, status and latency of every request.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
