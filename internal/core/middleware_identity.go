package core

import (
	"log/slog"
	"net/http"
	"strings"

	"cotick/internal/types"
)

// userIDHeader is the canonical header clients use to identify themselves.
// Browser clients connecting over WebSocket cannot always set headers, so the
// query parameter fallback below accepts the same value.
const userIDHeader = "X-User-Id"

// userIDQueryParam is the fallback query parameter for user identity,
// primarily for WebSocket upgrade requests and simple curl usage.
const userIDQueryParam = "userId"

// maxUserIDLength caps the accepted user identifier length. Identifiers are
// embedded in Redis key names and Kafka message payloads, so unbounded values
// are rejected.
const maxUserIDLength = 128

// UserIdentityMiddleware extracts the caller's user identifier and injects it
// into the request context via types.WithUserID.
//
// Resolution order:
//  1. The X-User-Id request header.
//  2. The userId query parameter.
//
// There is no authentication in this service; identity is self-declared, the
// same trust model as the share-token URLs. Requests without a usable
// identifier proceed anonymously: read endpoints serve them with the VIEWER
// role, and write endpoints reject them via RequireUserID. Identifiers that
// fail validation (too long, control characters) are logged and treated as
// absent rather than failing the request.
func (s *Server) UserIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get(userIDQueryParam))
		}

		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !validUserID(userID) {
			s.Logger.Warn("ignoring malformed user identifier",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("length", len(userID)),
			)
			next.ServeHTTP(w, r)
			return
		}

		ctx := types.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validUserID reports whether an identifier is safe to carry through Redis
// keys and event payloads. Identifiers are opaque strings chosen by clients;
// only length and control characters are restricted.
func validUserID(id string) bool {
	if len(id) > maxUserIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] == 0x7f {
			return false
		}
	}
	return true
}

// RequireUserID returns the user identifier from the request context, or an
// AppError with code validation_missing_user_identity when the request is
// anonymous. Handlers for write operations call this before acting.
func RequireUserID(r *http.Request) (string, error) {
	userID, ok := types.GetUserID(r.Context())
	if !ok {
		return "", types.NewAppError(
			types.ErrCodeValidationMissingUser,
			"user identity is required; set the X-User-Id header",
			nil,
		)
	}
	return userID, nil
}
