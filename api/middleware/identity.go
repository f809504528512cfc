package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// Identity is the caller as resolved by the authentication layer in
// front of this service. Session handling itself lives there; this
// service only trusts the forwarded headers.
type Identity struct {
	Username string
	IsAdmin  bool
}

const IdentityKey contextKey = "identity"

func WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username := r.Header.Get("X-Auth-User")
		if username == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "Missing user identity",
			})
			return
		}

		identity := Identity{
			Username: username,
			IsAdmin:  r.Header.Get("X-Auth-Admin") == "true",
		}

		ctx := context.WithValue(r.Context(), IdentityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetIdentity(ctx context.Context) Identity {
	if identity, ok := ctx.Value(IdentityKey).(Identity); ok {
		return identity
	}
	return Identity{}
}
