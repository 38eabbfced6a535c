package middleware

import (
	"context"
	"net/http"

	scs "github.com/alexedwards/scs/v2"
)

type contextKey string

const ClientIDKey contextKey = "client_id"

// SessionClientKey is the session key holding the page's client id
const SessionClientKey = "sw_client_id"

// SessionClient copies the session's client id into the request context
func SessionClient(sess *scs.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := sess.GetString(r.Context(), SessionClientKey); id != "" {
				r = r.WithContext(context.WithValue(r.Context(), ClientIDKey, id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientID returns the client id set by SessionClient
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDKey).(string)
	return id
}

// RequireClient rejects requests from sessions that never registered a page
func RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ClientID(r.Context()) == "" {
			http.Error(w, "page not registered", http.StatusConflict)
			return
		}
		next.ServeHTTP(w, r)
	})
}
