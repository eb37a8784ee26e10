package groupchat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/peerlearn/groupchat/pkg/router"
	"github.com/peerlearn/groupchat/store"
)

type sessionKey struct{}

func contextWithSession(ctx context.Context, session store.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(store.Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It panics if called from a handler that is not protected by JWTMiddleware.
func SessionFromRequest(r *http.Request) store.Session {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

// bearerToken reads the token from the Authorization header. Browsers cannot
// set headers on a websocket handshake, so the token query parameter is
// accepted as well.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// JWTMiddleware validates the bearer token and attaches the session to the
// request context. Any failure is answered with 401.
func JWTMiddleware(a *store.AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewError(http.StatusUnauthorized, "unauthenticated")

		return func(w http.ResponseWriter, r *http.Request) error {
			token := bearerToken(r)
			if token == "" {
				return authErr
			}

			session, err := a.Session(token)
			if err != nil {
				if errors.Is(err, store.ErrTokenExpired) {
					return router.NewError(http.StatusUnauthorized, err.Error())
				}
				return authErr
			}

			next.ServeHTTP(w, r.WithContext(contextWithSession(r.Context(), *session)))
			return nil
		}
	}
}
