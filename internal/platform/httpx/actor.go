package httpx

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tradefin/tradefin/internal/shared"
)

// HeaderActorID carries the authenticated user id set by the upstream gateway.
const HeaderActorID = "X-Actor-ID"

// Actor attaches a shared.ActorContext built from the trusted actor header,
// the client address and the request id. Requests without the header pass
// through anonymously.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			RespondError(w, fmt.Errorf("%w: invalid %s header", ErrBadRequest, HeaderActorID))
			return
		}
		actor := shared.ActorContext{
			ActorID:   id,
			IP:        clientIP(r.RemoteAddr),
			RequestID: middleware.GetReqID(r.Context()),
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// RequireActor rejects mutating requests that carry no actor.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := shared.ActorFromContext(r.Context()); !ok {
			RespondError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
