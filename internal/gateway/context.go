package gateway

import (
	"context"

	"github.com/markus-barta/housectl/internal/identity"
)

type contextKey string

const (
	sessionContextKey  contextKey = "session"
	identityContextKey contextKey = "identity"
)

// withSession adds the session and the identity behind it to the context.
func withSession(ctx context.Context, who identity.Identity, session *identity.Session) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, who)
	return context.WithValue(ctx, sessionContextKey, session)
}

// sessionFromContext retrieves the session from the context.
func sessionFromContext(ctx context.Context) *identity.Session {
	session, _ := ctx.Value(sessionContextKey).(*identity.Session)
	return session
}

func identityFromContext(ctx context.Context) (identity.Identity, bool) {
	who, ok := ctx.Value(identityContextKey).(identity.Identity)
	return who, ok
}
