package shared

import (
	"context"

	"github.com/google/uuid"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// CurrentUserID returns the authenticated user bound to the request session.
func CurrentUserID(ctx context.Context) (uuid.UUID, bool) {
	sess := SessionFromContext(ctx)
	if sess == nil || sess.User() == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(sess.User())
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
