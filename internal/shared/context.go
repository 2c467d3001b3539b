package shared

import (
	"context"

	"github.com/permitdesk/permitdesk/internal/access"
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

// ProfileFromContext returns the signed-in profile, nil when anonymous.
func ProfileFromContext(ctx context.Context) *access.ResolvedProfile {
	sess := SessionFromContext(ctx)
	if sess == nil || sess.User() == "" {
		return nil
	}
	return sess.Profile()
}
