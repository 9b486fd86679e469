package auth

import "context"

type contextKey struct{}

// Identity is the authenticated caller, as established by the upstream
// identity proxy and resolved against the local users table.
type Identity struct {
	UserID int64
	Role   string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

func UserID(ctx context.Context) int64 {
	id, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return id.UserID
}

func IsCoach(ctx context.Context) bool {
	id, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return id.Role == "coach"
}
