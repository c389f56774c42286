package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxDisplayName
)

// AnonymousUserID is the caller identity used when token auth is disabled.
const AnonymousUserID = "anonymous"

var ErrNoIdentity = errors.New("auth: user_id not in context")

func WithIdentity(ctx context.Context, userID, displayName string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxDisplayName, displayName)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", ErrNoIdentity
}

func DisplayName(ctx context.Context) string {
	s, _ := ctx.Value(ctxDisplayName).(string)
	return s
}
