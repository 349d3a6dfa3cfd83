// Package auth guards the RPC surface: it binds each call to its session,
// checks request signatures and method permissions, and holds the password,
// one-time-password and TLS helpers the authentication methods use.
package auth

import (
	"context"

	"socialbox/pkg/peer"
	"socialbox/pkg/session"
)

type contextKey string

const (
	sessionContextKey    contextKey = "session"
	identifyAsContextKey contextKey = "identify_as"
)

// WithSession returns ctx carrying rec.
func WithSession(ctx context.Context, rec *session.Record) context.Context {
	return context.WithValue(ctx, sessionContextKey, rec)
}

// SessionFromContext returns the session the call was made on.
func SessionFromContext(ctx context.Context) (*session.Record, bool) {
	rec, ok := ctx.Value(sessionContextKey).(*session.Record)
	return rec, ok && rec != nil
}

// WithIdentifyAs returns ctx carrying the peer a server session acts for.
func WithIdentifyAs(ctx context.Context, addr peer.Address) context.Context {
	return context.WithValue(ctx, identifyAsContextKey, addr)
}

// IdentifyAsFromContext returns the peer a server session is acting for.
func IdentifyAsFromContext(ctx context.Context) (peer.Address, bool) {
	addr, ok := ctx.Value(identifyAsContextKey).(peer.Address)
	return addr, ok
}
