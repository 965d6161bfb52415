package auth

import "context"

type identityKey struct{}

// Identity is who a request acts for. The tenant owns every balance the
// request touches; the actor is recorded on ledger entries and audit events.
type Identity struct {
	TenantID string
	ActorID  string
}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func TenantFromContext(ctx context.Context) (string, bool) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.TenantID == "" {
		return "", false
	}
	return id.TenantID, true
}

func ActorFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.ActorID
}
