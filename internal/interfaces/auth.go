package interfaces

import "context"

// TokenVerifier resolves a bearer token to a stable user identifier.
// Verification is delegated to the identity layer; the orchestrator only
// consumes the returned user id for ownership checks. A failed
// verification surfaces as an Unauthorized fault.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}
