package apix

import "context"

// SessionAuthority is the seam between the orchestrator and whoever owns
// session state. In a single-instance deployment the local QuotaEngine is
// the authority; when multiple middleware instances must share quota,
// transitions are delegated to a remote session authority service (see
// the http package's AuthorityClient).
//
// Validate and Start are fallible decisions: callers must treat an error
// as a refusal (fail closed) so quota cannot be bypassed by knocking out
// connectivity. Commit and Rollback are best-effort cleanup after the
// response outcome has already been decided; errors are logged, not
// surfaced.
type SessionAuthority interface {
	Validate(ctx context.Context, token string) (bool, error)
	Start(ctx context.Context, token string) (bool, error)
	Commit(ctx context.Context, token string) error
	Rollback(ctx context.Context, token string) error
}

var _ SessionAuthority = (*QuotaEngine)(nil)
