// Package authcollab is the Auth Collaborator: the interface the core
// depends on (§6) plus one concrete OAuth2-backed implementation grounded
// on the teacher's internal/auth.TokenManager and internal/secrets.Store.
package authcollab

import "context"

// Collaborator is the interface the Live-View Client and Ticket Cache
// depend on. The core never reaches past this interface into OAuth2
// specifics.
type Collaborator interface {
	Authenticate(ctx context.Context) error
	GetToken() (string, error)
	RefreshToken(ctx context.Context) (bool, error)
	GetAccountID(ctx context.Context) (string, error)
}
