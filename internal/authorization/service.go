package authorization

import (
	"context"
	"errors"
)

// Service guards the operator surface. Subjects are admin API keys.
type Service interface {
	// Authorize resolves apiKey to its configured role and checks the
	// object/action pair against the policy.
	Authorize(ctx context.Context, apiKey string, object string, action string) (Principal, error)
}

// Principal identifies an authorized operator without exposing the key.
type Principal struct {
	Subject string
	Role    string
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
)
