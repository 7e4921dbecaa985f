package domain

import (
	"errors"
	"time"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrTokenInvalid     = errors.New("token is invalid or expired")
	ErrUnauthorized     = errors.New("unauthorized")
)

// OperatorRole gates which admin API routes an operator may call
// (see middleware.RequireRole). Roles are read fresh from the database on
// every request via EnsureOperator rather than embedded in the JWT, so a
// role change takes effect immediately instead of waiting for reissue.
type OperatorRole string

const (
	RoleViewer OperatorRole = "viewer"
	RoleAdmin  OperatorRole = "admin"
)

// Operator is an admin-API principal — someone allowed to submit and
// inspect jobs over HTTP. Not part of the core engine; see SPEC_FULL.md
// "Operator auth".
type Operator struct {
	ID        string
	Email     string
	Role      OperatorRole
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MagicToken is a single-use, time-limited sign-in token emailed to an
// operator, adapted unchanged from the teacher's magic-link flow.
type MagicToken struct {
	ID        string
	OperatorID string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
