package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeService is carried by tokens minted for non-human callers:
	// the telephony driver and flowctl. They are never refreshed.
	TokenTypeService TokenType = "service"
)

// servicePrefix marks the user id of a service account.
const servicePrefix = "svc:"

// Claims are the only supported JWT claims shape for this service.
// TenantID must be present on every token; routing, flows and call
// history are all tenant scoped.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// IsService reports whether the claims belong to a service account.
func (c Claims) IsService() bool {
	return c.TokenType == TokenTypeService && strings.HasPrefix(c.UserID, servicePrefix)
}
