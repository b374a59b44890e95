package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"callrouting-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// clockSkew is tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

const (
	defaultServiceTTL = time.Hour
	maxServiceTTL     = 30 * 24 * time.Hour
)

var (
	ErrTokenType     = errors.New("token_type mismatch")
	ErrMissingClaims = errors.New("required claim missing")
)

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	m := &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
	if m.accessTTL <= 0 {
		m.accessTTL = 15 * time.Minute
	}
	if m.refreshTTL <= 0 {
		m.refreshTTL = 24 * time.Hour
	}
	return m, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// IssuePair issues the access and refresh tokens returned by /v1/auth/login.
// Refresh tokens carry no role.
func (m *Manager) IssuePair(now time.Time, userID, tenantID, role string) (TokenPair, error) {
	access, err := m.issue(now, TokenTypeAccess, userID, tenantID, role, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.issue(now, TokenTypeRefresh, userID, tenantID, "", m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// IssueAccess issues a single access token with its own lifetime.
func (m *Manager) IssueAccess(now time.Time, userID, tenantID, role string, ttl time.Duration) (string, error) {
	if userID == "" || tenantID == "" || role == "" {
		return "", errors.New("user_id, tenant_id and role are required")
	}
	if ttl <= 0 {
		ttl = m.accessTTL
	}
	return m.issue(now, TokenTypeAccess, userID, tenantID, role, ttl)
}

// IssueService mints a token for the service account name, for example
// "flowctl" or "driver". The token's user id is "svc:<name>".
func (m *Manager) IssueService(now time.Time, name, tenantID, role string, ttl time.Duration) (string, error) {
	name = strings.TrimPrefix(strings.TrimSpace(name), servicePrefix)
	if name == "" || tenantID == "" || role == "" {
		return "", errors.New("service name, tenant_id and role are required")
	}
	switch {
	case ttl <= 0:
		ttl = defaultServiceTTL
	case ttl > maxServiceTTL:
		return "", fmt.Errorf("service token ttl %s exceeds %s", ttl, maxServiceTTL)
	}
	return m.issue(now, TokenTypeService, servicePrefix+name, tenantID, role, ttl)
}

// Verify checks signature, registered claims as of now, and that the token
// is of the expected type.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	claims, err := m.parse(tokenString, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.TokenType != expected {
		return Claims{}, ErrTokenType
	}
	return claims, nil
}

// Authenticate accepts the tokens allowed on API requests: user access
// tokens and service tokens.
func (m *Manager) Authenticate(tokenString string, now time.Time) (Claims, error) {
	claims, err := m.parse(tokenString, now)
	if err != nil {
		return Claims{}, err
	}
	switch claims.TokenType {
	case TokenTypeAccess:
	case TokenTypeService:
		if !claims.IsService() {
			return Claims{}, fmt.Errorf("%w: service user_id", ErrMissingClaims)
		}
	default:
		return Claims{}, ErrTokenType
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: user_id", ErrMissingClaims)
	}
	if claims.TenantID == "" {
		return Claims{}, fmt.Errorf("%w: tenant_id", ErrMissingClaims)
	}
	if claims.TokenType != TokenTypeRefresh && claims.Role == "" {
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaims)
	}
	return claims, nil
}

func (m *Manager) issue(now time.Time, tokenType TokenType, userID, tenantID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			Audience:  audienceOrNil(m.audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
		TokenType: tokenType,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
