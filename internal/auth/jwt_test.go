package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"callrouting-platform/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1", "tenant-1", "member")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.TenantID != "tenant-1" || claims.Role != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "w", "r")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestIssueAccessForServiceAccount(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.IssueAccess(now, "svc-flowctl", "tenant-1", "flow_editor", 2*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Verify(tok, TokenTypeAccess, now.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TenantID != "tenant-1" || claims.Role != "flow_editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := m.IssueAccess(now, "svc", "", "owner", 0); err == nil {
		t.Fatalf("expected error without tenant")
	}
}

func TestVerifyUsesSuppliedClock(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: 5 * time.Minute})
	issued := time.Unix(1700000000, 0).UTC()
	tok, err := m.IssueAccess(issued, "u1", "tenant-1", "analyst", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(tok, TokenTypeAccess, issued.Add(4*time.Minute)); err != nil {
		t.Fatalf("expected valid within ttl: %v", err)
	}
	// Within the skew allowance past exp.
	if _, err := m.Verify(tok, TokenTypeAccess, issued.Add(5*time.Minute+10*time.Second)); err != nil {
		t.Fatalf("expected leeway to apply: %v", err)
	}
	if _, err := m.Verify(tok, TokenTypeAccess, issued.Add(10*time.Minute)); err == nil {
		t.Fatalf("expected expired token at issued+10m")
	}
	if _, err := m.Verify(tok, TokenTypeAccess, issued.Add(-time.Hour)); err == nil {
		t.Fatalf("expected token issued in the future to be rejected")
	}
}

func TestVerifyChecksIssuerAndAudience(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "callrouting", JWTAudience: "api"})
	tok, err := issuer.IssueAccess(now, "u1", "tenant-1", "owner", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	otherAud, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "callrouting", JWTAudience: "reports"})
	if _, err := otherAud.Verify(tok, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected audience mismatch")
	}
	otherIss, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "elsewhere", JWTAudience: "api"})
	if _, err := otherIss.Verify(tok, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
	otherKey, _ := NewManager(config.AuthConfig{JWTSecret: "rotated", JWTIssuer: "callrouting", JWTAudience: "api"})
	if _, err := otherKey.Verify(tok, TokenTypeAccess, now); err == nil {
		t.Fatalf("expected signature failure")
	}
}

func TestServiceTokens(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret"})
	now := time.Unix(1700000000, 0).UTC()

	tok, err := m.IssueService(now, "driver", "tenant-1", "admin", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := m.Authenticate(tok, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !claims.IsService() || claims.UserID != "svc:driver" || claims.Subject != "svc:driver" {
		t.Fatalf("unexpected service claims: %+v", claims)
	}
	if _, err := m.Verify(tok, TokenTypeAccess, now); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected service token refused as user access token, got %v", err)
	}
	if _, err := m.Authenticate(tok, now.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected default one hour lifetime")
	}

	if _, err := m.IssueService(now, "driver", "tenant-1", "admin", 90*24*time.Hour); err == nil {
		t.Fatalf("expected ttl cap")
	}
	if _, err := m.IssueService(now, "svc:", "tenant-1", "admin", time.Minute); err == nil {
		t.Fatalf("expected empty service name rejected")
	}

	pair, _ := m.IssuePair(now, "u1", "tenant-1", "owner")
	if _, err := m.Authenticate(pair.RefreshToken, now); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected refresh token refused on requests, got %v", err)
	}
	if _, err := m.Authenticate(pair.AccessToken, now); err != nil {
		t.Fatalf("authenticate access: %v", err)
	}
}

func TestIdentityFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u1", "tenant-1", "owner")
	id, err := IdentityFrom(ctx)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.UserID != "u1" || id.TenantID != "tenant-1" || id.Role != "owner" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if _, err := IdentityFrom(context.Background()); err == nil {
		t.Fatalf("expected error on empty context")
	}
}
