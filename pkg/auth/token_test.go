package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"atlaslibrary/pkg/domain"
)

func TestTokensIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("test-secret", TokenOptions{})
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	token, err := tokens.Issue(domain.User{ID: 42, Name: "Ada", Role: domain.RoleSubAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tokens.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 42 || claims.Role != domain.RoleSubAdmin || claims.Name != "Ada" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokensRejectForeignSecretAndAudience(t *testing.T) {
	issuer, _ := NewTokens("secret-a", TokenOptions{})
	otherSecret, _ := NewTokens("secret-b", TokenOptions{})
	otherAudience, _ := NewTokens("secret-a", TokenOptions{Audience: "someone-else"})

	token, err := issuer.Issue(domain.User{ID: 1, Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := otherSecret.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
	if _, err := otherAudience.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
	if _, err := issuer.Verify(context.Background(), "not-a-token"); err == nil {
		t.Fatalf("expected garbage token to fail")
	}
}

func TestTokensRejectExpired(t *testing.T) {
	tokens, _ := NewTokens("secret", TokenOptions{TTL: time.Millisecond, Leeway: time.Millisecond})
	token, err := tokens.Issue(domain.User{ID: 1, Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := tokens.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestTokensRevokeWithRedis(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tokens, _ := NewTokens("secret", TokenOptions{Revoker: NewRedisTokenRevoker(client, "test:revoked")})
	token, err := tokens.Issue(domain.User{ID: 9, Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ctx := context.Background()
	if _, err := tokens.Verify(ctx, token); err != nil {
		t.Fatalf("verify before revoke: %v", err)
	}
	if err := tokens.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := tokens.Verify(ctx, token); err == nil {
		t.Fatalf("expected revoked token to fail")
	}
	if len(redisSrv.Keys()) != 1 {
		t.Fatalf("expected one revocation key, got %v", redisSrv.Keys())
	}
}

func TestMemoryTokenRevokerIgnoresNonPositiveTTL(t *testing.T) {
	r := NewMemoryTokenRevoker()
	ctx := context.Background()
	if err := r.Revoke(ctx, "jti", 0); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti"); revoked {
		t.Fatalf("expected zero ttl to be ignored")
	}
	_ = r.Revoke(ctx, "jti", time.Minute)
	if revoked, _ := r.IsRevoked(ctx, "jti"); !revoked {
		t.Fatalf("expected token to be revoked")
	}
}

func TestMemoryTokenRevokerExpiresEntries(t *testing.T) {
	r := NewMemoryTokenRevoker()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	_ = r.Revoke(ctx, "old", time.Minute)
	now = now.Add(2 * time.Minute)
	if revoked, _ := r.IsRevoked(ctx, "old"); revoked {
		t.Fatalf("revocation should lapse with the token")
	}
	_ = r.Revoke(ctx, "new", time.Minute)
	if _, ok := r.expires["old"]; ok {
		t.Fatalf("expired entries should be pruned on write")
	}
}
