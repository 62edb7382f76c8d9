package auth

import (
	"context"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("KEYLEASE_AUTH_SECRET", value)
	ResetSecretCache()
	t.Cleanup(ResetSecretCache)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("dev@example.com", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	principal, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if principal != "dev@example.com" {
		t.Fatalf("unexpected principal %q", principal)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")

	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("token %q must not validate", token)
		}
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("dev@example.com", time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expired token must not validate")
	}
}

func TestGenerateWithoutSecret(t *testing.T) {
	withSecret(t, "")

	if _, err := GenerateToken("dev@example.com", time.Minute); err == nil {
		t.Fatal("expected missing-secret error")
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context must not carry a principal")
	}
	ctx = ContextWithPrincipal(ctx, "dev@example.com")
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal != "dev@example.com" {
		t.Fatalf("got %q, %v", principal, ok)
	}
}
