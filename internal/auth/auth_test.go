package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv("CONSENT_API_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("vault", []string{"Service", "service", " admin "}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "vault" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Issuer != "consentd" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
	want := []string{"service", "admin"}
	if len(claims.Roles) != len(want) {
		t.Fatalf("roles = %v, want %v", claims.Roles, want)
	}
	for i := range want {
		if claims.Roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", claims.Roles, want)
		}
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	setSecret(t)

	if _, err := GenerateToken("", nil, time.Hour); err == nil {
		t.Fatal("empty caller accepted")
	}
	if _, err := GenerateToken("vault", nil, 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}

func TestValidateRejectsForgedToken(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("vault", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(token, ".")
	forged := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := ParseAndValidate(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("forged token = %v, want ErrInvalidToken", err)
	}

	if _, err := ParseAndValidate("not a jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("junk token = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("vault", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token = %v, want ErrInvalidToken", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("CONSENT_API_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("vault", nil, time.Hour); err == nil {
		t.Fatal("token minted without a secret")
	}
}

func TestCallerContext(t *testing.T) {
	ctx := ContextWithCaller(context.Background(), "vault", []string{"Admin", "service"})

	callerID, ok := CallerIDFromContext(ctx)
	if !ok || callerID != "vault" {
		t.Fatalf("caller = %q, %v", callerID, ok)
	}
	if !HasRole(ctx, "admin") || !HasRole(ctx, "ADMIN") {
		t.Fatal("role lookup should be case-insensitive")
	}
	if HasRole(ctx, "root") {
		t.Fatal("unexpected role")
	}

	if _, ok := CallerIDFromContext(context.Background()); ok {
		t.Fatal("caller found in empty context")
	}
}
