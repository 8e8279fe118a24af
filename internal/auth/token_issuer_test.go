package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	issuer := newTestIssuer(clock)

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), SessionClaims{
		Subject:     "user-1",
		DisplayName: "Ada",
		Role:        RoleWriter,
	})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
	if claims.DisplayName != "Ada" {
		t.Fatalf("unexpected display name %q", claims.DisplayName)
	}
	if claims.Role != RoleWriter {
		t.Fatalf("unexpected role %q", claims.Role)
	}
}

func TestIssueDefaultsToReaderRole(t *testing.T) {
	issuer := newTestIssuer(func() time.Time { return time.Unix(1700000000, 0).UTC() })

	token, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{Subject: "user-2"})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if claims.Role != RoleReader {
		t.Fatalf("expected reader role, got %q", claims.Role)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return issued })

	token, _, err := issuer.IssueSessionToken(context.Background(), SessionClaims{Subject: "user-3", Role: RoleReader})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	lateIssuer := newTestIssuer(func() time.Time { return issued.Add(31 * time.Minute) })
	if _, err := lateIssuer.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to fail validation")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	issuer := newTestIssuer(clock)

	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		Clock:         clock,
	})
	token, _, err := foreign.IssueSessionToken(context.Background(), SessionClaims{Subject: "user-4", Role: RoleOwner})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatal("expected token signed with a different secret to fail")
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{input: "reader", want: RoleReader},
		{input: " Writer ", want: RoleWriter},
		{input: "OWNER", want: RoleOwner},
		{input: "commenter", want: RoleCommenter},
		{input: "admin", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		role, err := ParseRole(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.input, err)
		}
		if role != tt.want {
			t.Fatalf("unexpected role for %q: %q", tt.input, role)
		}
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleOwner.AtLeast(RoleWriter) {
		t.Fatal("owner should satisfy writer")
	}
	if RoleReader.AtLeast(RoleCommenter) {
		t.Fatal("reader should not satisfy commenter")
	}
	if !RoleCommenter.AtLeast(RoleCommenter) {
		t.Fatal("role should satisfy itself")
	}
}
