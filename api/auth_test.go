package api

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func userToken(t *testing.T, sub string) string {
	return signToken(t, jwt.MapClaims{"sub": sub, "aud": "taskboard", "exp": time.Now().Add(time.Hour).Unix()})
}

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := NewAuth(nil, AuthConfig{Audience: "taskboard", LocalMode: "hs256", SharedSecret: testSecret})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	return a
}

func TestAuthUserIDFromAuthHeader(t *testing.T) {
	a := newTestAuth(t)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u", "aud": "taskboard", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer " + userToken(t, "user-1"), want: "user-1"},
		{name: "surrounding spaces", header: "  Bearer " + userToken(t, "user-2") + " ", want: "user-2"},
		{name: "missing", header: "", wantErr: errMissingAuthorization},
		{name: "wrong scheme", header: "Basic abc", wantErr: errBadAuthorization},
		{name: "not a jwt", header: "Bearer abc", wantErr: errBadAuthorization},
		{name: "wrong key", header: "Bearer " + wrongKey},
		{name: "expired", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "u", "aud": "taskboard", "exp": time.Now().Add(-time.Hour).Unix()})},
		{name: "no expiry", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "u", "aud": "taskboard"})},
		{name: "wrong audience", header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "u", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()})},
		{name: "missing sub", header: "Bearer " + signToken(t, jwt.MapClaims{"aud": "taskboard", "exp": time.Now().Add(time.Hour).Unix()})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.UserIDFromAuthHeader(tt.header)
			if tt.want != "" {
				if err != nil || got != tt.want {
					t.Fatalf("want %q, got %q, %v", tt.want, got, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got user %q", got)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewAuthRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  AuthConfig
	}{
		{"jwks required", AuthConfig{}},
		{"secret required", AuthConfig{LocalMode: "hs256"}},
		{"unknown mode", AuthConfig{LocalMode: "none", SharedSecret: "x"}},
		{"negative ttl", AuthConfig{LocalMode: "hs256", SharedSecret: "x", KeyCacheTTL: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAuth(nil, tt.cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestIssueLocalTokenIsAccepted(t *testing.T) {
	a := newTestAuth(t)
	tok, err := IssueLocalToken(testSecret, "dev-user", "taskboard", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, err := a.UserIDFromAuthHeader("Bearer " + tok)
	if err != nil || got != "dev-user" {
		t.Fatalf("got %q, %v", got, err)
	}

	expired, _ := IssueLocalToken(testSecret, "dev-user", "taskboard", "", time.Minute, time.Now().Add(-time.Hour))
	if _, err := a.UserIDFromAuthHeader("Bearer " + expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	if _, err := IssueLocalToken("", "u", "", "", time.Hour, time.Now()); err == nil {
		t.Fatal("expected error without secret")
	}
}
