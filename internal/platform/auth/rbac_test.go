package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRole(r *http.Request, role Role) *http.Request {
	ctx := WithIdentity(r.Context(), Identity{UserID: "u", WalletAddress: "0x01", Role: role})
	return r.WithContext(ctx)
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := contextWithRole(httptest.NewRequest(http.MethodGet, "/", nil), RoleDoctor)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole(RoleDoctor, RoleInsurer)(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	e := echo.New()
	req := contextWithRole(httptest.NewRequest(http.MethodGet, "/", nil), RolePatient)
	c := e.NewContext(req, httptest.NewRecorder())

	err := RequireRole(RoleInsurer)(okHandler)(c)
	expectStatus(t, err, http.StatusForbidden)
	if err.(*echo.HTTPError).Message != "required role: insurer" {
		t.Errorf("unexpected message: %v", err.(*echo.HTTPError).Message)
	}
}

func TestRequireRole_Unauthenticated(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectStatus(t, RequireRole(RolePatient)(okHandler)(c), http.StatusUnauthorized)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"patient", RolePatient, false},
		{" Doctor ", RoleDoctor, false},
		{"HOSPITAL", RoleHospital, false},
		{"insurer", RoleInsurer, false},
		{"admin", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseRole(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(testWallet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("unexpected canonical form %s", got)
	}

	for _, bad := range []string{"", "0x12", "not-an-address", "0xZZcdef0123456789abcdef0123456789abcdef01"} {
		if _, err := NormalizeAddress(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestIdentityFromContext_Missing(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Error("expected no identity in empty context")
	}
	if UserIDFromContext(context.Background()) != "" {
		t.Error("expected empty user id")
	}
}

func TestIdentity_Subject(t *testing.T) {
	if (Identity{UserID: "p1", WalletAddress: "0xabc"}).Subject() != "p1" {
		t.Error("expected user id as subject")
	}
	if (Identity{WalletAddress: "0xabc"}).Subject() != "0xabc" {
		t.Error("expected wallet as fallback subject")
	}
}
