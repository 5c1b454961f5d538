package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/types"
)

func testIssuer() *Issuer {
	return NewIssuer(config.AuthConfig{
		JWTSecret:        "access-secret",
		JWTRefreshSecret: "refresh-secret",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
	})
}

func TestIssueAndParse(t *testing.T) {
	issuer := testIssuer()
	userID := types.NewID()

	pair, err := issuer.Issue(userID, "9876543210", RoleDoctor)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	claims, err := issuer.ParseAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("Expected valid access token, got: %v", err)
	}
	if claims.UserID != userID.String() || claims.Role != RoleDoctor || claims.Phone != "9876543210" {
		t.Errorf("Unexpected claims: %+v", claims)
	}

	refresh, err := issuer.ParseRefresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Expected valid refresh token, got: %v", err)
	}
	if refresh.UserID != userID.String() {
		t.Errorf("Expected refresh subject %s, got %s", userID, refresh.UserID)
	}
}

func TestTokensAreNotInterchangeable(t *testing.T) {
	issuer := testIssuer()
	pair, _ := issuer.Issue(types.NewID(), "9876543210", RolePatient)

	if _, err := issuer.ParseAccess(pair.RefreshToken); err == nil {
		t.Error("Expected refresh token to be rejected as access token")
	}
	if _, err := issuer.ParseRefresh(pair.AccessToken); err == nil {
		t.Error("Expected access token to be rejected as refresh token")
	}
}

func TestTokensAreNotInterchangeableWithSharedSecret(t *testing.T) {
	// JWT_REFRESH_SECRET falls back to JWT_SECRET when unset
	issuer := NewIssuer(config.AuthConfig{
		JWTSecret:        "shared-secret",
		JWTRefreshSecret: "shared-secret",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       7 * 24 * time.Hour,
	})
	pair, err := issuer.Issue(types.NewID(), "9876543210", RolePatient)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if claims, err := issuer.ParseAccess(pair.RefreshToken); err == nil {
		t.Errorf("Expected refresh token to be rejected as access token, got claims %+v", claims)
	}
	if _, err := issuer.ParseRefresh(pair.AccessToken); err == nil {
		t.Error("Expected access token to be rejected as refresh token")
	}
	if _, err := issuer.ParseAccess(pair.AccessToken); err != nil {
		t.Errorf("Expected access token to stay valid, got: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	w := httptest.NewRecorder()
	Middleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler must not run for a refresh token")
	})).ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for refresh token as bearer, got %d", w.Code)
	}
}

func TestRefreshTokensAreUnique(t *testing.T) {
	issuer := testIssuer()
	id := types.NewID()

	a, _ := issuer.Issue(id, "1", RolePatient)
	b, _ := issuer.Issue(id, "1", RolePatient)
	if a.RefreshToken == b.RefreshToken {
		t.Error("Expected distinct refresh tokens for consecutive logins")
	}
}

func TestExpiredAccessToken(t *testing.T) {
	issuer := testIssuer()
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	pair, _ := issuer.Issue(types.NewID(), "1", RolePatient)

	issuer.now = time.Now
	if _, err := issuer.ParseAccess(pair.AccessToken); err == nil {
		t.Error("Expected expired token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	issuer := testIssuer()
	userID := types.NewID()
	pair, _ := issuer.Issue(userID, "9876543210", RolePatient)

	var seen *User
	handler := Middleware(issuer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUser(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"valid token", "Bearer " + pair.AccessToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}

	if seen == nil || seen.ID != userID || !seen.IsPatient() {
		t.Errorf("Expected patient %s in context, got %+v", userID, seen)
	}
}

func TestRequireRoles(t *testing.T) {
	handler := RequireRoles(RoleDoctor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		user   *User
		status int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"patient", &User{ID: types.NewID(), Role: RolePatient}, http.StatusForbidden},
		{"doctor", &User{ID: types.NewID(), Role: RoleDoctor}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/doctor/dashboard", nil)
			if tt.user != nil {
				req = req.WithContext(WithUser(req.Context(), tt.user))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}
