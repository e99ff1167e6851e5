package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		OrganizationID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "stagehand",
			Audience:  jwt.ClaimStrings{"stagehand-api"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestNewJWTValidator(t *testing.T) {
	key, pub := newKeyPair(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))

	tests := []struct {
		name         string
		publicKeyPEM string
		expectError  bool
	}{
		{name: "PKIX public key", publicKeyPEM: pub},
		{name: "PKCS1 public key", publicKeyPEM: pkcs1},
		{name: "invalid PEM format", publicKeyPEM: "invalid-pem", expectError: true},
		{name: "empty PEM", publicKeyPEM: "", expectError: true},
		{
			name:         "garbage key bytes",
			publicKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte("nope")})),
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewJWTValidator(tt.publicKeyPEM, "stagehand", "stagehand-api")
			if tt.expectError {
				if err == nil {
					t.Error("NewJWTValidator() expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewJWTValidator() unexpected error: %v", err)
			}
			if v == nil {
				t.Fatal("NewJWTValidator() returned nil validator")
			}
		})
	}
}

func TestJWTValidator_ValidateToken(t *testing.T) {
	key, pub := newKeyPair(t)
	otherKey, _ := newKeyPair(t)
	v, err := NewJWTValidator(pub, "stagehand", "stagehand-api")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	tests := []struct {
		name    string
		token   func() string
		wantOrg string
		wantErr bool
	}{
		{
			name:    "valid token",
			token:   func() string { return sign(t, key, jwt.SigningMethodRS256, validClaims()) },
			wantOrg: "org-1",
		},
		{
			name: "expired",
			token: func() string {
				c := validClaims()
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return sign(t, key, jwt.SigningMethodRS256, c)
			},
			wantErr: true,
		},
		{
			name: "missing expiry",
			token: func() string {
				c := validClaims()
				c.ExpiresAt = nil
				return sign(t, key, jwt.SigningMethodRS256, c)
			},
			wantErr: true,
		},
		{
			name: "wrong issuer",
			token: func() string {
				c := validClaims()
				c.Issuer = "someone-else"
				return sign(t, key, jwt.SigningMethodRS256, c)
			},
			wantErr: true,
		},
		{
			name: "wrong audience",
			token: func() string {
				c := validClaims()
				c.Audience = jwt.ClaimStrings{"other-api"}
				return sign(t, key, jwt.SigningMethodRS256, c)
			},
			wantErr: true,
		},
		{
			name: "missing org_id",
			token: func() string {
				c := validClaims()
				c.OrganizationID = ""
				return sign(t, key, jwt.SigningMethodRS256, c)
			},
			wantErr: true,
		},
		{
			name:    "signed by another key",
			token:   func() string { return sign(t, otherKey, jwt.SigningMethodRS256, validClaims()) },
			wantErr: true,
		},
		{
			name: "HMAC token",
			token: func() string {
				s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("secret"))
				return s
			},
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   func() string { return "not.a.token" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.ValidateToken(tt.token())
			if tt.wantErr {
				if err == nil {
					t.Errorf("ValidateToken() expected error, got claims %+v", claims)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() unexpected error: %v", err)
			}
			if claims.OrganizationID != tt.wantOrg {
				t.Errorf("ValidateToken() org = %q, want %q", claims.OrganizationID, tt.wantOrg)
			}
		})
	}
}

func TestJWTValidator_HTTPMiddleware(t *testing.T) {
	key, pub := newKeyPair(t)
	v, err := NewJWTValidator(pub, "stagehand", "stagehand-api")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	var gotOrg string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg, _ = OrganizationFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := v.HTTPMiddleware(next)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedOrg    string
	}{
		{
			name:           "valid bearer token",
			authHeader:     "Bearer " + sign(t, key, jwt.SigningMethodRS256, validClaims()),
			expectedStatus: http.StatusNoContent,
			expectedOrg:    "org-1",
		},
		{
			name:           "missing header",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "wrong scheme",
			authHeader:     "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid token",
			authHeader:     "Bearer invalid",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOrg = ""
			req := httptest.NewRequest(http.MethodGet, "/bookings", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if gotOrg != tt.expectedOrg {
				t.Errorf("organization = %q, want %q", gotOrg, tt.expectedOrg)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				var body map[string]string
				if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body["code"] != "UNAUTHORIZED" || body["message"] == "" {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestOrganizationFromContext(t *testing.T) {
	if _, ok := OrganizationFromContext(context.Background()); ok {
		t.Error("OrganizationFromContext() on empty context reported ok")
	}
	if _, ok := OrganizationFromContext(WithOrganization(context.Background(), "")); ok {
		t.Error("OrganizationFromContext() accepted an empty organization")
	}
	org, ok := OrganizationFromContext(WithOrganization(context.Background(), "org-9"))
	if !ok || org != "org-9" {
		t.Errorf("OrganizationFromContext() = %q, %v", org, ok)
	}
}

func TestJWTValidator_HTTPMiddleware_Admin(t *testing.T) {
	key, pub := newKeyPair(t)
	v, err := NewJWTValidator(pub, "stagehand", "stagehand-api")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	var gotAdmin bool
	handler := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = IsAdmin(r.Context())
	}))

	for _, admin := range []bool{false, true} {
		claims := validClaims()
		claims.Admin = admin
		req := httptest.NewRequest(http.MethodGet, "/dead-letters", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, key, jwt.SigningMethodRS256, claims))
		gotAdmin = !admin

		handler.ServeHTTP(httptest.NewRecorder(), req)
		if gotAdmin != admin {
			t.Errorf("IsAdmin() = %v, want %v", gotAdmin, admin)
		}
	}
	if IsAdmin(context.Background()) {
		t.Error("IsAdmin() on empty context = true")
	}
}
