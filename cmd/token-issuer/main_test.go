package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/stagehand/internal/auth"
)

func newTestIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := loadKey("")
	if err != nil {
		t.Fatalf("loadKey() error = %v", err)
	}
	return &issuer{key: key, issuer: "stagehand", audience: "stagehand-api", now: time.Now}
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}

	tests := []struct {
		name        string
		pem         string
		expectError bool
	}{
		{name: "generated", pem: ""},
		{name: "PKCS1", pem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))},
		{name: "PKCS8", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))},
		{name: "not PEM", pem: "nope", expectError: true},
		{name: "garbage block", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("x")})), expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadKey(tt.pem)
			if tt.expectError {
				if err == nil {
					t.Error("loadKey() expected error but got none")
				}
				return
			}
			if err != nil || got == nil {
				t.Fatalf("loadKey() = %v, %v", got, err)
			}
		})
	}
}

func TestIssuedTokenValidates(t *testing.T) {
	iss := newTestIssuer(t)
	srv := httptest.NewServer(iss.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/public-key.pem")
	if err != nil {
		t.Fatalf("GET public key: %v", err)
	}
	pemBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	validator, err := auth.NewJWTValidator(string(pemBytes), "stagehand", "stagehand-api")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}

	resp, err = http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"organization_id":"org-1","ttl_seconds":60,"admin":true}`))
	if err != nil {
		t.Fatalf("POST token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tok.ExpiresIn != 60 || tok.TokenType != "Bearer" {
		t.Errorf("token response = %+v", tok)
	}

	claims, err := validator.ValidateToken(tok.Token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.OrganizationID != "org-1" || !claims.Admin || !strings.HasPrefix(claims.Subject, "dev-") {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenHandler_BadRequests(t *testing.T) {
	handler := newTestIssuer(t).routes()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "missing organization", body: `{"ttl_seconds":60}`},
		{name: "negative ttl", body: `{"organization_id":"org-1","ttl_seconds":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestMint_DefaultTTL(t *testing.T) {
	iss := newTestIssuer(t)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return fixed }

	resp, err := iss.mint(tokenRequest{OrganizationID: "org-1", Subject: "user-1"})
	if err != nil {
		t.Fatalf("mint() error = %v", err)
	}
	if resp.ExpiresIn != int(defaultTTL/time.Second) {
		t.Errorf("ExpiresIn = %d", resp.ExpiresIn)
	}
}
