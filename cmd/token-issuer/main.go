// Command token-issuer mints RS256 bearer tokens scoped to an organization
// for local development. Point the API's JWT_PUBLIC_KEY at /public-key.pem.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/stagehand/internal/auth"
	"github.com/austindbirch/stagehand/internal/logging"
)

const defaultTTL = time.Hour

type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 or PKCS8 RSA private key, or generates a fresh one
// when pemData is empty.
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func (i *issuer) publicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

type tokenRequest struct {
	OrganizationID string `json:"organization_id"`
	Subject        string `json:"subject,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	Admin          bool   `json:"admin,omitempty"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

func (i *issuer) mint(req tokenRequest) (tokenResponse, error) {
	ttl := defaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	subject := req.Subject
	if subject == "" {
		subject = "dev-" + uuid.NewString()
	}

	now := i.now()
	claims := auth.Claims{
		OrganizationID: req.OrganizationID,
		Admin:          req.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{Token: signed, ExpiresIn: int(ttl / time.Second), TokenType: "Bearer"}, nil
}

func (i *issuer) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/public-key.pem", func(w http.ResponseWriter, r *http.Request) {
		pemBytes, err := i.publicKeyPEM()
		if err != nil {
			http.Error(w, "failed to encode public key", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(pemBytes)
	})

	r.Post("/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.OrganizationID == "" {
			http.Error(w, "organization_id is required", http.StatusBadRequest)
			return
		}
		if req.TTLSeconds < 0 {
			http.Error(w, "ttl_seconds must be positive", http.StatusBadRequest)
			return
		}

		resp, err := i.mint(req)
		if err != nil {
			http.Error(w, "Failed to sign token", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return r
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("stagehand-token-issuer")
	defer logger.Sync()

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	iss := &issuer{
		key:      key,
		issuer:   envOr("JWT_ISSUER", "stagehand"),
		audience: envOr("JWT_AUDIENCE", "stagehand-api"),
		now:      time.Now,
	}

	addr := ":" + envOr("PORT", "8082")
	logger.Plain().WithFields(map[string]any{
		"addr":     addr,
		"issuer":   iss.issuer,
		"audience": iss.audience,
	}).Info("Token issuer starting")

	srv := &http.Server{Addr: addr, Handler: iss.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}
