package controlapi

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
)

const secretSize = 32

// ClientClaims are carried by control API tokens.
type ClientClaims struct {
	jwt.RegisteredClaims
}

// LoadSecret reads the HMAC secret at path, generating it on first use.
func LoadSecret(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, generate a new key
		if os.IsNotExist(err) {
			b := make([]byte, secretSize)
			if _, err := rand.Read(b); err != nil {
				return nil, fmt.Errorf("failed to generate api secret: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create api secret directory: %w", err)
			}
			if err := os.WriteFile(path, b, 0o600); err != nil {
				return nil, fmt.Errorf("failed to write api secret: %w", err)
			}
			key = b
		} else {
			return nil, fmt.Errorf("failed to read api secret: %w", err)
		}
	}
	if len(key) < secretSize {
		return nil, fmt.Errorf("api secret %s is too short", path)
	}
	return key, nil
}

// IssueClientToken signs a control API token for subject.
func IssueClientToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ClientClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browsers cannot set headers on WebSocket upgrades.
	return r.URL.Query().Get("token")
}

// tokenRequired rejects requests without a valid bearer token.
func (s *Server) tokenRequired(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		tokenString := requestToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var claims ClientClaims
		token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			s.logger.Debug("Rejected control API request", "path", r.URL.Path, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, ps)
	}
}
