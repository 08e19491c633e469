package keystore

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIClaims are carried by node API tokens. The subject is the node's peer id.
type APIClaims struct {
	jwt.RegisteredClaims
	InstanceID uint32 `json:"iid"`
}

// IssueAPIToken signs a token that authorizes a client against one node's
// WebSocket/IPC endpoints.
func IssueAPIToken(key ed25519.PrivateKey, peerID string, instanceID uint32, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := APIClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   peerID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		InstanceID: instanceID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign api token: %w", err)
	}
	return signed, nil
}

// VerifyAPIToken checks a token against the node's public key and peer id.
func VerifyAPIToken(pub ed25519.PublicKey, peerID string, tokenString string) (*APIClaims, error) {
	var claims APIClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithSubject(peerID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid api token")
	}
	return &claims, nil
}
