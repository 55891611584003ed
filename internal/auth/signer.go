// Package auth issues and checks the EdDSA bearer tokens that guard the admin
// API.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer     = "omemostore"
	ScopeAdmin = "omemo:admin"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Signer holds an Ed25519 keypair for issuing and verifying admin JWTs.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	KeyID   string
}

// NewFromBase64 creates a signer from base64-encoded ed25519 private key
// bytes (64 bytes) or a bare 32-byte seed.
func NewFromBase64(privB64, kid string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(privB64)
	if err != nil {
		return nil, fmt.Errorf("auth: decode signing key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, errors.New("auth: invalid ed25519 private key size")
	}
	return &Signer{private: priv, public: priv.Public().(ed25519.PublicKey), KeyID: kid}, nil
}

// Generate returns a signer with a fresh key and its base64 encoding, for
// bootstrapping ADMIN_SIGNING_KEY.
func Generate(kid string) (*Signer, string, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", err
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{private: priv, public: pub, KeyID: kid}, base64.StdEncoding.EncodeToString(priv), nil
}

// Sign issues a token for subject sub with the admin scope.
func (s *Signer) Sign(sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   Issuer,
		"sub":   sub,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": ScopeAdmin,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.KeyID
	return t.SignedString(s.private)
}

// Verify checks signature, issuer, expiry and scope and returns the subject.
func (s *Signer) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.public, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if scope, _ := claims["scope"].(string); scope != ScopeAdmin {
		return "", fmt.Errorf("%w: missing scope %s", ErrInvalidToken, ScopeAdmin)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return sub, nil
}
