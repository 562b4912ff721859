// Copyright 2026 The AuthGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto holds the token signing keys. Keys are loaded from
// PEM configuration at startup; private material never crosses the
// package boundary.
package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithms supported for token signing
const (
	AlgorithmRS256 = "RS256"
	AlgorithmHS256 = "HS256"
)

// Domain errors
var (
	ErrNoSigningKey    = errors.New("no signing key configured")
	ErrUnknownKeyID    = errors.New("unknown key id")
	ErrKeyExpired      = errors.New("signing key retired")
	ErrInvalidKeyPEM   = errors.New("invalid key PEM")
	ErrUnexpectedAlg   = errors.New("unexpected signing algorithm")
	ErrInvalidToken    = errors.New("invalid token signature")
	ErrSymmetricNoJWKS = errors.New("symmetric keys are not published")
)

// JWK represents a JSON Web Key (RFC 7517)
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set (RFC 7517)
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// keypair is one versioned RSA keypair
type keypair struct {
	kid     string
	version int
	private *rsa.PrivateKey // nil for verify-only (retired) keys
	public  *rsa.PublicKey
	// retireAt bounds how long the public key stays in the JWKS after
	// the key stops signing: max token lifetime plus a grace window.
	retireAt time.Time
}

// KeyService signs and verifies JWS payloads with versioned RSA keys.
// Read-mostly; rotation swaps the signing key under the lock.
type KeyService struct {
	mu        sync.RWMutex
	algorithm string
	signing   *keypair
	retired   map[string]*keypair
	hsSecret  []byte
	grace     time.Duration
	version   int
}

// Config holds key service configuration
type Config struct {
	Algorithm     string
	PrivateKeyPEM string
	PublicKeyPEM  string
	KeyID         string
	HS256Secret   string
	// GraceWindow is how long a rotated-out public key remains served
	// beyond the longest lifetime of tokens it signed.
	GraceWindow time.Duration
}

// NewKeyService loads the configured key material. For RS256 the PEM
// pair is mandatory; for HS256 the JWKS is an empty set.
func NewKeyService(cfg Config) (*KeyService, error) {
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = time.Hour
	}

	s := &KeyService{
		algorithm: cfg.Algorithm,
		retired:   make(map[string]*keypair),
		grace:     grace,
		version:   1,
	}

	switch cfg.Algorithm {
	case AlgorithmHS256:
		if cfg.HS256Secret == "" {
			return nil, fmt.Errorf("%w: HS256 requires a secret", ErrNoSigningKey)
		}
		s.hsSecret = []byte(cfg.HS256Secret)
		return s, nil

	case AlgorithmRS256:
		priv, err := parseRSAPrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		pub, err := parseRSAPublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		if priv.PublicKey.N.Cmp(pub.N) != 0 {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKeyPEM)
		}

		kid := cfg.KeyID
		if kid == "" {
			kid = Thumbprint(pub)
		}
		s.signing = &keypair{
			kid:     kid,
			version: 1,
			private: priv,
			public:  pub,
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedAlg, cfg.Algorithm)
	}
}

// Algorithm returns the configured signing algorithm.
func (s *KeyService) Algorithm() string {
	return s.algorithm
}

// KeyID returns the kid of the current signing key ("" for HS256).
func (s *KeyService) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.signing == nil {
		return ""
	}
	return s.signing.kid
}

// SigningMethod returns the jwt signing method for the configured
// algorithm.
func (s *KeyService) SigningMethod() jwt.SigningMethod {
	if s.algorithm == AlgorithmHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodRS256
}

// Sign produces a JWS over the claims with the current signing key.
// The kid is set in the token header for asymmetric keys.
func (s *KeyService) Sign(claims jwt.Claims) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.algorithm == AlgorithmHS256 {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return token.SignedString(s.hsSecret)
	}

	if s.signing == nil || s.signing.private == nil {
		return "", ErrNoSigningKey
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signing.kid
	return token.SignedString(s.signing.private)
}

// Keyfunc resolves the verification key for a parsed token header.
// Used by jwt.Parse; rejects unknown kids and algorithm confusion.
func (s *KeyService) Keyfunc(token *jwt.Token) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.algorithm == AlgorithmHS256 {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedAlg, token.Header["alg"])
		}
		return s.hsSecret, nil
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedAlg, token.Header["alg"])
	}

	kid, _ := token.Header["kid"].(string)
	if s.signing != nil && (kid == "" || kid == s.signing.kid) {
		return s.signing.public, nil
	}
	if kp, ok := s.retired[kid]; ok {
		if time.Now().After(kp.retireAt) {
			return nil, ErrKeyExpired
		}
		return kp.public, nil
	}
	return nil, ErrUnknownKeyID
}

// Rotate installs a new signing keypair. The previous public key keeps
// verifying (and stays in the JWKS) for maxTokenLifetime plus the
// grace window.
func (s *KeyService) Rotate(kid, privatePEM, publicPEM string, maxTokenLifetime time.Duration) error {
	if s.algorithm != AlgorithmRS256 {
		return fmt.Errorf("%w: rotation requires RS256", ErrUnexpectedAlg)
	}

	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return err
	}
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return err
	}
	if kid == "" {
		kid = Thumbprint(pub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.signing; old != nil {
		old.private = nil
		old.retireAt = time.Now().Add(maxTokenLifetime + s.grace)
		s.retired[old.kid] = old
	}
	s.version++
	s.signing = &keypair{
		kid:     kid,
		version: s.version,
		private: priv,
		public:  pub,
	}
	return nil
}

// PublicJWKS returns the served key set: the signing key plus every
// retired key still inside its grace window. Empty for HS256.
func (s *KeyService) PublicJWKS() JWKS {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jwks := JWKS{Keys: []JWK{}}
	if s.algorithm == AlgorithmHS256 {
		return jwks
	}

	if s.signing != nil {
		jwks.Keys = append(jwks.Keys, toJWK(s.signing))
	}
	now := time.Now()
	for _, kp := range s.retired {
		if now.Before(kp.retireAt) {
			jwks.Keys = append(jwks.Keys, toJWK(kp))
		}
	}
	return jwks
}

// Thumbprint derives a stable kid from the modulus of a public key.
func Thumbprint(pub *rsa.PublicKey) string {
	hash := sha256.Sum256(pub.N.Bytes())
	return base64.RawURLEncoding.EncodeToString(hash[:16])
}

func toJWK(kp *keypair) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: AlgorithmRS256,
		Kid: kp.kid,
		N:   base64.RawURLEncoding.EncodeToString(kp.public.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(kp.public.E)).Bytes()),
	}
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyPEM)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKeyPEM)
	}
	return key, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKeyPEM)
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyPEM, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKeyPEM)
	}
	return key, nil
}
