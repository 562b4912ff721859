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

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestKeyPEMs(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})
	return string(privPEM), string(pubPEM)
}

func newRS256Service(t *testing.T, kid string) *KeyService {
	t.Helper()

	priv, pub := generateTestKeyPEMs(t)
	svc, err := NewKeyService(Config{
		Algorithm:     AlgorithmRS256,
		PrivateKeyPEM: priv,
		PublicKeyPEM:  pub,
		KeyID:         kid,
	})
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}
	return svc
}

func TestSignAndVerifyRS256(t *testing.T) {
	svc := newRS256Service(t, "key-1")

	signed, err := svc.Sign(jwt.MapClaims{"sub": "user-1", "iss": "authgate"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	token, err := jwt.Parse(signed, svc.Keyfunc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !token.Valid {
		t.Fatal("expected valid token")
	}
	if token.Header["kid"] != "key-1" {
		t.Errorf("expected kid key-1 in header, got %v", token.Header["kid"])
	}
}

func TestSignAndVerifyHS256(t *testing.T) {
	svc, err := NewKeyService(Config{
		Algorithm:   AlgorithmHS256,
		HS256Secret: "test-secret-for-dev-mode-only",
	})
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}

	signed, err := svc.Sign(jwt.MapClaims{"sub": "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	token, err := jwt.Parse(signed, svc.Keyfunc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !token.Valid {
		t.Fatal("expected valid token")
	}
}

// TestPurpose: Verify symmetric keys never leak into the JWKS.
//
// Security: publishing any material for an HMAC key would hand out the
// signing secret. The HS256 document must be a well-formed empty set.
//
// Expected: PublicJWKS returns {"keys":[]} under HS256.
func TestJWKSEmptyForHS256(t *testing.T) {
	svc, err := NewKeyService(Config{
		Algorithm:   AlgorithmHS256,
		HS256Secret: "test-secret",
	})
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}

	jwks := svc.PublicJWKS()
	if jwks.Keys == nil {
		t.Fatal("expected non-nil empty key slice")
	}
	if len(jwks.Keys) != 0 {
		t.Fatalf("expected 0 keys, got %d", len(jwks.Keys))
	}
}

func TestJWKSContainsSigningKey(t *testing.T) {
	svc := newRS256Service(t, "key-1")

	jwks := svc.PublicJWKS()
	if len(jwks.Keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(jwks.Keys))
	}
	k := jwks.Keys[0]
	if k.Kid != "key-1" || k.Kty != "RSA" || k.Use != "sig" || k.Alg != AlgorithmRS256 {
		t.Errorf("unexpected JWK: %+v", k)
	}
	if k.N == "" || k.E == "" {
		t.Error("expected modulus and exponent to be populated")
	}
}

// TestPurpose: Verify rotation keeps old tokens verifiable.
//
// Scope: KeyService.Rotate grace-window behavior.
//
// Expected: after rotation the old kid still verifies and appears in
// the JWKS; new tokens are signed under the new kid.
func TestRotateKeepsOldKeyVerifying(t *testing.T) {
	svc := newRS256Service(t, "key-1")

	oldSigned, err := svc.Sign(jwt.MapClaims{"sub": "user-1"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	newPriv, newPub := generateTestKeyPEMs(t)
	if err := svc.Rotate("key-2", newPriv, newPub, time.Hour); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if svc.KeyID() != "key-2" {
		t.Errorf("expected signing kid key-2, got %q", svc.KeyID())
	}

	// Old token still verifies through the retired key.
	if _, err := jwt.Parse(oldSigned, svc.Keyfunc); err != nil {
		t.Errorf("old token failed verification after rotation: %v", err)
	}

	// New tokens carry the new kid.
	newSigned, err := svc.Sign(jwt.MapClaims{"sub": "user-2"})
	if err != nil {
		t.Fatalf("Sign after rotate: %v", err)
	}
	token, err := jwt.Parse(newSigned, svc.Keyfunc)
	if err != nil {
		t.Fatalf("Parse after rotate: %v", err)
	}
	if token.Header["kid"] != "key-2" {
		t.Errorf("expected kid key-2, got %v", token.Header["kid"])
	}

	jwks := svc.PublicJWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("expected 2 keys in JWKS during grace window, got %d", len(jwks.Keys))
	}
}

// TestPurpose: Verify algorithm confusion is rejected at the keyfunc.
//
// Security: an attacker must not be able to present an HS256 token
// signed with the public key to an RS256 verifier.
//
// Expected: Keyfunc returns ErrUnexpectedAlg for a mismatched method.
func TestKeyfuncRejectsAlgorithmConfusion(t *testing.T) {
	svc := newRS256Service(t, "key-1")

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "attacker"})
	forged.Header["kid"] = "key-1"
	signed, err := forged.SignedString([]byte("guessed-secret"))
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	_, err = jwt.Parse(signed, svc.Keyfunc)
	if err == nil {
		t.Fatal("expected verification failure for HS256 token against RS256 service")
	}
	if !errors.Is(err, ErrUnexpectedAlg) {
		t.Errorf("expected ErrUnexpectedAlg, got %v", err)
	}
}

func TestKeyfuncUnknownKid(t *testing.T) {
	svc := newRS256Service(t, "key-1")

	otherPriv, otherPub := generateTestKeyPEMs(t)
	other, err := NewKeyService(Config{
		Algorithm:     AlgorithmRS256,
		PrivateKeyPEM: otherPriv,
		PublicKeyPEM:  otherPub,
		KeyID:         "rogue",
	})
	if err != nil {
		t.Fatalf("NewKeyService: %v", err)
	}

	signed, err := other.Sign(jwt.MapClaims{"sub": "x"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = jwt.Parse(signed, svc.Keyfunc)
	if !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("expected ErrUnknownKeyID, got %v", err)
	}
}

func TestNewKeyServiceValidation(t *testing.T) {
	if _, err := NewKeyService(Config{Algorithm: AlgorithmHS256}); err == nil {
		t.Error("expected error for HS256 without secret")
	}
	if _, err := NewKeyService(Config{Algorithm: "ES256"}); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
	if _, err := NewKeyService(Config{Algorithm: AlgorithmRS256, PrivateKeyPEM: "garbage", PublicKeyPEM: "garbage"}); err == nil {
		t.Error("expected error for invalid PEM")
	}

	// Mismatched pair must be rejected.
	privA, _ := generateTestKeyPEMs(t)
	_, pubB := generateTestKeyPEMs(t)
	if _, err := NewKeyService(Config{Algorithm: AlgorithmRS256, PrivateKeyPEM: privA, PublicKeyPEM: pubB}); err == nil {
		t.Error("expected error for mismatched key pair")
	}
}

func TestThumbprintStable(t *testing.T) {
	_, pubPEM := generateTestKeyPEMs(t)
	pub, err := parseRSAPublicKey(pubPEM)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	a := Thumbprint(pub)
	b := Thumbprint(pub)
	if a == "" || a != b {
		t.Errorf("expected stable non-empty thumbprint, got %q and %q", a, b)
	}
}
