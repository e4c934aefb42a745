// Package keys provides VAPID key implementations.
package keys

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/atscard/webpush/vapid"
)

const scalarSize = 32

// ErrPublicKeyMismatch is returned when a configured public key does not
// belong to the configured private key.
var ErrPublicKeyMismatch = errors.New("public key does not match private key")

// FileSigner signs with a VAPID private key held in process memory.
type FileSigner struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // uncompressed format
}

// NewFileSigner loads a VAPID key from a PEM file (SEC 1 or PKCS #8).
func NewFileSigner(privateKeyPath string) (*FileSigner, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	return NewFileSignerFromPEM(data)
}

// NewFileSignerFromPEM parses a PEM encoded P-256 private key.
func NewFileSignerFromPEM(data []byte) (*FileSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	var privKey *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		privKey = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS #8 private key: %w", err)
		}
		ek, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is %T, not ECDSA", k)
		}
		privKey = ek
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	if privKey.Curve != elliptic.P256() {
		return nil, errors.New("key must be P-256 curve")
	}
	return newFileSigner(privKey)
}

// NewFileSignerFromBase64 creates a FileSigner from a base64url encoded key.
// Both a raw 32-byte scalar and an encoded PEM document are accepted.
func NewFileSignerFromBase64(privateKeyB64 string) (*FileSigner, error) {
	privKeyBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(privateKeyB64), "="))
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}

	if strings.HasPrefix(string(privKeyBytes), "-----BEGIN") {
		return NewFileSignerFromPEM(privKeyBytes)
	}

	if len(privKeyBytes) != scalarSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", scalarSize, len(privKeyBytes))
	}
	// Rejects zero and scalars outside the group order.
	if _, err := ecdh.P256().NewPrivateKey(privKeyBytes); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	privKey := new(ecdsa.PrivateKey)
	privKey.Curve = elliptic.P256()
	privKey.D = new(big.Int).SetBytes(privKeyBytes)
	privKey.X, privKey.Y = privKey.Curve.ScalarBaseMult(privKeyBytes)

	return newFileSigner(privKey)
}

func newFileSigner(privKey *ecdsa.PrivateKey) (*FileSigner, error) {
	pubKey, err := uncompressedPoint(&privKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &FileSigner{
		privateKey: privKey,
		publicKey:  pubKey,
	}, nil
}

// Sign signs the given digest using ECDSA and returns the signature in IEEE P1363 format.
func (s *FileSigner) Sign(_ context.Context, digest []byte) ([]byte, error) {
	r, ss, err := ecdsa.Sign(rand.Reader, s.privateKey, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return p1363(r, ss), nil
}

// PublicKey returns the ECDSA public key in uncompressed format.
func (s *FileSigner) PublicKey() []byte {
	return s.publicKey
}

// PublicKeyBase64 returns the public key as a base64 URL-encoded string.
func (s *FileSigner) PublicKeyBase64() string {
	return vapid.ApplicationServerKey(s.publicKey)
}

// CheckPublicKey verifies that publicKeyB64 is this signer's public key.
func (s *FileSigner) CheckPublicKey(publicKeyB64 string) error {
	pub, err := vapid.DecodeApplicationServerKey(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublicKeyMismatch, err)
	}
	if !bytes.Equal(pub, s.publicKey) {
		return ErrPublicKeyMismatch
	}
	return nil
}

// GenerateKey generates a new ECDSA P-256 key pair and saves it to a PEM file.
func GenerateKey(path string) (*FileSigner, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	privKeyBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	block := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privKeyBytes,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	return newFileSigner(privKey)
}

// GenerateKeyPair generates a new key pair and returns both keys in base64 format:
// the private key as a 32-byte scalar and the public key as an uncompressed point.
func GenerateKeyPair() (privateKeyB64, publicKeyB64 string, err error) {
	privKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(privKey.Bytes()),
		base64.RawURLEncoding.EncodeToString(privKey.PublicKey().Bytes()),
		nil
}
