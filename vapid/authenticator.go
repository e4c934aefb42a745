package vapid

import (
	"context"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

const (
	// TokenLifetime is how long issued tokens are valid for.
	TokenLifetime = 12 * time.Hour

	// MaxTokenLifetime is the ceiling push services enforce on exp - iat.
	MaxTokenLifetime = 24 * time.Hour

	signatureSize = 64
)

// ErrInvalidIdentity is returned when the VAPID key material or subject
// cannot be used to sign tokens.
var ErrInvalidIdentity = errors.New("invalid VAPID identity")

// Signer provides VAPID signing functionality.
type Signer interface {
	// Sign signs the given SHA-256 digest and returns the signature in
	// IEEE P1363 (r || s) format.
	Sign(ctx context.Context, digest []byte) ([]byte, error)
	// PublicKey returns the ECDSA public key in uncompressed format.
	PublicKey() []byte
}

// Authenticator issues VAPID Authorization headers for push endpoints. It is
// immutable after construction and safe for concurrent use.
type Authenticator struct {
	signer    Signer
	subject   string
	publicKey string
	now       func() time.Time
	headers   *cache.Cache
}

// NewAuthenticator validates the identity and returns an Authenticator.
// The signer is exercised once so that broken key material is reported here
// rather than on every send.
func NewAuthenticator(ctx context.Context, signer Signer, subject string) (*Authenticator, error) {
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrInvalidIdentity)
	}
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https:") {
		return nil, fmt.Errorf("%w: subject must be a mailto: or https: URI, got %q", ErrInvalidIdentity, subject)
	}

	pub := signer.PublicKey()
	if _, err := ecdh.P256().NewPublicKey(pub); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidIdentity, err)
	}

	probe := sha256.Sum256([]byte("vapid key check"))
	sig, err := signer.Sign(ctx, probe[:])
	if err != nil {
		return nil, fmt.Errorf("%w: signing: %v", ErrInvalidIdentity, err)
	}
	if len(sig) != signatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrInvalidIdentity, len(sig), signatureSize)
	}

	// Cached headers expire well before the token they carry does.
	ttl := TokenLifetime / 2
	return &Authenticator{
		signer:    signer,
		subject:   subject,
		publicKey: ApplicationServerKey(pub),
		now:       time.Now,
		headers:   cache.New(ttl, 10*time.Minute),
	}, nil
}

// PublicKey returns the base64url application server key.
func (a *Authenticator) PublicKey() string {
	return a.publicKey
}

// Subject returns the contact URI placed in the sub claim.
func (a *Authenticator) Subject() string {
	return a.subject
}

// Header returns the Authorization header value for a push to endpoint.
func (a *Authenticator) Header(ctx context.Context, endpoint string) (string, error) {
	aud, err := Audience(endpoint)
	if err != nil {
		return "", err
	}
	if h, ok := a.headers.Get(aud); ok {
		return h.(string), nil
	}

	token, err := a.Token(ctx, aud)
	if err != nil {
		return "", err
	}
	h := "vapid t=" + token + ", k=" + a.publicKey
	a.headers.SetDefault(aud, h)
	return h, nil
}

// Token signs a fresh ES256 JWT for the given audience.
func (a *Authenticator) Token(ctx context.Context, audience string) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": audience,
		"sub": a.subject,
		"iat": now.Unix(),
		"exp": now.Add(TokenLifetime).Unix(),
	})

	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("building JWT: %w", err)
	}
	digest := sha256.Sum256([]byte(signingString))
	sig, err := a.signer.Sign(ctx, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signingString + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Audience returns the origin (scheme and host) of a push endpoint.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q is not an absolute URL", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
