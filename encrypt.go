package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	saltSize           = 16
	authSecretSize     = 16
	publicKeySize      = 65 // uncompressed P-256 point
	tagSize            = 16
	paddingFieldSize   = 2
	headerSize         = saltSize + 4 + 1 + publicKeySize
	maxPaddingLength   = 1<<16 - 1
	keyInfoPrefix      = "WebPush: info\x00"
	contentKeyInfo     = "Content-Encoding: aes128gcm\x00"
	contentNonceInfo   = "Content-Encoding: nonce\x00"
	contentKeySize     = 16
	contentNonceSize   = 12
	intermediateKeyLen = 32
)

const (
	// RecordSize is the record size advertised in the aes128gcm header.
	RecordSize = 4096

	// MaxPayloadSize is the largest encrypted body push services are
	// required to accept.
	MaxPayloadSize = 4096

	// Overhead is the number of bytes the aes128gcm framing adds to an
	// unpadded plaintext.
	Overhead = headerSize + tagSize + paddingFieldSize
)

var (
	// ErrInvalidSubscriptionKey is returned when a subscription's p256dh key
	// or auth secret cannot be used for encryption.
	ErrInvalidSubscriptionKey = errors.New("invalid subscription key")

	// ErrPayloadTooLarge is returned when an encrypted payload would exceed
	// the push service's maximum message size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// EncryptedSize returns the size of the aes128gcm body produced for a
// plaintext of n bytes with the given amount of padding.
func EncryptedSize(n, padding int) int {
	return n + padding + Overhead
}

// Message is the result of encrypting a payload for a single subscription.
// It must never be reused for another subscription or another payload.
type Message struct {
	// Body is the complete aes128gcm request body.
	Body []byte
	// Salt is the random salt written in the body header.
	Salt []byte
	// PublicKey is the ephemeral public key written in the body header.
	PublicKey []byte
}

// Encrypt encrypts plaintext for sub using RFC 8291 message encryption and
// aes128gcm framing. Every call generates a fresh salt and ephemeral key.
func Encrypt(sub *Subscription, plaintext []byte, padding int) (*Message, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil subscription", ErrInvalidSubscriptionKey)
	}
	if padding < 0 || padding > maxPaddingLength {
		return nil, fmt.Errorf("padding must be between 0 and %d, got %d", maxPaddingLength, padding)
	}
	if EncryptedSize(len(plaintext), padding) > RecordSize {
		return nil, fmt.Errorf("%w: %d bytes encrypted, limit %d", ErrPayloadTooLarge, EncryptedSize(len(plaintext), padding), RecordSize)
	}

	clientKey, authSecret, err := sub.decodeKeys()
	if err != nil {
		return nil, err
	}

	serverKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	serverPub := serverKey.PublicKey().Bytes()

	sharedSecret, err := serverKey.ECDH(clientKey)
	if err != nil {
		return nil, fmt.Errorf("%w: computing shared secret: %v", ErrInvalidSubscriptionKey, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	gcm, nonce, err := contentCipher(sharedSecret, authSecret, salt, clientKey.Bytes(), serverPub)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, paddingFieldSize+padding, paddingFieldSize+padding+len(plaintext))
	binary.BigEndian.PutUint16(padded, uint16(padding))
	padded = append(padded, plaintext...)

	body := make([]byte, 0, headerSize+len(padded)+tagSize)
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, RecordSize)
	body = append(body, byte(len(serverPub)))
	body = append(body, serverPub...)
	body = gcm.Seal(body, nonce, padded, nil)

	return &Message{
		Body:      body,
		Salt:      salt,
		PublicKey: serverPub,
	}, nil
}

// Decrypt reverses Encrypt on the receiving side, given the subscriber's
// private key and auth secret. It is what a user agent does on receipt.
func Decrypt(body []byte, priv *ecdh.PrivateKey, authSecret []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("private key is required")
	}
	if len(body) < headerSize+tagSize+paddingFieldSize {
		return nil, fmt.Errorf("message too short: %d bytes", len(body))
	}

	salt := body[:saltSize]
	idLen := int(body[saltSize+4])
	if idLen != publicKeySize {
		return nil, fmt.Errorf("unexpected key id length %d", idLen)
	}
	keyID := body[saltSize+5 : headerSize]
	ciphertext := body[headerSize:]

	serverKey, err := ecdh.P256().NewPublicKey(keyID)
	if err != nil {
		return nil, fmt.Errorf("parsing sender public key: %w", err)
	}
	sharedSecret, err := priv.ECDH(serverKey)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	gcm, nonce, err := contentCipher(sharedSecret, authSecret, salt, priv.PublicKey().Bytes(), keyID)
	if err != nil {
		return nil, err
	}

	padded, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting message: %w", err)
	}

	padLen := int(binary.BigEndian.Uint16(padded))
	if paddingFieldSize+padLen > len(padded) {
		return nil, fmt.Errorf("padding length %d exceeds record", padLen)
	}
	for _, b := range padded[paddingFieldSize : paddingFieldSize+padLen] {
		if b != 0 {
			return nil, errors.New("non-zero padding")
		}
	}
	return padded[paddingFieldSize+padLen:], nil
}

// contentCipher derives the content encryption key and nonce shared by
// Encrypt and Decrypt.
func contentCipher(sharedSecret, authSecret, salt, clientPub, serverPub []byte) (cipher.AEAD, []byte, error) {
	info := make([]byte, 0, len(keyInfoPrefix)+len(clientPub)+len(serverPub))
	info = append(info, keyInfoPrefix...)
	info = append(info, clientPub...)
	info = append(info, serverPub...)

	ikm, err := deriveKey(sharedSecret, authSecret, info, intermediateKeyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving IKM: %w", err)
	}
	cek, err := deriveKey(ikm, salt, []byte(contentKeyInfo), contentKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving CEK: %w", err)
	}
	nonce, err := deriveKey(ikm, salt, []byte(contentNonceInfo), contentNonceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving nonce: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nonce, nil
}

func deriveKey(secret, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeKeys parses the subscription's p256dh key and auth secret.
func (s *Subscription) decodeKeys() (*ecdh.PublicKey, []byte, error) {
	p256dh, err := decodeBase64URL(s.Keys.P256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding p256dh: %v", ErrInvalidSubscriptionKey, err)
	}
	if len(p256dh) != publicKeySize {
		return nil, nil, fmt.Errorf("%w: p256dh is %d bytes, want %d", ErrInvalidSubscriptionKey, len(p256dh), publicKeySize)
	}
	clientKey, err := ecdh.P256().NewPublicKey(p256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing p256dh: %v", ErrInvalidSubscriptionKey, err)
	}

	auth, err := decodeBase64URL(s.Keys.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decoding auth: %v", ErrInvalidSubscriptionKey, err)
	}
	if len(auth) != authSecretSize {
		return nil, nil, fmt.Errorf("%w: auth is %d bytes, want %d", ErrInvalidSubscriptionKey, len(auth), authSecretSize)
	}
	return clientKey, auth, nil
}

// decodeBase64URL accepts base64url with or without padding, which is how
// browsers and older key generators disagree on encoding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
}
