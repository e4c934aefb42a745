package keys

import (
	"crypto/ecdsa"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

const coordinateSize = 32

// uncompressedPoint encodes a P-256 public key as 0x04 || X || Y.
func uncompressedPoint(pub *ecdsa.PublicKey) ([]byte, error) {
	k, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	return k.Bytes(), nil
}

// p1363 encodes an ECDSA signature as r || s, each left-padded to 32 bytes.
func p1363(r, s *big.Int) []byte {
	sig := make([]byte, 2*coordinateSize)
	r.FillBytes(sig[:coordinateSize])
	s.FillBytes(sig[coordinateSize:])
	return sig
}

// derToP1363 converts a DER-encoded ECDSA signature to IEEE P1363 format.
func derToP1363(der []byte) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("parsing DER signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("trailing data after DER signature")
	}
	if sig.R.BitLen() > 8*coordinateSize || sig.S.BitLen() > 8*coordinateSize {
		return nil, fmt.Errorf("signature component exceeds %d bytes", coordinateSize)
	}
	return p1363(sig.R, sig.S), nil
}
