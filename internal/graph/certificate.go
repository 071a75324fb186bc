package graph

import (
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // x5t is defined as the SHA-1 thumbprint
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/youmark/pkcs8"
)

// assertionLifetime bounds how long a signed client assertion is accepted.
const assertionLifetime = 10 * time.Minute

// Construction errors. Both surface before any network call is made.
var (
	ErrKeyDecode         = errors.New("graph: cannot decode private key")
	ErrMissingThumbprint = errors.New("graph: certificate thumbprint required")
)

// PEM block types accepted in the key bundle.
const (
	pemEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemPKCS8          = "PRIVATE KEY"
	pemPKCS1          = "RSA PRIVATE KEY"
	pemCertificate    = "CERTIFICATE"
)

// signer holds the decoded RSA key and the x5t header value used to sign
// client assertions.
type signer struct {
	key *rsa.PrivateKey
	x5t string
}

// newSigner decodes the private key in pemData and settles the certificate
// thumbprint. thumbprint is the hex SHA-1 of the certificate registered with
// the app; when empty it is derived from a CERTIFICATE block in pemData.
func newSigner(pemData, passphrase []byte, thumbprint string) (*signer, error) {
	var keyBlock, certBlock *pem.Block

	rest := pemData
	for {
		var block *pem.Block

		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		switch block.Type {
		case pemEncryptedPKCS8, pemPKCS8, pemPKCS1:
			if keyBlock == nil {
				keyBlock = block
			}
		case pemCertificate:
			if certBlock == nil {
				certBlock = block
			}
		}
	}

	if keyBlock == nil {
		return nil, fmt.Errorf("%w: no private key block found", ErrKeyDecode)
	}

	key, err := decodeRSAKey(keyBlock, passphrase)
	if err != nil {
		return nil, err
	}

	thumb, err := resolveThumbprint(thumbprint, certBlock, key)
	if err != nil {
		return nil, err
	}

	return &signer{key: key, x5t: base64.RawURLEncoding.EncodeToString(thumb)}, nil
}

func decodeRSAKey(block *pem.Block, passphrase []byte) (*rsa.PrivateKey, error) {
	var (
		parsed any
		err    error
	)

	switch block.Type {
	case pemEncryptedPKCS8:
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("%w: encrypted key requires a passphrase", ErrKeyDecode)
		}

		parsed, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
	case pemPKCS8:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	if err != nil {
		// The underlying message can echo decryption internals; keep only
		// the classification.
		return nil, fmt.Errorf("%w: %s block could not be parsed or decrypted", ErrKeyDecode, strings.ToLower(block.Type))
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is %T, want RSA", ErrKeyDecode, parsed)
	}

	return key, nil
}

// resolveThumbprint decodes the configured hex thumbprint, or derives it from
// the certificate. A certificate that does not match the key is rejected.
func resolveThumbprint(configured string, certBlock *pem.Block, key *rsa.PrivateKey) ([]byte, error) {
	if certBlock != nil {
		cert, err := x509.ParseCertificate(certBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate: %w", ErrKeyDecode, err)
		}

		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok || !pub.Equal(&key.PublicKey) {
			return nil, fmt.Errorf("%w: certificate does not match private key", ErrKeyDecode)
		}

		if configured == "" {
			sum := sha1.Sum(cert.Raw) //nolint:gosec // thumbprint, not a security boundary

			return sum[:], nil
		}
	}

	if configured == "" {
		return nil, ErrMissingThumbprint
	}

	return decodeThumbprint(configured)
}

// decodeThumbprint accepts the hex forms portals print: plain, colon- or
// space-separated, any case.
func decodeThumbprint(s string) ([]byte, error) {
	cleaned := strings.NewReplacer(":", "", " ", "", "-", "").Replace(strings.TrimSpace(s))

	thumb, err := hex.DecodeString(cleaned)
	if err != nil || len(thumb) != sha1.Size {
		return nil, fmt.Errorf("%w: thumbprint must be %d hex-encoded bytes", ErrMissingThumbprint, sha1.Size)
	}

	return thumb, nil
}

// assertion signs a client assertion JWT for clientID addressed to
// tokenURL. The result is a credential and must never be logged.
func (s *signer) assertion(clientID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{tokenURL},
		Issuer:    clientID,
		Subject:   clientID,
		ID:        uuid.NewString(),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["x5t"] = s.x5t

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("graph: signing client assertion: %w", err)
	}

	return signed, nil
}

// thumbprintHex returns the upper-case hex thumbprint sent as x5t.
func (s *signer) thumbprintHex() string {
	raw, err := base64.RawURLEncoding.DecodeString(s.x5t)
	if err != nil {
		return ""
	}

	return strings.ToUpper(hex.EncodeToString(raw))
}
