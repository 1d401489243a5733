// Package sign implements the canonical signing protocol shared by every
// payment channel: deterministic parameter canonicalization, signature
// generation and verification for keyed digests and RSA.
//
// Signing and verification are pure and never perform I/O. Verification never
// returns an error: malformed key material or signatures simply do not verify.
package sign

import (
	"crypto"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	// MD5 is md5(canonical + key), lowercase hex.
	MD5 Algorithm = "md5"
	// MD5Key is md5(canonical + "&key=" + key), uppercase hex.
	MD5Key Algorithm = "md5-key"
	// HMACSHA256 is HMAC-SHA256 keyed with the secret, lowercase hex.
	HMACSHA256 Algorithm = "hmac-sha256"
	// RSASHA256 is RSASSA-PKCS1-v1_5 over SHA-256 of the UTF-8 bytes, base64.
	RSASHA256 Algorithm = "rsa-sha256"
	// RSASHA1 is RSASSA-PKCS1-v1_5 over SHA-1, base64. Legacy gateways only.
	RSASHA1 Algorithm = "rsa-sha1"
)

// Errors returned by Sign.
var (
	ErrInvalidKey           = errors.New("invalid key material")
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")
)

// IsAsymmetric reports whether the algorithm uses a key pair.
func (a Algorithm) IsAsymmetric() bool {
	return a == RSASHA256 || a == RSASHA1
}

// Sign computes the signature of canonical with the given key.
// For RSA algorithms key is the private key, raw base64 or PEM.
func Sign(alg Algorithm, canonical, key string) (string, error) {
	switch alg {
	case MD5:
		sum := md5.Sum([]byte(canonical + key))
		return hex.EncodeToString(sum[:]), nil
	case MD5Key:
		sum := md5.Sum([]byte(canonical + "&key=" + key))
		return strings.ToUpper(hex.EncodeToString(sum[:])), nil
	case HMACSHA256:
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write([]byte(canonical))
		return hex.EncodeToString(mac.Sum(nil)), nil
	case RSASHA256, RSASHA1:
		priv, err := ParsePrivateKey(key)
		if err != nil {
			return "", err
		}
		return signRSA(alg, canonical, priv)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

// Verify reports whether sig is a valid signature of canonical.
// For RSA algorithms key is the public key (raw base64, PEM or certificate).
func Verify(alg Algorithm, canonical, sig, key string) bool {
	if sig == "" {
		return false
	}
	switch alg {
	case MD5, MD5Key, HMACSHA256:
		want, err := Sign(alg, canonical, key)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
	case RSASHA256, RSASHA1:
		pub, err := ParsePublicKey(key)
		if err != nil {
			return false
		}
		return verifyRSA(alg, canonical, sig, pub)
	default:
		return false
	}
}

func hashFor(alg Algorithm, data string) (crypto.Hash, []byte) {
	if alg == RSASHA1 {
		sum := sha1.Sum([]byte(data))
		return crypto.SHA1, sum[:]
	}
	sum := sha256.Sum256([]byte(data))
	return crypto.SHA256, sum[:]
}

func signRSA(alg Algorithm, canonical string, priv *rsa.PrivateKey) (string, error) {
	h, digest := hashFor(alg, canonical)
	out, err := rsa.SignPKCS1v15(rand.Reader, priv, h, digest)
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func verifyRSA(alg Algorithm, canonical, sig string, pub *rsa.PublicKey) bool {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	h, digest := hashFor(alg, canonical)
	return rsa.VerifyPKCS1v15(pub, h, digest, raw) == nil
}

// Signer binds an algorithm to the key material of one channel.
type Signer struct {
	alg       Algorithm
	signKey   string
	verifyKey string
	priv      *rsa.PrivateKey
	pub       *rsa.PublicKey
}

// NewSigner parses key material once. For symmetric algorithms verifyKey may
// be empty and signKey is used for both directions. An empty RSA key disables
// that direction; a malformed one is ErrInvalidKey.
func NewSigner(alg Algorithm, signKey, verifyKey string) (*Signer, error) {
	s := &Signer{alg: alg, signKey: signKey, verifyKey: verifyKey}
	switch alg {
	case MD5, MD5Key, HMACSHA256:
		if s.verifyKey == "" {
			s.verifyKey = signKey
		}
	case RSASHA256, RSASHA1:
		var err error
		if signKey != "" {
			if s.priv, err = ParsePrivateKey(signKey); err != nil {
				return nil, err
			}
		}
		if verifyKey != "" {
			if s.pub, err = ParsePublicKey(verifyKey); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	return s, nil
}

// Algorithm returns the bound algorithm.
func (s *Signer) Algorithm() Algorithm {
	return s.alg
}

// Sign signs canonical.
func (s *Signer) Sign(canonical string) (string, error) {
	if !s.alg.IsAsymmetric() {
		return Sign(s.alg, canonical, s.signKey)
	}
	if s.priv == nil {
		return "", fmt.Errorf("%w: no private key", ErrInvalidKey)
	}
	return signRSA(s.alg, canonical, s.priv)
}

// Verify checks sig against canonical.
func (s *Signer) Verify(canonical, sig string) bool {
	if !s.alg.IsAsymmetric() {
		return Verify(s.alg, canonical, sig, s.verifyKey)
	}
	if s.pub == nil || sig == "" {
		return false
	}
	return verifyRSA(s.alg, canonical, sig, s.pub)
}
