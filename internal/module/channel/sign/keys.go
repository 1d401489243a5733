package sign

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
)

// PEM block types used when wrapping raw key text.
const (
	BlockPublicKey     = "PUBLIC KEY"
	BlockPrivateKey    = "PRIVATE KEY"
	BlockRSAPrivateKey = "RSA PRIVATE KEY"
	BlockCertificate   = "CERTIFICATE"
)

const pemMarker = "-----BEGIN"

// HasPEMEnvelope reports whether key already carries PEM markers.
func HasPEMEnvelope(key string) bool {
	return strings.Contains(key, pemMarker)
}

// WrapPEM wraps raw base64 key text in a minimal PEM envelope. Many providers
// issue keys as a bare base64 line; text that already has markers is returned
// unchanged.
func WrapPEM(key, blockType string) string {
	if HasPEMEnvelope(key) {
		return key
	}
	raw := StripPEM(key)

	var b strings.Builder
	b.WriteString("-----BEGIN " + blockType + "-----\n")
	for len(raw) > 64 {
		b.WriteString(raw[:64])
		b.WriteByte('\n')
		raw = raw[64:]
	}
	if raw != "" {
		b.WriteString(raw)
		b.WriteByte('\n')
	}
	b.WriteString("-----END " + blockType + "-----\n")
	return b.String()
}

// StripPEM returns the bare base64 body of key with envelope lines and
// whitespace removed. Some SDKs insist on this form.
func StripPEM(key string) string {
	var b strings.Builder
	for _, line := range strings.Split(key, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(strings.Join(strings.Fields(line), ""))
	}
	return b.String()
}

// ParsePrivateKey parses an RSA private key in PKCS#8 or PKCS#1 form, with or
// without a PEM envelope.
func ParsePrivateKey(key string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidKey)
	}
	block, _ := pem.Decode([]byte(WrapPEM(key, BlockPrivateKey)))
	if block == nil {
		return nil, fmt.Errorf("%w: private key is not PEM or base64", ErrInvalidKey)
	}

	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA private key", ErrInvalidKey)
		}
		return rk, nil
	}
	rk, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return rk, nil
}

// ParsePublicKey parses an RSA public key given as PKIX, PKCS#1 or an X.509
// certificate, with or without a PEM envelope.
func ParsePublicKey(key string) (*rsa.PublicKey, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: empty public key", ErrInvalidKey)
	}
	block, _ := pem.Decode([]byte(WrapPEM(key, BlockPublicKey)))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM or base64", ErrInvalidKey)
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rk, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrInvalidKey)
		}
		return rk, nil
	}
	if rk, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return rk, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	rk, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate does not contain an RSA key", ErrInvalidKey)
	}
	return rk, nil
}
