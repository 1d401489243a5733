// Package signtest provides RSA key material for tests.
package signtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"sync"
	"testing"
)

// KeyPair holds one RSA key pair in the encodings providers hand out.
type KeyPair struct {
	Key *rsa.PrivateKey

	PrivatePKCS8PEM string
	PrivatePKCS1PEM string
	PrivatePKCS8Raw string
	PrivatePKCS1Raw string
	PublicPEM       string
	PublicRaw       string
}

var (
	once sync.Once
	pair *KeyPair
	err  error
)

// RSA returns a process-wide 2048-bit test key pair.
func RSA(t testing.TB) *KeyPair {
	t.Helper()
	once.Do(func() {
		pair, err = generate()
	})
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return pair
}

// Fresh returns a new key pair that differs from RSA().
func Fresh(t testing.TB) *KeyPair {
	t.Helper()
	kp, err := generate()
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return kp
}

func generate() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pkcs1 := x509.MarshalPKCS1PrivateKey(key)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Key:             key,
		PrivatePKCS8PEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
		PrivatePKCS1PEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1})),
		PrivatePKCS8Raw: base64.StdEncoding.EncodeToString(pkcs8),
		PrivatePKCS1Raw: base64.StdEncoding.EncodeToString(pkcs1),
		PublicPEM:       string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
		PublicRaw:       base64.StdEncoding.EncodeToString(pub),
	}, nil
}
