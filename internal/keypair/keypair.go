// Package keypair generates and serializes the RSA keys issued by a depot.
package keypair

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
)

// DefaultBits is the modulus size of every generated key.
const DefaultBits = 2048

const pemType = "RSA PRIVATE KEY"

// KeyPair holds a private key and exposes its public half.
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
}

// Generate creates a fresh RSA key pair of DefaultBits.
func Generate() (*KeyPair, error) {
	return GenerateFrom(rand.Reader, DefaultBits)
}

// GenerateFrom creates a key pair of the given size using entropy from r.
func GenerateFrom(r io.Reader, bits int) (*KeyPair, error) {
	key, err := rsa.GenerateKey(r, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA %d key: %w", bits, err)
	}
	return &KeyPair{PrivateKey: key}, nil
}

// PublicKey returns the public half of the pair.
func (k *KeyPair) PublicKey() crypto.PublicKey {
	return &k.PrivateKey.PublicKey
}

// Signer returns the private key as a crypto.Signer.
func (k *KeyPair) Signer() crypto.Signer {
	return k.PrivateKey
}

// PEM encodes the private key as a PKCS#1 PEM block.
func (k *KeyPair) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  pemType,
		Bytes: x509.MarshalPKCS1PrivateKey(k.PrivateKey),
	})
}

// WriteTo writes the PEM encoded private key to path, replacing any existing
// file, and leaves it readable by the owner only.
func (k *KeyPair) WriteTo(path string) error {
	// a previous key is read-only, so it has to go before it can be replaced
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace private key %s: %w", path, err)
	}
	if err := os.WriteFile(path, k.PEM(), 0o600); err != nil {
		return fmt.Errorf("write private key %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o400); err != nil {
		return fmt.Errorf("restrict private key %s: %w", path, err)
	}
	return nil
}

// Parse decodes the first private key PEM block in data. PKCS#1 and PKCS#8
// encoded RSA keys are accepted.
func Parse(data []byte) (*KeyPair, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no private key found")
		}
		switch block.Type {
		case pemType:
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#1 key: %w", err)
			}
			return &KeyPair{PrivateKey: key}, nil
		case "PRIVATE KEY":
			generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
			}
			key, ok := generic.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("unsupported key type %T", generic)
			}
			return &KeyPair{PrivateKey: key}, nil
		}
		data = rest
	}
}

// FromFile reads a PEM encoded private key from path.
func FromFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return Parse(data)
}
