package certs

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// PEMType is the PEM block type certificates are written with.
const PEMType = "CERTIFICATE"

// Certificate is an issued certificate, or an unsigned draft when it was
// built without a signing key.
type Certificate struct {
	// Type is the policy the certificate was issued under. It is TypeUnknown
	// for certificates read back from disk.
	Type CertificateType

	cert  *x509.Certificate
	draft *x509.Certificate
}

// Wrap adopts a parsed x509 certificate.
func Wrap(cert *x509.Certificate) *Certificate {
	return &Certificate{cert: cert}
}

// Signed reports whether the certificate carries a signature.
func (c *Certificate) Signed() bool {
	return c != nil && c.cert != nil
}

// X509 returns the signed certificate, or nil for a draft.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// Template returns the certificate fields, signed or not.
func (c *Certificate) Template() *x509.Certificate {
	if c.cert != nil {
		return c.cert
	}
	return c.draft
}

// SerialNumber returns a copy of the serial number.
func (c *Certificate) SerialNumber() *big.Int {
	return new(big.Int).Set(c.Template().SerialNumber)
}

// PublicKey returns the subject public key.
func (c *Certificate) PublicKey() crypto.PublicKey {
	return c.Template().PublicKey
}

func (c *Certificate) NotBefore() time.Time { return c.Template().NotBefore }
func (c *Certificate) NotAfter() time.Time  { return c.Template().NotAfter }

// Subject returns the subject attributes in encoding order.
func (c *Certificate) Subject() SubjectAttributes {
	seq, err := parseName(c.Template().RawSubject)
	if err != nil {
		return SubjectAttributes{}
	}
	return attributesFromRDNs(seq)
}

// SubjectDN formats the subject as a slash delimited DN.
func (c *Certificate) SubjectDN() string {
	return c.formatRaw(c.Template().RawSubject)
}

// IssuerDN formats the issuer as a slash delimited DN. Drafts have no issuer
// yet and return "".
func (c *Certificate) IssuerDN() string {
	if c.cert == nil {
		return ""
	}
	return c.formatRaw(c.cert.RawIssuer)
}

func (c *Certificate) formatRaw(raw []byte) string {
	seq, err := parseName(raw)
	if err != nil {
		return ""
	}
	return FormatName(seq)
}

// Get returns the first subject value of attribute.
func (c *Certificate) Get(attribute Attribute) (string, bool) {
	return c.Subject().Get(attribute)
}

// Attribute looks a subject value up by short name or key, e.g. "O" or
// "organization".
func (c *Certificate) Attribute(name string) (string, bool) {
	attribute, ok := LookupAttribute(name)
	if !ok {
		return "", false
	}
	return c.Get(attribute)
}

// PEM encodes the signed certificate.
func (c *Certificate) PEM() ([]byte, error) {
	if !c.Signed() {
		return nil, errors.New("certificate is an unsigned draft")
	}
	return pem.EncodeToMemory(&pem.Block{Type: PEMType, Bytes: c.cert.Raw}), nil
}

// WriteTo writes the PEM encoding to a new file at path. An existing file is
// never replaced: the error then wraps os.ErrExist.
func (c *Certificate) WriteTo(path string) error {
	data, err := c.PEM()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create certificate file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write certificate %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close certificate %s: %w", path, err)
	}
	return nil
}

// Parse decodes the first CERTIFICATE block in data.
func Parse(data []byte) (*Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errors.New("no certificate PEM block found")
		}
		if block.Type == PEMType {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return Wrap(cert), nil
		}
		data = rest
	}
}

// FromFile reads a PEM certificate from path.
func FromFile(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	cert, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}
