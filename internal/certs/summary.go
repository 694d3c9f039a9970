package certs

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"time"
)

type Summary struct {
	SerialNumber string    `json:"serialNumber"`
	Subject      string    `json:"subject"`
	CommonName   string    `json:"commonName,omitempty"`
	UserID       string    `json:"userId,omitempty"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type DetailedCertificate struct {
	Summary
	Issuer            string   `json:"issuer"`
	IsCA              bool     `json:"isCA"`
	KeyAlgorithm      string   `json:"keyAlgorithm"`
	KeySize           int      `json:"keySize"`
	FingerprintSHA1   string   `json:"fingerprintSHA1"`
	FingerprintSHA256 string   `json:"fingerprintSHA256"`
	Usage             []string `json:"usage"`
	PEM               string   `json:"pem"`
}

type PEMResponse struct {
	SerialNumber string `json:"serialNumber"`
	PEM          string `json:"pem"`
}

// Summarize returns the listing view of a signed certificate.
func Summarize(c *Certificate) Summary {
	subject := c.Subject()
	cn, _ := subject.Get(CommonName)
	uid, _ := subject.Get(UserID)
	email, _ := subject.Get(EmailAddress)
	return Summary{
		SerialNumber: c.SerialNumber().String(),
		Subject:      c.SubjectDN(),
		CommonName:   cn,
		UserID:       uid,
		Email:        email,
		CreatedAt:    c.NotBefore().UTC(),
		ExpiresAt:    c.NotAfter().UTC(),
	}
}

// Detail returns the full view of a signed certificate.
func Detail(c *Certificate) DetailedCertificate {
	raw := c.X509()
	sha1Fingerprint := sha1.Sum(raw.Raw)
	sha256Fingerprint := sha256.Sum256(raw.Raw)

	keySize := 0
	if pub, ok := raw.PublicKey.(*rsa.PublicKey); ok {
		keySize = pub.N.BitLen()
	}

	return DetailedCertificate{
		Summary:           Summarize(c),
		Issuer:            c.IssuerDN(),
		IsCA:              raw.IsCA,
		KeyAlgorithm:      raw.PublicKeyAlgorithm.String(),
		KeySize:           keySize,
		FingerprintSHA1:   hex.EncodeToString(sha1Fingerprint[:]),
		FingerprintSHA256: hex.EncodeToString(sha256Fingerprint[:]),
		Usage:             usageNames(raw),
		PEM:               string(pem.EncodeToMemory(&pem.Block{Type: PEMType, Bytes: raw.Raw})),
	}
}

func usageNames(cert *x509.Certificate) []string {
	var usage []string
	for _, extUsage := range cert.ExtKeyUsage {
		switch extUsage {
		case x509.ExtKeyUsageServerAuth:
			usage = append(usage, "Server Auth")
		case x509.ExtKeyUsageClientAuth:
			usage = append(usage, "Client Auth")
		case x509.ExtKeyUsageEmailProtection:
			usage = append(usage, "Email Protection")
		}
	}
	if cert.KeyUsage&x509.KeyUsageCertSign != 0 {
		usage = append(usage, "Certificate Sign")
	}
	if cert.KeyUsage&x509.KeyUsageCRLSign != 0 {
		usage = append(usage, "CRL Sign")
	}
	return usage
}
