package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	deperrors "certdepot/internal/errors"
)

// Validity is the lifetime of every certificate, counted from issuance.
const Validity = 10 * 365 * 24 * time.Hour

// SignatureAlgorithm is the only digest/signature pair a depot signs with.
const SignatureAlgorithm = x509.SHA256WithRSA

var oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}

// Request describes one certificate to issue.
type Request struct {
	Type    CertificateType
	Subject SubjectAttributes
	// Issuer is the signing certificate. Ignored for TypeCA, which is
	// self-issued.
	Issuer *Certificate
	// Signer is the issuer's private key. A nil Signer yields an unsigned
	// draft.
	Signer       crypto.Signer
	PublicKey    crypto.PublicKey
	SerialNumber *big.Int
	Now          func() time.Time
}

type policy struct {
	isCA        bool
	keyUsage    x509.KeyUsage
	extKeyUsage []x509.ExtKeyUsage
}

var policies = map[CertificateType]policy{
	TypeCA: {
		isCA:     true,
		keyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	},
	TypeServer: {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageEmailProtection,
		},
	},
	TypeClient: {
		keyUsage:    x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		extKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	},
}

// Issue builds the certificate described by req and signs it when a signer
// is available.
func Issue(req Request) (*Certificate, error) {
	pol, ok := policies[req.Type]
	if !ok {
		return nil, deperrors.New("issue", deperrors.KindValidation,
			fmt.Errorf("%w: %s", deperrors.ErrUnknownCertificateType, req.Type))
	}
	if req.PublicKey == nil {
		return nil, deperrors.New("issue", deperrors.KindValidation, deperrors.ErrMissingPublicKey)
	}

	serial := req.SerialNumber
	if req.Type == TypeCA {
		serial = big.NewInt(0)
	} else {
		if serial == nil {
			return nil, deperrors.New("issue", deperrors.KindValidation, deperrors.ErrMissingSerialNumber)
		}
		if req.Issuer == nil || !req.Issuer.Signed() {
			return nil, deperrors.New("issue", deperrors.KindValidation, deperrors.ErrMissingIssuer)
		}
	}

	rawSubject, err := req.Subject.marshal()
	if err != nil {
		return nil, fmt.Errorf("encode subject: %w", err)
	}
	ski, err := subjectKeyID(req.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if req.Now != nil {
		now = req.Now
	}
	notBefore := now().UTC().Truncate(time.Second)

	template := &x509.Certificate{
		SerialNumber:          new(big.Int).Set(serial),
		RawSubject:            rawSubject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(Validity),
		PublicKey:             req.PublicKey,
		SignatureAlgorithm:    SignatureAlgorithm,
		BasicConstraintsValid: true,
		IsCA:                  pol.isCA,
		KeyUsage:              pol.keyUsage,
		ExtKeyUsage:           pol.extKeyUsage,
		SubjectKeyId:          ski,
	}

	// the CA vouches for itself: issuer name, key id and serial are its own
	parent := template
	authorityName, authoritySerial, authorityKeyID := rawSubject, template.SerialNumber, ski
	if req.Type != TypeCA {
		issuer := req.Issuer.X509()
		parent = issuer
		authorityName, authoritySerial, authorityKeyID = issuer.RawIssuer, issuer.SerialNumber, issuer.SubjectKeyId
		if len(authorityKeyID) == 0 {
			if authorityKeyID, err = subjectKeyID(issuer.PublicKey); err != nil {
				return nil, err
			}
		}
	}
	aki, err := authorityKeyIdentifier(authorityKeyID, authorityName, authoritySerial)
	if err != nil {
		return nil, err
	}
	template.ExtraExtensions = []pkix.Extension{aki}

	if req.Signer == nil {
		return &Certificate{Type: req.Type, draft: template}, nil
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, req.PublicKey, req.Signer)
	if err != nil {
		return nil, fmt.Errorf("sign %s certificate: %w", req.Type, err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	return &Certificate{Type: req.Type, cert: parsed}, nil
}

// subjectKeyID is the SHA-1 hash of the subjectPublicKey bit string.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

// authorityKeyIdentifier encodes keyIdentifier [0], authorityCertIssuer [1]
// holding one directoryName [4], and authorityCertSerialNumber [2].
func authorityKeyIdentifier(keyID, issuerName []byte, serial *big.Int) (pkix.Extension, error) {
	directoryName, err := asn1.Marshal(asn1.RawValue{
		Class: asn1.ClassContextSpecific, Tag: 4, IsCompound: true, Bytes: issuerName,
	})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encode authority issuer: %w", err)
	}
	serialDER, err := asn1.Marshal(serial)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encode authority serial: %w", err)
	}
	var serialValue asn1.RawValue
	if _, err := asn1.Unmarshal(serialDER, &serialValue); err != nil {
		return pkix.Extension{}, fmt.Errorf("encode authority serial: %w", err)
	}

	value, err := asn1.Marshal(struct {
		KeyID  asn1.RawValue
		Issuer asn1.RawValue
		Serial asn1.RawValue
	}{
		KeyID:  asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, Bytes: keyID},
		Issuer: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 1, IsCompound: true, Bytes: directoryName},
		Serial: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 2, Bytes: serialValue.Bytes},
	})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encode authority key identifier: %w", err)
	}
	return pkix.Extension{Id: oidAuthorityKeyIdentifier, Value: value}, nil
}
