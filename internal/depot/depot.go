// Package depot ties a certificate authority identity to the ledger of
// certificates it issued.
package depot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"certdepot/internal/certs"
	deperrors "certdepot/internal/errors"
	"certdepot/internal/keypair"
	"certdepot/internal/logger"
	"certdepot/internal/store"
)

const (
	identityFileName = "depot.json"
	privateDirName   = "private"
	certsDirName     = "certificates"
	keyFileName      = "ca.key"
	crlFileName      = "crl.pem"
)

type identity struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// Depot is an opened certificate depot.
type Depot struct {
	id  identity
	log logger.Logger

	caOnce sync.Once
	caCert *certs.Certificate
	caKey  *keypair.KeyPair
	caErr  error

	storeOnce sync.Once
	store     *store.Store
	storeErr  error
}

// IdentityPath is the file recording the label and root of the depot at path.
func IdentityPath(path string) string { return filepath.Join(path, identityFileName) }

// PrivatePath is the owner-only directory holding the CA key.
func PrivatePath(path string) string { return filepath.Join(path, privateDirName) }

// CertificatesPath is the ledger directory.
func CertificatesPath(path string) string { return filepath.Join(path, certsDirName) }

// KeyPath is the CA private key file.
func KeyPath(path string) string { return filepath.Join(PrivatePath(path), keyFileName) }

// CertificatePath is the CA certificate file.
func CertificatePath(path string) string {
	return filepath.Join(CertificatesPath(path), store.CAFileName)
}

// CRLPath is where a revocation list would live. Nothing writes it yet.
func CRLPath(path string) string { return filepath.Join(path, crlFileName) }

// Create lays out a new depot at path, generates its CA key and self-signed
// certificate and returns it opened.
func Create(path, label string, log logger.Logger) (*Depot, error) {
	if label == "" {
		return nil, deperrors.New("create", deperrors.KindValidation, errors.New("depot label is empty"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve depot path: %w", err)
	}
	if _, err := os.Stat(IdentityPath(abs)); err == nil {
		return nil, deperrors.New("create", deperrors.KindConflict, fmt.Errorf("%w: %s", deperrors.ErrDepotExists, abs))
	}

	if err := createDirectories(abs); err != nil {
		return nil, deperrors.New("create", deperrors.KindPermission, err)
	}
	// the identity file marks a finished depot, so it is written last
	if err := createCA(abs, label); err != nil {
		removeCA(abs)
		return nil, err
	}
	if err := writeIdentity(abs, identity{Label: label, Path: abs}); err != nil {
		removeCA(abs)
		return nil, deperrors.New("create", deperrors.KindPermission, err)
	}

	log.Info().Str("path", abs).Str("label", label).Msg("depot created")
	return Open(abs, log)
}

func createDirectories(path string) error {
	if err := os.MkdirAll(CertificatesPath(path), 0o755); err != nil {
		return fmt.Errorf("create certificates directory: %w", err)
	}
	if err := os.MkdirAll(PrivatePath(path), 0o700); err != nil {
		return fmt.Errorf("create private directory: %w", err)
	}
	if err := os.Chmod(PrivatePath(path), 0o700); err != nil {
		return fmt.Errorf("restrict private directory: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("chmod depot directory: %w", err)
	}
	return nil
}

func writeIdentity(path string, id identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode depot identity: %w", err)
	}
	if err := os.WriteFile(IdentityPath(path), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write depot identity: %w", err)
	}
	return nil
}

func createCA(path, label string) error {
	kp, err := keypair.Generate()
	if err != nil {
		return err
	}
	if err := kp.WriteTo(KeyPath(path)); err != nil {
		return deperrors.New("create", deperrors.KindPermission, err)
	}
	ca, err := certs.Issue(certs.Request{
		Type:      certs.TypeCA,
		Subject:   certs.NewSubjectAttributes(map[certs.Attribute]string{certs.Organization: label}),
		Signer:    kp.Signer(),
		PublicKey: kp.PublicKey(),
	})
	if err != nil {
		return err
	}
	if err := ca.WriteTo(CertificatePath(path)); err != nil {
		return deperrors.New("create", deperrors.KindPermission, err)
	}
	return nil
}

// removeCA deletes CA material left by a failed Create so it can be retried.
func removeCA(path string) {
	for _, file := range []string{CertificatePath(path), KeyPath(path)} {
		if info, err := os.Lstat(file); err == nil && info.Mode().IsRegular() {
			_ = os.Remove(file)
		}
	}
}

// LockPath is the serial allocation lock, kept out of the ledger directory.
func LockPath(path string) string { return filepath.Join(path, store.LockFileName) }

// Open reads the identity file of the depot at path. The CA material and the
// store are loaded on first use.
func Open(path string, log logger.Logger) (*Depot, error) {
	data, err := os.ReadFile(IdentityPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, deperrors.New("open", deperrors.KindNotFound, fmt.Errorf("%w: %s", deperrors.ErrDepotNotFound, path))
		}
		return nil, fmt.Errorf("read depot identity: %w", err)
	}
	var id identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse depot identity %s: %w", IdentityPath(path), err)
	}
	if id.Path == "" {
		id.Path = path
	}
	return &Depot{
		id:  id,
		log: log.With().Str("component", "depot").Str("depot", id.Label).Logger(),
	}, nil
}

// Label is the descriptive name of the depot, also the CA organization.
func (d *Depot) Label() string { return d.id.Label }

// Path is the depot root directory.
func (d *Depot) Path() string { return d.id.Path }

func (d *Depot) loadCA() {
	d.caOnce.Do(func() {
		d.caCert, d.caErr = certs.FromFile(CertificatePath(d.id.Path))
		if d.caErr != nil {
			return
		}
		d.caKey, d.caErr = keypair.FromFile(KeyPath(d.id.Path))
	})
}

// CACertificate returns the depot's self-signed certificate.
func (d *Depot) CACertificate() (*certs.Certificate, error) {
	d.loadCA()
	return d.caCert, d.caErr
}

// CAPrivateKey returns the key the depot signs with.
func (d *Depot) CAPrivateKey() (*keypair.KeyPair, error) {
	d.loadCA()
	return d.caKey, d.caErr
}

// Store returns the ledger, loading it on first use.
func (d *Depot) Store() (*store.Store, error) {
	d.storeOnce.Do(func() {
		d.store, d.storeErr = store.Open(CertificatesPath(d.id.Path), d.log, store.WithLockFile(LockPath(d.id.Path)))
	})
	return d.store, d.storeErr
}

// Certificates reloads the ledger and returns every issued certificate.
func (d *Depot) Certificates() ([]*certs.Certificate, error) {
	s, err := d.Store()
	if err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s.Certificates(), nil
}

// Certificate reloads the ledger and returns the certificate numbered
// serial, the CA included.
func (d *Depot) Certificate(serial *big.Int) (*certs.Certificate, error) {
	ca, err := d.CACertificate()
	if err != nil {
		return nil, err
	}
	if ca.SerialNumber().Cmp(serial) == 0 {
		return ca, nil
	}
	s, err := d.Store()
	if err != nil {
		return nil, err
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	c, err := s.Get(serial)
	if err != nil {
		return nil, deperrors.New("lookup", deperrors.KindNotFound, err)
	}
	return c, nil
}

// Issue generates a key pair and a certificate of certType for subject,
// signed by the depot CA under the next free serial number, and records it
// in the ledger. The serial lock is held from allocation until the
// certificate file exists, so concurrent processes never share a serial.
func (d *Depot) Issue(certType certs.CertificateType, subject certs.SubjectAttributes) (*keypair.KeyPair, *certs.Certificate, error) {
	if certType == certs.TypeCA {
		return nil, nil, deperrors.New("issue", deperrors.KindValidation,
			fmt.Errorf("%w: a depot has exactly one CA", deperrors.ErrUnknownCertificateType))
	}
	ca, err := d.CACertificate()
	if err != nil {
		return nil, nil, err
	}
	caKey, err := d.CAPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	s, err := d.Store()
	if err != nil {
		return nil, nil, err
	}

	kp, err := keypair.Generate()
	if err != nil {
		return nil, nil, err
	}

	var issued *certs.Certificate
	err = s.WithLock(func() error {
		cert, err := certs.Issue(certs.Request{
			Type:         certType,
			Subject:      subject,
			Issuer:       ca,
			Signer:       caKey.Signer(),
			PublicKey:    kp.PublicKey(),
			SerialNumber: s.NextSerialNumber(),
		})
		if err != nil {
			return err
		}
		s.Append(cert)
		if err := s.Sync(); err != nil {
			return err
		}
		issued = cert
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	d.log.Info().
		Str("type", certType.String()).
		Str("serial", issued.SerialNumber().String()).
		Str("subject", issued.SubjectDN()).
		Msg("certificate issued")
	return kp, issued, nil
}

// ConfigurationExample returns an Apache snippet that requires client
// certificates issued by this depot.
func (d *Depot) ConfigurationExample() string {
	return ConfigurationExample(d.id.Path)
}

// ConfigurationExample returns the Apache snippet for the depot at path.
func ConfigurationExample(path string) string {
	return fmt.Sprintf(`SSLEngine on
SSLOptions +StdEnvVars
SSLCertificateFile      "/etc/apache/ssl/certificates/example.com.pem"
SSLVerifyClient require
SSLCACertificateFile    %q`, CertificatePath(path))
}
