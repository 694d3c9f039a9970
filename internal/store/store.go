// Package store keeps the ledger of certificates a depot has issued, one PEM
// file per certificate named after its serial number, and allocates serial
// numbers from it.
package store

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"certdepot/internal/certs"
	deperrors "certdepot/internal/errors"
	"certdepot/internal/logger"
)

const (
	// CAFileName is the depot's own certificate, kept beside the ledger but
	// not part of it.
	CAFileName = "ca.crt"
	// LockFileName serializes serial allocation across processes. It lives
	// next to the certificates directory so the ledger only holds
	// certificates.
	LockFileName = "serial.lock"
	fileSuffix   = ".crt"
)

type entry struct {
	cert      *certs.Certificate
	persisted bool
}

// Store is the in-memory view of a certificates directory.
type Store struct {
	dir      string
	lockPath string
	log      logger.Logger

	mu      sync.RWMutex
	entries []entry
}

// Option configures a Store.
type Option func(*Store)

// WithLockFile places the serial lock at path. Every process allocating
// serials for the same directory must use the same path.
func WithLockFile(path string) Option {
	return func(s *Store) { s.lockPath = path }
}

// Open loads every certificate file under dir. Without WithLockFile the
// serial lock is LockFileName in the parent of dir.
func Open(dir string, log logger.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		lockPath: filepath.Join(filepath.Dir(filepath.Clean(dir)), LockFileName),
		log:      log.With().Str("component", "store").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the certificates directory.
func (s *Store) Dir() string {
	return s.dir
}

// LockPath returns the serial lock file.
func (s *Store) LockPath() string {
	return s.lockPath
}

// FileName is the name a certificate with serial is stored under.
func FileName(serial *big.Int) string {
	return serial.String() + fileSuffix
}

// Load replaces the in-memory collection with the directory's contents.
// Certificates appended but not yet synced are discarded.
func (s *Store) Load() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read certificates directory %s: %w", s.dir, err)
	}

	loaded := make([]entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || name == CAFileName || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		cert, err := certs.FromFile(filepath.Join(s.dir, name))
		if err != nil {
			return err
		}
		loaded = append(loaded, entry{cert: cert, persisted: true})
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].cert.SerialNumber().Cmp(loaded[j].cert.SerialNumber()) < 0
	})

	s.mu.Lock()
	s.entries = loaded
	s.mu.Unlock()

	s.log.Debug().Str("dir", s.dir).Int("count", len(loaded)).Msg("certificate store loaded")
	return nil
}

// Size returns the number of certificates, synced or not.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// NextSerialNumber is Size()+1. It is only unique across processes while the
// caller holds the serial lock and has reloaded the store under it.
func (s *Store) NextSerialNumber() *big.Int {
	return big.NewInt(int64(s.Size()) + 1)
}

// Append adds a certificate in memory. Nothing is written until Sync.
func (s *Store) Append(cert *certs.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{cert: cert})
}

// Sync writes every certificate that has no file yet. Existing files are
// never overwritten: a pending certificate whose file already exists fails
// with ErrSerialCollision and stays pending.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0
	for i := range s.entries {
		e := &s.entries[i]
		if e.persisted {
			continue
		}
		serial := e.cert.SerialNumber()
		path := filepath.Join(s.dir, FileName(serial))
		if err := e.cert.WriteTo(path); err != nil {
			if errors.Is(err, os.ErrExist) {
				s.log.Error().Str("serial", serial.String()).Str("path", path).Msg("certificate file already exists")
				return deperrors.New("sync", deperrors.KindConflict,
					fmt.Errorf("%w: %s", deperrors.ErrSerialCollision, serial))
			}
			return deperrors.New("sync", deperrors.KindInternal, err)
		}
		e.persisted = true
		written++
	}
	if written > 0 {
		s.log.Debug().Int("written", written).Msg("certificate store synced")
	}
	return nil
}

// Certificates returns the certificates ordered as loaded and appended.
func (s *Store) Certificates() []*certs.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*certs.Certificate, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.cert
	}
	return out
}

// Get returns the certificate with serial.
func (s *Store) Get(serial *big.Int) (*certs.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.cert.SerialNumber().Cmp(serial) == 0 {
			return e.cert, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", deperrors.ErrCertificateNotFound, serial)
}

// Pending returns the number of certificates not yet written.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.persisted {
			n++
		}
	}
	return n
}
