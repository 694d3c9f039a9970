package store

import (
	"bytes"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certdepot/internal/certs"
	deperrors "certdepot/internal/errors"
	"certdepot/internal/keypair"
	"certdepot/internal/logger"
)

type fixture struct {
	ca    *certs.Certificate
	caKey *keypair.KeyPair
	key   *keypair.KeyPair
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	caKey, err := keypair.Generate()
	require.NoError(t, err)
	ca, err := certs.Issue(certs.Request{
		Type:      certs.TypeCA,
		Subject:   certs.NewSubjectAttributes(map[certs.Attribute]string{certs.Organization: "Store Test"}),
		Signer:    caKey.Signer(),
		PublicKey: caKey.PublicKey(),
	})
	require.NoError(t, err)
	key, err := keypair.Generate()
	require.NoError(t, err)
	return fixture{ca: ca, caKey: caKey, key: key}
}

func (f fixture) issue(t *testing.T, serial *big.Int) *certs.Certificate {
	t.Helper()
	subject, err := certs.ParseDN("/UID=store-" + serial.String())
	require.NoError(t, err)
	cert, err := certs.Issue(certs.Request{
		Type:         certs.TypeClient,
		Subject:      subject,
		Issuer:       f.ca,
		Signer:       f.caKey.Signer(),
		PublicKey:    f.key.PublicKey(),
		SerialNumber: serial,
	})
	require.NoError(t, err)
	return cert
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestStore_SerialsStartAtOneAndIncrease(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	s, err := Open(dir, logger.Nop())
	require.NoError(t, err)

	assert.Equal(t, 0, s.Size())
	assert.Equal(t, int64(1), s.NextSerialNumber().Int64())

	var last int64
	for i := 0; i < 3; i++ {
		serial := s.NextSerialNumber()
		assert.Greater(t, serial.Int64(), last)
		last = serial.Int64()
		s.Append(f.issue(t, serial))
	}
	assert.Equal(t, int64(3), last)
	assert.Equal(t, 3, s.Pending())
	assert.Empty(t, listDir(t, dir), "append must not touch disk")

	require.NoError(t, s.Sync())
	assert.Equal(t, []string{"1.crt", "2.crt", "3.crt"}, listDir(t, dir))
	assert.Equal(t, 0, s.Pending())
}

func TestStore_SyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	s, err := Open(dir, logger.Nop())
	require.NoError(t, err)

	s.Append(f.issue(t, s.NextSerialNumber()))
	require.NoError(t, s.Sync())
	first := listDir(t, dir)
	before, err := os.ReadFile(filepath.Join(dir, "1.crt"))
	require.NoError(t, err)

	require.NoError(t, s.Sync())
	assert.Equal(t, first, listDir(t, dir))
	after, err := os.ReadFile(filepath.Join(dir, "1.crt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStore_LoadCountsFiles(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	require.NoError(t, f.ca.WriteTo(filepath.Join(dir, CAFileName)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("ledger"), 0o600))

	s, err := Open(dir, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Size(), "the CA certificate is not part of the ledger")

	for i := 0; i < 4; i++ {
		s.Append(f.issue(t, s.NextSerialNumber()))
	}
	require.NoError(t, s.Sync())

	reopened, err := Open(dir, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, 4, reopened.Size())
	assert.Equal(t, int64(5), reopened.NextSerialNumber().Int64())

	serials := make([]int64, 0, 4)
	for _, c := range reopened.Certificates() {
		serials = append(serials, c.SerialNumber().Int64())
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, serials)
}

func TestStore_CollisionIsReported(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	a, err := Open(dir, logger.Nop())
	require.NoError(t, err)
	b, err := Open(dir, logger.Nop())
	require.NoError(t, err)

	first := f.issue(t, a.NextSerialNumber())
	second := f.issue(t, b.NextSerialNumber())
	a.Append(first)
	b.Append(second)

	require.NoError(t, a.Sync())
	err = b.Sync()
	require.Error(t, err)
	assert.True(t, errors.Is(err, deperrors.ErrSerialCollision))
	assert.Equal(t, deperrors.KindConflict, deperrors.KindOf(err))
	assert.Equal(t, 1, b.Pending())

	onDisk, err := os.ReadFile(filepath.Join(dir, "1.crt"))
	require.NoError(t, err)
	firstPEM, err := first.PEM()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(firstPEM, onDisk), "existing file must not be overwritten")
}

func TestStore_WithLockAllocatesUniqueSerials(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()

	const perStore = 4
	stores := make([]*Store, 3)
	for i := range stores {
		s, err := Open(dir, logger.Nop())
		require.NoError(t, err)
		stores[i] = s
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(stores)*perStore)
	for _, s := range stores {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				errs <- s.WithLock(func() error {
					serial := s.NextSerialNumber()
					subject, err := certs.ParseDN("/UID=locked-" + serial.String())
					if err != nil {
						return err
					}
					cert, err := certs.Issue(certs.Request{
						Type:         certs.TypeClient,
						Subject:      subject,
						Issuer:       f.ca,
						Signer:       f.caKey.Signer(),
						PublicKey:    f.key.PublicKey(),
						SerialNumber: serial,
					})
					if err != nil {
						return err
					}
					s.Append(cert)
					return s.Sync()
				})
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := Open(dir, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, len(stores)*perStore, final.Size())
	for i, c := range final.Certificates() {
		assert.Equal(t, int64(i+1), c.SerialNumber().Int64())
	}
}

func TestStore_LockLivesOutsideLedger(t *testing.T) {
	f := newFixture(t)
	root := t.TempDir()
	dir := filepath.Join(root, "certificates")
	require.NoError(t, os.Mkdir(dir, 0o755))
	lockPath := filepath.Join(root, "private", "serial.lock")
	require.NoError(t, os.Mkdir(filepath.Dir(lockPath), 0o700))

	s, err := Open(dir, logger.Nop(), WithLockFile(lockPath))
	require.NoError(t, err)
	assert.Equal(t, lockPath, s.LockPath())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.WithLock(func() error {
			s.Append(f.issue(t, s.NextSerialNumber()))
			return s.Sync()
		}))
	}

	assert.Equal(t, []string{"1.crt", "2.crt", "3.crt"}, listDir(t, dir))
	_, err = os.Stat(lockPath)
	assert.NoError(t, err)
}

func TestStore_DefaultLockIsBesideDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "certificates")
	require.NoError(t, os.Mkdir(dir, 0o755))

	s, err := Open(dir, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, LockFileName), s.LockPath())

	unlock, err := s.Lock()
	require.NoError(t, err)
	require.NoError(t, unlock())
	assert.Empty(t, listDir(t, dir))
}

func TestStore_Get(t *testing.T) {
	f := newFixture(t)
	s, err := Open(t.TempDir(), logger.Nop())
	require.NoError(t, err)
	cert := f.issue(t, s.NextSerialNumber())
	s.Append(cert)

	got, err := s.Get(big.NewInt(1))
	require.NoError(t, err)
	assert.Same(t, cert, got)

	_, err = s.Get(big.NewInt(9))
	assert.True(t, errors.Is(err, deperrors.ErrCertificateNotFound))
}

func TestOpen_MissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "absent"), logger.Nop())
	assert.Error(t, err)
}
