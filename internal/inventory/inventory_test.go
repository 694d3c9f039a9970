package inventory

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certdepot/internal/certs"
	"certdepot/internal/depot"
	deperrors "certdepot/internal/errors"
	"certdepot/internal/logger"
)

type brokenLedger struct{}

func (brokenLedger) CACertificate() (*certs.Certificate, error) {
	return nil, errors.New("permission denied")
}

func (brokenLedger) Certificates() ([]*certs.Certificate, error) {
	return nil, errors.New("permission denied")
}

func (brokenLedger) Certificate(*big.Int) (*certs.Certificate, error) {
	return nil, errors.New("permission denied")
}

func newSource(t *testing.T, issued ...string) (Source, *depot.Depot) {
	t.Helper()
	d, err := depot.Create(filepath.Join(t.TempDir(), "depot"), "Inventory Test", logger.Nop())
	require.NoError(t, err)
	for _, dn := range issued {
		issue(t, d, dn)
	}
	src := NewDepotSource(d, time.Minute)
	t.Cleanup(src.Shutdown)
	return src, d
}

func issue(t *testing.T, d *depot.Depot, dn string) {
	t.Helper()
	subject, err := certs.ParseDN(dn)
	require.NoError(t, err)
	_, _, err = d.Issue(certs.TypeClient, subject)
	require.NoError(t, err)
}

func TestDepotSource_List(t *testing.T) {
	src, _ := newSource(t, "/UID=recorder-1", "/CN=Bob/emailAddress=bob@example.com")

	list, err := src.ListCertificates(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "0", list[0].SerialNumber)
	assert.Equal(t, "/O=Inventory Test", list[0].Subject)
	assert.Equal(t, "1", list[1].SerialNumber)
	assert.Equal(t, "recorder-1", list[1].UserID)
	assert.Equal(t, "2", list[2].SerialNumber)
	assert.Equal(t, "Bob", list[2].CommonName)
	assert.Equal(t, "bob@example.com", list[2].Email)
}

func TestDepotSource_CachesUntilInvalidated(t *testing.T) {
	src, d := newSource(t, "/UID=a")

	list, err := src.ListCertificates(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	issue(t, d, "/UID=b")
	list, err = src.ListCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2, "listing is served from cache")

	src.InvalidateCache()
	list, err = src.ListCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestDepotSource_Details(t *testing.T) {
	src, _ := newSource(t, "/UID=recorder-1")

	details, err := src.GetCertificateDetails(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", details.SerialNumber)
	assert.Equal(t, "/O=Inventory Test", details.Issuer)
	assert.False(t, details.IsCA)
	assert.Equal(t, 2048, details.KeySize)
	assert.Equal(t, []string{"Client Auth"}, details.Usage)
	assert.Len(t, details.FingerprintSHA256, 64)

	ca, err := src.GetCertificateDetails(context.Background(), "0")
	require.NoError(t, err)
	assert.True(t, ca.IsCA)
	assert.Contains(t, ca.Usage, "Certificate Sign")
}

func TestDepotSource_PEM(t *testing.T) {
	src, _ := newSource(t, "/UID=recorder-1")

	resp, err := src.GetCertificatePEM(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "1", resp.SerialNumber)

	parsed, err := certs.Parse([]byte(resp.PEM))
	require.NoError(t, err)
	assert.Equal(t, "/UID=recorder-1", parsed.SubjectDN())
}

func TestDepotSource_FindsCertificateIssuedAfterListing(t *testing.T) {
	src, d := newSource(t, "/UID=a")

	list, err := src.ListCertificates(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)

	issue(t, d, "/UID=late")
	details, err := src.GetCertificateDetails(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "/UID=late", details.Subject)

	list, err = src.ListCertificates(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 3, "a ledger hit refreshes the listing")
}

func TestDepotSource_LookupErrors(t *testing.T) {
	src, _ := newSource(t)

	_, err := src.GetCertificatePEM(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, deperrors.ErrInvalidSerial))
	assert.True(t, deperrors.IsValidation(err))

	_, err = src.GetCertificateDetails(context.Background(), "-1")
	assert.True(t, errors.Is(err, deperrors.ErrInvalidSerial))

	_, err = src.GetCertificateDetails(context.Background(), "99")
	require.Error(t, err)
	assert.True(t, deperrors.IsNotFound(err))
}

func TestDepotSource_CheckConnection(t *testing.T) {
	src, _ := newSource(t)
	require.NoError(t, src.CheckConnection(context.Background()))

	broken := NewDepotSource(brokenLedger{}, time.Minute)
	defer broken.Shutdown()
	err := broken.CheckConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depot unavailable")

	_, err = broken.ListCertificates(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, src.CheckConnection(ctx), context.Canceled)
}

func TestParseSerial(t *testing.T) {
	serial, err := ParseSerial("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), serial.Int64())

	for _, bad := range []string{"", "0x10", "1.5", "-3"} {
		_, err := ParseSerial(bad)
		assert.Error(t, err, bad)
	}
}
