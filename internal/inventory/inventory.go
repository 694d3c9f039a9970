// Package inventory is a read-only, cached view of the certificates a depot
// has issued.
package inventory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"certdepot/internal/cache"
	"certdepot/internal/certs"
	deperrors "certdepot/internal/errors"
)

// DefaultTTL is how long a listing is served before the ledger is re-read.
const DefaultTTL = 30 * time.Second

const listKey = "certificates"

// Source lists and describes issued certificates.
type Source interface {
	CheckConnection(ctx context.Context) error
	ListCertificates(ctx context.Context) ([]certs.Summary, error)
	GetCertificateDetails(ctx context.Context, serialNumber string) (certs.DetailedCertificate, error)
	GetCertificatePEM(ctx context.Context, serialNumber string) (certs.PEMResponse, error)
	InvalidateCache()
	Shutdown()
}

// Ledger is what a DepotSource reads: the CA and everything it issued.
type Ledger interface {
	CACertificate() (*certs.Certificate, error)
	Certificates() ([]*certs.Certificate, error)
	// Certificate reads one certificate straight from the ledger.
	Certificate(serial *big.Int) (*certs.Certificate, error)
}

type depotSource struct {
	ledger   Ledger
	cache    *cache.Cache[[]*certs.Certificate]
	stopChan chan struct{}
}

// NewDepotSource returns a Source over ledger. Listings are cached for ttl and
// expired entries are dropped in the background until Shutdown.
func NewDepotSource(ledger Ledger, ttl time.Duration) Source {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &depotSource{
		ledger:   ledger,
		cache:    cache.New[[]*certs.Certificate](ttl),
		stopChan: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.cache.Cleanup()
			case <-s.stopChan:
				return
			}
		}
	}()

	return s
}

// CheckConnection verifies the CA certificate can be read.
func (s *depotSource) CheckConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.ledger.CACertificate(); err != nil {
		return fmt.Errorf("depot unavailable: %w", err)
	}
	return nil
}

func (s *depotSource) Shutdown() {
	close(s.stopChan)
}

func (s *depotSource) InvalidateCache() {
	s.cache.Clear()
}

// all returns the CA followed by the issued certificates, ordered by serial.
func (s *depotSource) all(ctx context.Context) ([]*certs.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cache.GetOrLoad(listKey, func() ([]*certs.Certificate, error) {
		ca, err := s.ledger.CACertificate()
		if err != nil {
			return nil, err
		}
		issued, err := s.ledger.Certificates()
		if err != nil {
			return nil, err
		}
		list := make([]*certs.Certificate, 0, len(issued)+1)
		list = append(list, ca)
		list = append(list, issued...)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].SerialNumber().Cmp(list[j].SerialNumber()) < 0
		})
		return list, nil
	})
}

func (s *depotSource) ListCertificates(ctx context.Context) ([]certs.Summary, error) {
	list, err := s.all(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	summaries := make([]certs.Summary, 0, len(list))
	for _, c := range list {
		summaries = append(summaries, certs.Summarize(c))
	}
	return summaries, nil
}

func (s *depotSource) find(ctx context.Context, serialNumber string) (*certs.Certificate, error) {
	serial, err := ParseSerial(serialNumber)
	if err != nil {
		return nil, err
	}
	list, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		if c.SerialNumber().Cmp(serial) == 0 {
			return c, nil
		}
	}
	// Not in the cached listing; it may have been issued since.
	c, err := s.ledger.Certificate(serial)
	if err != nil {
		if deperrors.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read certificate %s: %w", serial, err)
	}
	s.cache.Clear()
	return c, nil
}

func (s *depotSource) GetCertificateDetails(ctx context.Context, serialNumber string) (certs.DetailedCertificate, error) {
	c, err := s.find(ctx, serialNumber)
	if err != nil {
		return certs.DetailedCertificate{}, err
	}
	return certs.Detail(c), nil
}

func (s *depotSource) GetCertificatePEM(ctx context.Context, serialNumber string) (certs.PEMResponse, error) {
	c, err := s.find(ctx, serialNumber)
	if err != nil {
		return certs.PEMResponse{}, err
	}
	data, err := c.PEM()
	if err != nil {
		return certs.PEMResponse{}, err
	}
	return certs.PEMResponse{SerialNumber: c.SerialNumber().String(), PEM: string(data)}, nil
}

// ParseSerial parses a non-negative decimal serial number.
func ParseSerial(s string) (*big.Int, error) {
	serial, ok := new(big.Int).SetString(s, 10)
	if !ok || serial.Sign() < 0 {
		return nil, deperrors.New("lookup", deperrors.KindValidation,
			fmt.Errorf("%w: %q", deperrors.ErrInvalidSerial, s))
	}
	return serial, nil
}
