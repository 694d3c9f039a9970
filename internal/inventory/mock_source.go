package inventory

import (
	"context"

	"github.com/stretchr/testify/mock"

	"certdepot/internal/certs"
)

// MockSource is a testify mock implementing Source.
type MockSource struct {
	mock.Mock
}

func (m *MockSource) CheckConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSource) ListCertificates(ctx context.Context) ([]certs.Summary, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]certs.Summary); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSource) GetCertificateDetails(ctx context.Context, serialNumber string) (certs.DetailedCertificate, error) {
	args := m.Called(ctx, serialNumber)
	return args.Get(0).(certs.DetailedCertificate), args.Error(1)
}

func (m *MockSource) GetCertificatePEM(ctx context.Context, serialNumber string) (certs.PEMResponse, error) {
	args := m.Called(ctx, serialNumber)
	return args.Get(0).(certs.PEMResponse), args.Error(1)
}

func (m *MockSource) InvalidateCache() {
	m.Called()
}

func (m *MockSource) Shutdown() {
	m.Called()
}
