package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"certdepot/internal/certs"
	"certdepot/internal/inventory"
)

func TestCollector_ErrorStopsCollection(t *testing.T) {
	source := new(inventory.MockSource)
	source.On("ListCertificates", mock.Anything).Return([]certs.Summary{}, assert.AnError)

	registry := prometheus.NewRegistry()
	collector := NewCertificateCollector(source)
	require.NoError(t, registry.Register(collector))

	metricsCount := testutil.CollectAndCount(collector)
	assert.Equal(t, 1, metricsCount)

	value, err := gatherGauge(registry, "depot_certificate_exporter_last_scrape_success", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, value)

	source.AssertExpectations(t)
}

func TestCollector_SuccessMetrics(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	list := []certs.Summary{
		{SerialNumber: "0", Subject: "/O=Acme", ExpiresAt: now.Add(3000 * 24 * time.Hour)},
		{SerialNumber: "1", Subject: "/UID=soon", ExpiresAt: now.Add(10 * 24 * time.Hour)},
		{SerialNumber: "2", Subject: "/UID=later", ExpiresAt: now.Add(90 * 24 * time.Hour)},
		{SerialNumber: "3", Subject: "/UID=old", ExpiresAt: now.Add(-24 * time.Hour)},
	}

	source := new(inventory.MockSource)
	source.On("ListCertificates", mock.Anything).Return(list, nil)
	source.On("CheckConnection", mock.Anything).Return(nil)

	registry := prometheus.NewRegistry()
	rawCollector := NewCertificateCollector(source)
	collector, ok := rawCollector.(*certificateCollector)
	require.True(t, ok)
	collector.now = func() time.Time { return now }
	require.NoError(t, registry.Register(collector))

	assertGauge(t, registry, "depot_certificate_exporter_last_scrape_success", nil, 1.0)
	assertGauge(t, registry, "depot_available", nil, 1.0)
	assertGauge(t, registry, "depot_certificates_expired_count", nil, 1.0)
	assertGauge(t, registry, "depot_certificates_expires_soon_count", nil, 1.0)
	assertGauge(t, registry, "depot_certificates_total", map[string]string{"kind": "ca"}, 1.0)
	assertGauge(t, registry, "depot_certificates_total", map[string]string{"kind": "issued"}, 3.0)
	assertGauge(t, registry, "depot_next_serial_number", nil, 4.0)
	assertGauge(t, registry, "depot_certificate_expires_soon", map[string]string{
		"serial_number": "1",
		"subject":       "/UID=soon",
	}, 1.0)
	assertGauge(t, registry, "depot_certificate_expires_in_seconds", map[string]string{
		"serial_number": "3",
		"subject":       "/UID=old",
	}, 0.0)

	source.AssertExpectations(t)
}

func TestCollector_DepotUnavailable(t *testing.T) {
	source := new(inventory.MockSource)
	source.On("ListCertificates", mock.Anything).Return([]certs.Summary{}, nil)
	source.On("CheckConnection", mock.Anything).Return(assert.AnError)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(NewCertificateCollector(source)))

	assertGauge(t, registry, "depot_available", nil, 0.0)
	assertGauge(t, registry, "depot_next_serial_number", nil, 1.0)
}

func assertGauge(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string, expected float64) {
	t.Helper()
	value, err := gatherGauge(registry, name, labels)
	require.NoError(t, err)
	assert.InDelta(t, expected, value, 0.0001)
}

func gatherGauge(registry *prometheus.Registry, name string, labels map[string]string) (float64, error) {
	families, err := registry.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if !matchLabels(m, labels) {
				continue
			}
			if m.Counter != nil {
				return m.GetCounter().GetValue(), nil
			}
			return m.GetGauge().GetValue(), nil
		}
	}
	return 0, nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	for _, lp := range metric.Label {
		key := lp.GetName()
		val := lp.GetValue()
		if expected, ok := labels[key]; ok {
			if expected != val {
				return false
			}
		}
	}
	// Ensure no expected label is missing
	for expectedKey := range labels {
		found := false
		for _, lp := range metric.Label {
			if lp.GetName() == expectedKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
