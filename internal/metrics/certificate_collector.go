package metrics

import (
	"context"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"certdepot/internal/certs"
	"certdepot/internal/inventory"
)

const expirySoonWindowDays int = 30

var (
	certificatesLastFetchDesc = prometheus.NewDesc("depot_certificates_last_fetch_timestamp_seconds", "Timestamp of last successful ledger read", nil, nil)
	certificatesTotalDesc     = prometheus.NewDesc("depot_certificates_total", "Certificates in the depot grouped by kind", []string{"kind"}, nil)
	nextSerialDesc            = prometheus.NewDesc("depot_next_serial_number", "Serial number the next issued certificate will receive", nil, nil)
	expiredCountDesc          = prometheus.NewDesc("depot_certificates_expired_count", "Number of expired certificates", nil, nil)
	expiresInDesc             = prometheus.NewDesc("depot_certificate_expires_in_seconds", "Seconds until certificate expiration (zero when expired)", []string{"serial_number", "subject"}, nil)
	expiresSoonCountDesc      = prometheus.NewDesc("depot_certificates_expires_soon_count", "Number of certificates expiring soon within threshold window", nil, nil)
	expiresSoonDesc           = prometheus.NewDesc("depot_certificate_expires_soon", "Certificate expires soon within threshold window (1=true,0=false)", []string{"serial_number", "subject"}, nil)
	expiryTimestampDesc       = prometheus.NewDesc("depot_certificate_expiry_timestamp_seconds", "Certificate expiration timestamp in seconds since epoch", []string{"serial_number", "subject"}, nil)
	lastScrapeSuccessDesc     = prometheus.NewDesc("depot_certificate_exporter_last_scrape_success", "Whether the last scrape succeeded (1) or failed (0)", nil, nil)
	depotAvailableDesc        = prometheus.NewDesc("depot_available", "Depot CA readable (1=available,0=unavailable)", nil, nil)
)

type certificateCollector struct {
	source           inventory.Source
	expirySoonWindow time.Duration
	now              func() time.Time
}

// NewCertificateCollector returns a Prometheus collector exposing the depot's
// certificate inventory and expiry status.
func NewCertificateCollector(source inventory.Source) prometheus.Collector {
	return &certificateCollector{
		source:           source,
		expirySoonWindow: time.Duration(expirySoonWindowDays) * 24 * time.Hour,
		now:              time.Now,
	}
}

func (collector *certificateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- certificatesLastFetchDesc
	ch <- certificatesTotalDesc
	ch <- nextSerialDesc
	ch <- expiredCountDesc
	ch <- expiresInDesc
	ch <- expiresSoonCountDesc
	ch <- expiresSoonDesc
	ch <- expiryTimestampDesc
	ch <- lastScrapeSuccessDesc
	ch <- depotAvailableDesc
}

func (collector *certificateCollector) Collect(ch chan<- prometheus.Metric) {
	certificates, err := collector.source.ListCertificates(context.Background())
	if err != nil {
		ch <- prometheus.MustNewConstMetric(lastScrapeSuccessDesc, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(lastScrapeSuccessDesc, prometheus.GaugeValue, 1)
	now := collector.now()

	available := 1.0
	if err := collector.source.CheckConnection(context.Background()); err != nil {
		available = 0.0
	}

	caCount, issuedCount := countKinds(certificates)
	ch <- prometheus.MustNewConstMetric(certificatesLastFetchDesc, prometheus.GaugeValue, float64(now.Unix()))
	ch <- prometheus.MustNewConstMetric(certificatesTotalDesc, prometheus.GaugeValue, float64(caCount), "ca")
	ch <- prometheus.MustNewConstMetric(certificatesTotalDesc, prometheus.GaugeValue, float64(issuedCount), "issued")
	ch <- prometheus.MustNewConstMetric(nextSerialDesc, prometheus.GaugeValue, nextSerial(certificates))
	ch <- prometheus.MustNewConstMetric(expiredCountDesc, prometheus.GaugeValue, float64(collector.countExpired(certificates, now)))
	ch <- prometheus.MustNewConstMetric(expiresSoonCountDesc, prometheus.GaugeValue, float64(collector.countExpiresSoon(certificates, now)))
	ch <- prometheus.MustNewConstMetric(depotAvailableDesc, prometheus.GaugeValue, available)
	collector.emitCertificateMetrics(ch, certificates, now)
}

// countKinds splits the listing into the CA (serial 0) and issued certificates.
func countKinds(certificates []certs.Summary) (int, int) {
	caCount := 0
	for _, certificate := range certificates {
		if certificate.SerialNumber == "0" {
			caCount++
		}
	}
	return caCount, len(certificates) - caCount
}

func nextSerial(certificates []certs.Summary) float64 {
	highest := new(big.Int)
	for _, certificate := range certificates {
		serial, ok := new(big.Int).SetString(certificate.SerialNumber, 10)
		if ok && serial.Cmp(highest) > 0 {
			highest = serial
		}
	}
	next, _ := new(big.Float).SetInt(highest.Add(highest, big.NewInt(1))).Float64()
	return next
}

func (collector *certificateCollector) countExpired(certificates []certs.Summary, now time.Time) int {
	count := 0
	for _, certificate := range certificates {
		if certificate.ExpiresAt.Before(now) {
			count++
		}
	}
	return count
}

func (collector *certificateCollector) countExpiresSoon(certificates []certs.Summary, now time.Time) int {
	count := 0
	for _, certificate := range certificates {
		if collector.expiresSoonValue(certificate, now) == 1 {
			count++
		}
	}
	return count
}

func (collector *certificateCollector) emitCertificateMetrics(ch chan<- prometheus.Metric, certificates []certs.Summary, now time.Time) {
	for _, certificate := range certificates {
		expiryTimestamp := float64(certificate.ExpiresAt.Unix())
		secondsToExpiry := certificate.ExpiresAt.Sub(now).Seconds()
		if secondsToExpiry < 0 {
			secondsToExpiry = 0
		}
		expiresSoon := collector.expiresSoonValue(certificate, now)
		ch <- prometheus.MustNewConstMetric(expiryTimestampDesc, prometheus.GaugeValue, expiryTimestamp, certificate.SerialNumber, certificate.Subject)
		ch <- prometheus.MustNewConstMetric(expiresInDesc, prometheus.GaugeValue, secondsToExpiry, certificate.SerialNumber, certificate.Subject)
		ch <- prometheus.MustNewConstMetric(expiresSoonDesc, prometheus.GaugeValue, expiresSoon, certificate.SerialNumber, certificate.Subject)
	}
}

func (collector *certificateCollector) expiresSoonValue(certificate certs.Summary, now time.Time) float64 {
	if certificate.ExpiresAt.Before(now) {
		return 0
	}
	if certificate.ExpiresAt.Sub(now) <= collector.expirySoonWindow {
		return 1
	}
	return 0
}
