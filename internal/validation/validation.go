package validation

import (
	"fmt"
	"net"
	"strings"

	deperrors "certdepot/internal/errors"
)

// ValidateHost accepts an IP literal or a host name usable for binding.
func ValidateHost(host string) error {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" || (strings.ContainsAny(trimmed, " /:") && net.ParseIP(trimmed) == nil) {
		return deperrors.ErrInvalidHost
	}
	return nil
}

// ValidatePort accepts 0 (any free port) through 65535.
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return deperrors.ErrInvalidPort
	}
	return nil
}

func ValidateProcessCount(count int) error {
	if count < 1 {
		return deperrors.ErrInvalidProcessCount
	}
	return nil
}

func ValidateQueueDepth(depth int) error {
	if depth < 1 {
		return deperrors.ErrInvalidQueueDepth
	}
	return nil
}

// ValidateMetricsAddr accepts an empty address (admin surface disabled) or
// a "host:port" pair.
func ValidateMetricsAddr(addr string) error {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(trimmed); err != nil {
		return fmt.Errorf("invalid metrics address %q: %w", addr, err)
	}
	return nil
}

// ValidateServerConfig checks every server setting and reports the first
// problem as a validation error.
func ValidateServerConfig(host string, port, processCount, queueDepth int, metricsAddr string) error {
	checks := []error{
		ValidateHost(host),
		ValidatePort(port),
		ValidateProcessCount(processCount),
		ValidateQueueDepth(queueDepth),
		ValidateMetricsAddr(metricsAddr),
	}
	for _, err := range checks {
		if err != nil {
			return deperrors.New("configure server", deperrors.KindValidation, err)
		}
	}
	return nil
}
