package certs

import (
	"fmt"
	"strings"

	deperrors "certdepot/internal/errors"
)

// CertificateType selects the extension policy applied at issuance.
type CertificateType int

const (
	TypeUnknown CertificateType = iota
	TypeCA
	TypeServer
	TypeClient
)

func (t CertificateType) String() string {
	switch t {
	case TypeCA:
		return "ca"
	case TypeServer:
		return "server"
	case TypeClient:
		return "client"
	default:
		return "unknown"
	}
}

// ParseType maps "ca", "server" or "client" to a CertificateType.
func ParseType(s string) (CertificateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ca":
		return TypeCA, nil
	case "server":
		return TypeServer, nil
	case "client":
		return TypeClient, nil
	}
	return TypeUnknown, fmt.Errorf("%w: %q", deperrors.ErrUnknownCertificateType, s)
}
