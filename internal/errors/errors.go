package errors

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCertificateType = errors.New("unknown certificate type")
	ErrMissingSerialNumber    = errors.New("serial number required for a certificate that is not self-signed")
	ErrMissingIssuer          = errors.New("issuer certificate required")
	ErrMissingPublicKey       = errors.New("public key required")
	ErrInvalidDN              = errors.New("invalid distinguished name")
	ErrBind                   = errors.New("cannot bind listening socket")
	ErrNoWritableCandidate    = errors.New("no writable candidate path")
	ErrProcessNotFound        = errors.New("no running server process found")
	ErrSerialCollision        = errors.New("certificate serial number already taken")
	ErrDepotExists            = errors.New("depot already exists")
	ErrDepotNotFound          = errors.New("depot not found")
	ErrCertificateNotFound    = errors.New("certificate not found")
	ErrInvalidSerial          = errors.New("invalid certificate serial number")
	ErrInvalidHost            = errors.New("invalid listen host")
	ErrInvalidPort            = errors.New("invalid listen port")
	ErrInvalidProcessCount    = errors.New("process count must be at least 1")
	ErrInvalidQueueDepth      = errors.New("max connection queue must be at least 1")
)

// Kind groups errors by how callers are expected to react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBind
	KindPermission
	KindNotFound
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBind:
		return "bind"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// DepotError attaches the failed operation and a Kind to an underlying error.
type DepotError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *DepotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *DepotError) Unwrap() error {
	return e.Err
}

// New creates a DepotError.
func New(op string, kind Kind, err error) *DepotError {
	return &DepotError{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of the first DepotError in err's chain.
func KindOf(err error) Kind {
	var depotErr *DepotError
	if errors.As(err, &depotErr) {
		return depotErr.Kind
	}
	return KindUnknown
}

// IsValidation reports whether err was a rejected request that must not be retried.
func IsValidation(err error) bool {
	if KindOf(err) == KindValidation {
		return true
	}
	return errors.Is(err, ErrUnknownCertificateType) ||
		errors.Is(err, ErrMissingSerialNumber) ||
		errors.Is(err, ErrMissingIssuer) ||
		errors.Is(err, ErrMissingPublicKey) ||
		errors.Is(err, ErrInvalidDN)
}

// IsNotFound reports whether err means the requested resource does not exist.
func IsNotFound(err error) bool {
	if KindOf(err) == KindNotFound {
		return true
	}
	return errors.Is(err, ErrProcessNotFound) ||
		errors.Is(err, ErrDepotNotFound) ||
		errors.Is(err, ErrCertificateNotFound)
}

// IsPermission reports whether err came from a path that could not be written.
func IsPermission(err error) bool {
	return KindOf(err) == KindPermission || errors.Is(err, ErrNoWritableCandidate)
}
