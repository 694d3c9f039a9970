// Package middleware wraps the depot admin surface: request ids, access
// logging through the server logger, panic recovery, response headers and a
// per-peer request budget.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"certdepot/internal/logger"
)

type requestIDKey struct{}

const maxRequestIDLength = 64

var (
	requestIDPrefix = newRequestIDPrefix()
	requestSeq      atomic.Uint64
)

func newRequestIDPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return strconv.Itoa(os.Getpid())
	}
	return hex.EncodeToString(buf)
}

// RequestID tags the request with the caller's X-Request-ID when it is a
// plain token, or with "<process prefix>-<sequence>" otherwise.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := acceptRequestID(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = requestIDPrefix + "-" + strconv.FormatUint(requestSeq.Add(1), 10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id RequestID stored in ctx, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func acceptRequestID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRequestIDLength {
		return ""
	}
	if strings.IndexFunc(value, notRequestIDRune) >= 0 {
		return ""
	}
	return value
}

func notRequestIDRune(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_.:", r)
}

// quietPaths are polled by orchestrators and Prometheus; their successful
// requests are only logged at debug level.
var quietPaths = map[string]bool{
	"/api/health": true,
	"/api/ready":  true,
	"/metrics":    true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(p []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(p)
	rec.bytes += n
	return n, err
}

// AccessLog writes one entry per request to log.
func AccessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if quietPaths[r.URL.Path] && rec.status < http.StatusBadRequest && !log.Debug().Enabled() {
				return
			}
			elapsed := float64(time.Since(start).Microseconds()) / 1000
			logger.HTTPEvent(&log, r.Method, r.URL.Path, rec.status, elapsed).
				Str("request_id", GetRequestID(r.Context())).
				Str("peer", peerOf(r)).
				Int("bytes", rec.bytes).
				Str("user_agent", r.UserAgent()).
				Msg("admin request")
		})
	}
}

// Recover turns a handler panic into a 500 and logs the stack to log.
func Recover(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.PanicEvent(&log, err, string(debug.Stack())).
						Str("request_id", GetRequestID(r.Context())).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("admin handler panicked")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// adminHeaders go on every response. The surface only serves JSON, PEM and
// the Prometheus text format over plain HTTP.
var adminHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
}

// SecurityHeaders sets adminHeaders.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range adminHeaders {
			h.Set(kv[0], kv[1])
		}
		next.ServeHTTP(w, r)
	})
}

// Limits bounds how often one peer may call the admin surface. Peers are
// told apart by their socket address only: the surface is meant to be bound
// to a management interface, never behind a proxy.
type Limits struct {
	// Burst requests are allowed per Window; zero disables limiting.
	Burst  int
	Window time.Duration
	// Peers caps the tracked peers; when full the oldest window is dropped.
	Peers  int
	Exempt []string
	// Rejected, when set, is called for every refused request.
	Rejected func(r *http.Request, peer string)

	now func() time.Time
}

// AdminLimits fits a few Prometheus servers and the odd operator: probes and
// scrapes are exempt, everything else gets 30 requests per 10 seconds.
func AdminLimits() Limits {
	return Limits{
		Burst:  30,
		Window: 10 * time.Second,
		Peers:  64,
		Exempt: []string{"/api/health", "/api/ready", "/metrics"},
	}
}

// Limit answers 429 with a Retry-After once a peer spent its budget.
func Limit(limits Limits) func(http.Handler) http.Handler {
	if limits.now == nil {
		limits.now = time.Now
	}
	l := &limiter{limits: limits, peers: make(map[string]*window)}
	return func(next http.Handler) http.Handler {
		if limits.Burst <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.exempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			peer := peerOf(r)
			ok, retry := l.take(peer, limits.now())
			if !ok {
				if limits.Rejected != nil {
					limits.Rejected(r, peer)
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(retry.Seconds())))))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type window struct {
	start time.Time
	count int
}

type limiter struct {
	mu     sync.Mutex
	limits Limits
	peers  map[string]*window
}

func (l *limiter) exempt(path string) bool {
	for _, p := range l.limits.Exempt {
		if p == path {
			return true
		}
	}
	return false
}

// take spends one request of peer's budget, or reports how long until the
// current window closes.
func (l *limiter) take(peer string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, found := l.peers[peer]
	if !found || now.Sub(w.start) >= l.limits.Window {
		if !found && l.limits.Peers > 0 && len(l.peers) >= l.limits.Peers {
			l.evict(now)
		}
		w = &window{start: now}
		l.peers[peer] = w
	}
	if w.count >= l.limits.Burst {
		return false, w.start.Add(l.limits.Window).Sub(now)
	}
	w.count++
	return true, 0
}

// evict drops closed windows, then the oldest open one if still full.
func (l *limiter) evict(now time.Time) {
	var (
		oldest      string
		oldestStart time.Time
	)
	for peer, w := range l.peers {
		if now.Sub(w.start) >= l.limits.Window {
			delete(l.peers, peer)
			continue
		}
		if oldest == "" || w.start.Before(oldestStart) {
			oldest, oldestStart = peer, w.start
		}
	}
	if len(l.peers) >= l.limits.Peers && oldest != "" {
		delete(l.peers, oldest)
	}
}

func peerOf(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
