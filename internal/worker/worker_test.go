package worker

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"certdepot/internal/certs"
	"certdepot/internal/depot"
	"certdepot/internal/keypair"
	"certdepot/internal/logger"
)

type failingIssuer struct{}

func (failingIssuer) Issue(certs.CertificateType, certs.SubjectAttributes) (*keypair.KeyPair, *certs.Certificate, error) {
	return nil, nil, errors.New("disk full")
}

// roundTrip sends request to a worker's Handle over an in-memory connection
// and returns everything written back before the close.
func roundTrip(t *testing.T, w *Worker, request string) (string, bool) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	var stop bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		stop = w.Handle(server)
	}()

	_ = client.SetDeadline(time.Now().Add(30 * time.Second))
	_, err := client.Write([]byte(request))
	require.NoError(t, err)
	response, err := io.ReadAll(client)
	require.NoError(t, err)
	<-done
	return string(response), stop
}

func newDepot(t *testing.T) *depot.Depot {
	t.Helper()
	d, err := depot.Create(filepath.Join(t.TempDir(), "depot"), "Worker Test", logger.Nop())
	require.NoError(t, err)
	return d
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"help\n", Command{Name: "help"}},
		{"help generate\r\n", Command{Name: "help", Argument: "generate"}},
		{"generate /CN=Bob Smith/O=Acme\n", Command{Name: "generate", Argument: "/CN=Bob Smith/O=Acme"}},
		{"  shutdown  ", Command{Name: "shutdown"}},
		{"", Command{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.line))
		})
	}
}

func TestHelp(t *testing.T) {
	assert.Equal(t, "generate help shutdown\n", Help(""))
	assert.Equal(t, "generate help shutdown\n", Help("revoke"))
	for _, c := range Commands {
		assert.Contains(t, Help(c), c)
		assert.NotEqual(t, Help(""), Help(c))
	}
}

func TestHandle_Help(t *testing.T) {
	w := New(nil, nil, nil, logger.Nop())

	response, stop := roundTrip(t, w, "help\n")
	assert.Equal(t, "generate help shutdown\n", response)
	assert.False(t, stop)

	response, _ = roundTrip(t, w, "help generate\n")
	assert.Equal(t, Help("generate"), response)
}

func TestHandle_Generate(t *testing.T) {
	d := newDepot(t)
	w := New(d, nil, nil, logger.Nop())

	response, _ := roundTrip(t, w, "generate /UID=recorder-12\n")

	keyBlock, rest := pem.Decode([]byte(response))
	require.NotNil(t, keyBlock)
	assert.Equal(t, "RSA PRIVATE KEY", keyBlock.Type)
	certBlock, rest := pem.Decode(rest)
	require.NotNil(t, certBlock)
	assert.Equal(t, "CERTIFICATE", certBlock.Type)
	assert.Empty(t, rest)

	kp, err := keypair.Parse(pem.EncodeToMemory(keyBlock))
	require.NoError(t, err)
	cert, err := certs.Parse(pem.EncodeToMemory(certBlock))
	require.NoError(t, err)
	assert.Equal(t, "/UID=recorder-12", cert.SubjectDN())
	assert.True(t, kp.PrivateKey.PublicKey.Equal(cert.PublicKey()))

	all, err := d.Certificates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHandle_GenerateErrors(t *testing.T) {
	w := New(failingIssuer{}, nil, nil, logger.Nop())

	response, _ := roundTrip(t, w, "generate /NOPE=x\n")
	assert.Contains(t, response, "error: invalid distinguished name")

	response, _ = roundTrip(t, w, "generate /CN=ok\n")
	assert.Equal(t, "error: disk full\n", response)
}

func TestHandle_UnknownCommand(t *testing.T) {
	quiet := New(nil, nil, nil, logger.Nop())
	response, stop := roundTrip(t, quiet, "revoke 12\n")
	assert.Empty(t, response)
	assert.False(t, stop)

	strict := New(nil, nil, nil, logger.Nop(), WithStrictProtocol(true))
	response, _ = roundTrip(t, strict, "revoke 12\n")
	assert.Equal(t, "error: unknown command \"revoke\"\n", response)
}

func TestHandle_Shutdown(t *testing.T) {
	var code int
	w := New(nil, nil, nil, logger.Nop(), WithExit(func(c int) { code = c }))

	response, stop := roundTrip(t, w, "shutdown\n")
	assert.Empty(t, response)
	assert.True(t, stop)
	assert.Equal(t, 1, code)
}

func startWorker(t *testing.T, issuer Issuer, lifeline *os.File, opts ...Option) (*net.TCPListener, <-chan error) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	opts = append([]Option{WithPollTimeout(50 * time.Millisecond)}, opts...)
	w := New(issuer, ln, lifeline, logger.Nop(), opts...)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return ln, done
}

func dialAndSend(t *testing.T, addr net.Addr, request string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	response, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(response)
}

func TestRun_ServesUntilLifelineSevered(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ln, done := startWorker(t, nil, w)
	assert.Equal(t, "generate help shutdown\n", dialAndSend(t, ln.Addr(), "help\n"))

	// the worker signals the supervisor end after each request
	buf := make([]byte, 1)
	_ = r.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, _ := r.Read(buf)
	assert.Equal(t, 1, n)

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrLifelineSevered))
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after the lifeline was closed")
	}
}

func TestRun_ShutdownCommandStopsLoop(t *testing.T) {
	var mu sync.Mutex
	codes := []int{}
	ln, done := startWorker(t, nil, nil, WithExit(func(c int) {
		mu.Lock()
		codes = append(codes, c)
		mu.Unlock()
	}))

	assert.Empty(t, dialAndSend(t, ln.Addr(), "shutdown\n"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, codes)
}

func TestRun_ContextCancel(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(nil, ln, nil, logger.Nop(), WithPollTimeout(20*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored context cancellation")
	}
}

func TestInheritedListener(t *testing.T) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer ln.Close()
	f, err := ln.File()
	require.NoError(t, err)
	dup, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	inherited, err := InheritedListener(uintptr(dup))
	require.NoError(t, err)
	defer inherited.Close()
	assert.Equal(t, ln.Addr().String(), inherited.Addr().String())
}
