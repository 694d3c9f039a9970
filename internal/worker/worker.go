// Package worker serves the line protocol on a listening socket shared with
// the other workers of a pool, one connection at a time.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"certdepot/internal/certs"
	"certdepot/internal/keypair"
	"certdepot/internal/logger"
)

const (
	// DefaultPollTimeout bounds every wait so the loop notices a severed
	// lifeline even with no traffic.
	DefaultPollTimeout = 2 * time.Second
	acceptWindow       = 100 * time.Millisecond
	readTimeout        = 30 * time.Second
	maxLineLength      = 8 << 10
)

// ErrLifelineSevered is returned by Run once the supervisor end of the
// lifeline is gone.
var ErrLifelineSevered = errors.New("lifeline to supervisor severed")

// Issuer issues certificates. *depot.Depot implements it.
type Issuer interface {
	Issue(certType certs.CertificateType, subject certs.SubjectAttributes) (*keypair.KeyPair, *certs.Certificate, error)
}

// Listener is a listening socket whose descriptor can be polled.
// *net.TCPListener and *net.UnixListener satisfy it.
type Listener interface {
	net.Listener
	syscall.Conn
	SetDeadline(t time.Time) error
}

// Worker handles protocol connections accepted from a shared listener.
type Worker struct {
	issuer      Issuer
	listener    Listener
	lifeline    *os.File
	log         logger.Logger
	strict      bool
	exit        func(code int)
	pollTimeout time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithStrictProtocol makes unknown commands answer with an error line
// instead of closing silently.
func WithStrictProtocol(strict bool) Option {
	return func(w *Worker) { w.strict = strict }
}

// WithExit replaces os.Exit as the shutdown command's way out.
func WithExit(exit func(code int)) Option {
	return func(w *Worker) { w.exit = exit }
}

// WithPollTimeout sets the bound on each multiplexed wait.
func WithPollTimeout(d time.Duration) Option {
	return func(w *Worker) { w.pollTimeout = d }
}

// New creates a worker. lifeline is the worker's end of the pipe shared with
// the supervisor and may be nil when no supervisor is watching.
func New(issuer Issuer, listener Listener, lifeline *os.File, log logger.Logger, opts ...Option) *Worker {
	w := &Worker{
		issuer:      issuer,
		listener:    listener,
		lifeline:    lifeline,
		log:         log.With().Str("component", "worker").Logger(),
		exit:        os.Exit,
		pollTimeout: DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run serves connections until the lifeline is severed, ctx is done, or a
// shutdown command returns from the exit function.
func (w *Worker) Run(ctx context.Context) error {
	listenerFD, err := descriptor(w.listener)
	if err != nil {
		return fmt.Errorf("listener descriptor: %w", err)
	}
	fds := []unix.PollFd{{Fd: int32(listenerFD), Events: unix.POLLIN}}
	if w.lifeline != nil {
		// no events requested: a pipe write end reports POLLERR once the
		// reading side is closed
		fds = append(fds, unix.PollFd{Fd: int32(w.lifeline.Fd())})
	}

	w.log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		for i := range fds {
			fds[i].Revents = 0
		}
		n, err := unix.Poll(fds, int(w.pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}
		if len(fds) > 1 && fds[1].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			w.log.Info().Msg("lifeline severed, stopping")
			return ErrLifelineSevered
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		stop, err := w.acceptOne()
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

// acceptOne takes the pending connection, if another worker has not taken it
// first, and serves it.
func (w *Worker) acceptOne() (bool, error) {
	if err := w.listener.SetDeadline(time.Now().Add(acceptWindow)); err != nil {
		return false, fmt.Errorf("set accept deadline: %w", err)
	}
	conn, err := w.listener.Accept()
	if err != nil {
		if transient(err) {
			return false, nil
		}
		return false, fmt.Errorf("accept: %w", err)
	}
	stop := w.Handle(conn)
	w.signal()
	return stop, nil
}

func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EINTR)
}

// signal wakes the supervisor. It ignores a full pipe or a missing reader.
func (w *Worker) signal() {
	if w.lifeline == nil {
		return
	}
	_, _ = w.lifeline.Write([]byte{'.'})
}

// Handle reads one command from conn, answers it and closes conn. It reports
// whether the worker was told to shut down.
func (w *Worker) Handle(conn net.Conn) bool {
	start := time.Now()
	defer conn.Close()

	_ = conn.SetReadDeadline(start.Add(readTimeout))
	line, err := bufio.NewReaderSize(io.LimitReader(conn, maxLineLength), 512).ReadString('\n')
	if err != nil && line == "" {
		w.log.Debug().Err(err).Msg("connection closed before a command was read")
		return false
	}
	cmd := ParseCommand(line)
	w.log.Debug().Str("input", cmd.String()).Msg("got input")

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	defer func() {
		logger.ProtocolEvent(&w.log, cmd.Name, remote, float64(time.Since(start).Microseconds())/1000).Msg("request handled")
	}()

	switch cmd.Name {
	case CommandGenerate:
		w.generate(conn, cmd.Argument)
	case CommandHelp:
		w.write(conn, []byte(Help(cmd.Argument)))
	case CommandShutdown:
		w.log.Info().Msg("shutdown requested")
		_ = conn.Close()
		w.exit(1)
		return true
	default:
		if w.strict {
			w.write(conn, []byte(unknownCommand(cmd.Name)))
		}
	}
	return false
}

func (w *Worker) generate(conn net.Conn, dn string) {
	subject, err := certs.ParseDN(dn)
	if err != nil {
		w.log.Warn().Err(err).Str("dn", dn).Msg("rejected distinguished name")
		w.write(conn, []byte(fmt.Sprintf("error: %v\n", err)))
		return
	}
	kp, cert, err := w.issuer.Issue(certs.TypeClient, subject)
	if err != nil {
		w.log.Error().Err(err).Str("dn", dn).Msg("certificate issuance failed")
		w.write(conn, []byte(fmt.Sprintf("error: %v\n", err)))
		return
	}
	certPEM, err := cert.PEM()
	if err != nil {
		w.log.Error().Err(err).Msg("encode certificate")
		return
	}
	w.write(conn, append(kp.PEM(), certPEM...))
}

func (w *Worker) write(conn net.Conn, data []byte) {
	if _, err := conn.Write(data); err != nil {
		w.log.Warn().Err(err).Msg("write response")
	}
}

func descriptor(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// InheritedListener rebuilds the listening socket passed down by the
// supervisor as descriptor fd.
func InheritedListener(fd uintptr) (Listener, error) {
	f := os.NewFile(fd, "listener")
	if f == nil {
		return nil, fmt.Errorf("descriptor %d is not open", fd)
	}
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	l, ok := ln.(Listener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("inherited listener %T cannot be polled", ln)
	}
	return l, nil
}
