// Package supervisor keeps a pool of worker processes serving one listening
// socket: it reaps workers that died, spawns replacements and shuts the pool
// down on a signal.
package supervisor

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"certdepot/internal/logger"
)

const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 35553
	DefaultProcessCount       = 2
	DefaultMaxConnectionQueue = 10
	DefaultSleepTimeout       = 2 * time.Second
)

// Config sizes the pool.
type Config struct {
	ProcessCount int
	// SleepTimeout bounds the wait between two supervision passes.
	SleepTimeout time.Duration
	// PIDFile is where the server's pid was written. It is removed on
	// shutdown.
	PIDFile string
}

type waitFunc func(pid int, status *unix.WaitStatus, options int, rusage *unix.Rusage) (int, error)

type workerEntry struct {
	pid       int
	startedAt time.Time
}

type lifelineEntry struct {
	file    *os.File
	fd      int
	severed bool
}

// Supervisor owns the listener and the worker pool.
type Supervisor struct {
	cfg      Config
	listener io.Closer
	spawner  Spawner
	log      logger.Logger
	waitpid  waitFunc
	now      func() time.Time

	mu        sync.Mutex
	workers   map[int]workerEntry
	lifelines map[int]*lifelineEntry
	startedAt time.Time
	spawned   uint64
	reaped    uint64
	wakeups   uint64

	signals  chan os.Signal
	shutdown bool
}

// New creates a supervisor for listener. Workers are started through
// spawner.
func New(cfg Config, listener io.Closer, spawner Spawner, log logger.Logger) *Supervisor {
	if cfg.ProcessCount < 1 {
		cfg.ProcessCount = DefaultProcessCount
	}
	if cfg.SleepTimeout <= 0 {
		cfg.SleepTimeout = DefaultSleepTimeout
	}
	return &Supervisor{
		cfg:       cfg,
		listener:  listener,
		spawner:   spawner,
		log:       log.With().Str("component", "supervisor").Logger(),
		waitpid:   unix.Wait4,
		now:       time.Now,
		workers:   make(map[int]workerEntry),
		lifelines: make(map[int]*lifelineEntry),
		signals:   make(chan os.Signal, 4),
	}
}

// Run supervises the pool until a QUIT, TERM or INT signal arrives or ctx is
// done, then shuts it down.
func (s *Supervisor) Run(ctx context.Context) error {
	signal.Notify(s.signals, unix.SIGQUIT, unix.SIGTERM, unix.SIGINT)
	defer signal.Stop(s.signals)

	s.mu.Lock()
	s.startedAt = s.now()
	s.mu.Unlock()
	s.log.Info().Int("process_count", s.cfg.ProcessCount).Msg("supervising workers")

	for {
		if s.shutdownPending(ctx) {
			return s.Shutdown()
		}
		s.Cycle()
		s.Sleep()
	}
}

func (s *Supervisor) shutdownPending(ctx context.Context) bool {
	select {
	case sig := <-s.signals:
		s.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		s.shutdown = true
	default:
	}
	if ctx.Err() != nil {
		s.shutdown = true
	}
	return s.shutdown
}

// Cycle reaps dead workers and spawns enough new ones to restore the pool.
func (s *Supervisor) Cycle() {
	s.Reap()
	if err := s.SpawnMissing(); err != nil {
		s.log.Error().Err(err).Msg("spawning workers failed, retrying next pass")
	}
}

// Reap collects terminated workers without blocking, checking at most as
// many times as there are workers, and forgets them.
func (s *Supervisor) Reap() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []int
	checks := len(s.workers)
	for i := 0; i < checks; i++ {
		var status unix.WaitStatus
		pid, err := s.waitpid(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if !errors.Is(err, unix.ECHILD) && !errors.Is(err, unix.EINTR) {
				s.log.Warn().Err(err).Msg("wait for workers")
			}
			break
		}
		if pid <= 0 {
			break
		}
		s.forget(pid)
		s.reaped++
		reaped = append(reaped, pid)
		s.log.Info().Int("worker_pid", pid).Str("status", describe(status)).Msg("reaped worker")
	}
	return reaped
}

func describe(status unix.WaitStatus) string {
	switch {
	case status.Signaled():
		return "killed by " + status.Signal().String()
	case status.Exited():
		return "exited " + strconv.Itoa(status.ExitStatus())
	default:
		return "stopped"
	}
}

// forget removes pid from both tables. Callers hold s.mu.
func (s *Supervisor) forget(pid int) {
	delete(s.workers, pid)
	if l, ok := s.lifelines[pid]; ok {
		_ = l.file.Close()
		delete(s.lifelines, pid)
	}
}

// SpawnMissing starts workers until the pool has ProcessCount of them.
func (s *Supervisor) SpawnMissing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := s.cfg.ProcessCount - len(s.workers)
	for i := 0; i < missing; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			return err
		}
		pid, err := s.spawner.Spawn(w)
		// the child holds its own copy; ours would keep the pipe from
		// reaching EOF when the child dies
		_ = w.Close()
		if err != nil {
			_ = r.Close()
			return err
		}
		s.workers[pid] = workerEntry{pid: pid, startedAt: s.now()}
		s.lifelines[pid] = &lifelineEntry{file: r, fd: int(r.Fd())}
		s.spawned++
		s.log.Info().Int("worker_pid", pid).Msg("spawned worker")
	}
	return nil
}

// Sleep waits on every live lifeline for at most SleepTimeout. Bytes on a
// lifeline are drained and dropped; end of file marks the lifeline severed
// so it is not polled again before its worker is reaped.
func (s *Supervisor) Sleep() {
	s.mu.Lock()
	fds := make([]unix.PollFd, 0, len(s.lifelines))
	entries := make([]*lifelineEntry, 0, len(s.lifelines))
	for _, l := range s.lifelines {
		if l.severed {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(l.fd), Events: unix.POLLIN})
		entries = append(entries, l)
	}
	s.mu.Unlock()

	if len(fds) == 0 {
		s.idle()
		return
	}
	n, err := unix.Poll(fds, int(s.cfg.SleepTimeout/time.Millisecond))
	if err != nil || n == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, 512)
	for i, fd := range fds {
		if fd.Revents == 0 {
			continue
		}
		l := entries[i]
		if fd.Revents&unix.POLLNVAL != 0 {
			l.severed = true
			continue
		}
		read, err := unix.Read(l.fd, buf)
		switch {
		case read > 0:
			s.wakeups += uint64(read)
		case read == 0 || (err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR)):
			l.severed = true
		}
	}
}

// idle waits out a pass with no lifeline to watch, returning early on a
// signal.
func (s *Supervisor) idle() {
	timer := time.NewTimer(s.cfg.SleepTimeout)
	defer timer.Stop()
	select {
	case sig := <-s.signals:
		s.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		s.shutdown = true
	case <-timer.C:
	}
}

// Shutdown closes the listener and every lifeline, which makes the workers
// exit, and removes the pid file.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	for pid, l := range s.lifelines {
		_ = l.file.Close()
		delete(s.lifelines, pid)
	}
	if err := RemovePIDFile(s.cfg.PIDFile); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info().Int("workers", len(s.workers)).Msg("supervisor stopped")
	return firstErr
}

// Workers returns the pids of the live workers in ascending order.
func (s *Supervisor) Workers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.workers)
}

// Lifelines returns the pids that have an open lifeline, ascending.
func (s *Supervisor) Lifelines() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.lifelines)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// WorkerStatus describes one live worker.
type WorkerStatus struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Status is a snapshot of the pool.
type Status struct {
	ProcessCount int            `json:"processCount"`
	Workers      []WorkerStatus `json:"workers"`
	StartedAt    time.Time      `json:"startedAt"`
	Spawned      uint64         `json:"spawned"`
	Reaped       uint64         `json:"reaped"`
	Wakeups      uint64         `json:"wakeups"`
}

// Status returns a snapshot of the pool.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := make([]WorkerStatus, 0, len(s.workers))
	for _, pid := range sortedKeys(s.workers) {
		workers = append(workers, WorkerStatus{PID: pid, StartedAt: s.workers[pid].startedAt})
	}
	return Status{
		ProcessCount: s.cfg.ProcessCount,
		Workers:      workers,
		StartedAt:    s.startedAt,
		Spawned:      s.spawned,
		Reaped:       s.reaped,
		Wakeups:      s.wakeups,
	}
}
