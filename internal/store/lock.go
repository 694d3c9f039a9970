package store

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes the exclusive serial allocation lock shared by every process
// sharing the lock file. It blocks until the lock is free. The returned
// function releases it.
func (s *Store) Lock() (func() error, error) {
	path := s.lockPath
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open serial lock: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() error {
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			return fmt.Errorf("unlock %s: %w", path, err)
		}
		return nil
	}, nil
}

// WithLock runs fn while holding the serial lock, after reloading the store
// so NextSerialNumber reflects what every other process has synced.
func (s *Store) WithLock(fn func() error) (err error) {
	unlock, err := s.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := unlock(); err == nil {
			err = unlockErr
		}
	}()
	if err := s.Load(); err != nil {
		return err
	}
	return fn()
}
