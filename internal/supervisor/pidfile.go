package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	deperrors "certdepot/internal/errors"
)

// WritePIDFile writes pid to the first candidate that can be written and
// returns its path.
func WritePIDFile(candidates []string, pid int) (string, error) {
	var failures []string
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		return path, nil
	}
	return "", deperrors.New("pid file", deperrors.KindPermission,
		fmt.Errorf("%w: %s", deperrors.ErrNoWritableCandidate, strings.Join(failures, "; ")))
}

// ReadPIDFile returns the pid stored in the most recently modified candidate
// that exists.
func ReadPIDFile(candidates []string) (string, int, error) {
	var (
		newestPath string
		newestTime time.Time
	)
	for _, path := range candidates {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if newestPath == "" || info.ModTime().After(newestTime) {
			newestPath, newestTime = path, info.ModTime()
		}
	}
	if newestPath == "" {
		return "", 0, deperrors.New("stop", deperrors.KindNotFound,
			fmt.Errorf("%w: no pid file in %s", deperrors.ErrProcessNotFound, strings.Join(candidates, ", ")))
	}

	data, err := os.ReadFile(newestPath)
	if err != nil {
		return newestPath, 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return newestPath, 0, deperrors.New("stop", deperrors.KindNotFound,
			fmt.Errorf("%w: %s holds no pid", deperrors.ErrProcessNotFound, newestPath))
	}
	return newestPath, pid, nil
}

// RemovePIDFile deletes path, ignoring a file that is already gone.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// OpenLogFile opens the first candidate that can be appended to.
func OpenLogFile(candidates []string) (*os.File, error) {
	var failures []string
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			failures = append(failures, err.Error())
			continue
		}
		return f, nil
	}
	return nil, deperrors.New("log file", deperrors.KindPermission,
		fmt.Errorf("%w: %s", deperrors.ErrNoWritableCandidate, strings.Join(failures, "; ")))
}

// Stop sends SIGTERM to the server recorded in the newest pid file and
// returns its pid.
func Stop(candidates []string) (int, error) {
	return stop(candidates, unix.Kill)
}

func stop(candidates []string, kill func(pid int, sig unix.Signal) error) (int, error) {
	path, pid, err := ReadPIDFile(candidates)
	if err != nil {
		return 0, err
	}
	if err := kill(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return pid, deperrors.New("stop", deperrors.KindNotFound,
				fmt.Errorf("%w: pid %d from %s", deperrors.ErrProcessNotFound, pid, path))
		}
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	if err := kill(pid, unix.SIGTERM); err != nil {
		return pid, fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return pid, nil
}
