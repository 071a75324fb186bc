package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/tonimelisma/sharepoint-go/internal/config"
)

const (
	lockFilePerms = 0o600
	lockDirPerms  = 0o700
)

// watchLockPath returns the lock file for watching dir. Each absolute
// directory gets its own lock under the data directory.
func watchLockPath(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}

	sum := sha256.Sum256([]byte(abs))

	return filepath.Join(config.DefaultDataDir(), "watch-"+hex.EncodeToString(sum[:8])+".pid")
}

// acquireWatchLock writes the current PID to path under an exclusive flock.
// The returned release func removes the file and drops the lock. A held
// lock means another watcher already serves the directory.
func acquireWatchLock(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("lock file path is empty: cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerms); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, readErr := readLockPID(path); readErr == nil {
			return nil, fmt.Errorf("another watch (PID %d) is already running for this directory", pid)
		}

		return nil, fmt.Errorf("another watch is already running for this directory (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readLockPID reads the PID recorded in a lock file.
func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
