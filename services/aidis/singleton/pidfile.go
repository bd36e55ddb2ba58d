// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package singleton enforces one AIDIS server per PID file.
//
// The guard is advisory: it protects a developer machine from two servers
// fighting over the same LISTEN channel and port, not against hostile
// concurrent starts. A crash leaves a stale file behind; Acquire detects
// that by probing the recorded pid and cleans it up.
package singleton

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aidisdev/aidis/pkg/logging"
)

// ErrAlreadyRunning means a live process holds the PID file.
var ErrAlreadyRunning = errors.New("another instance is already running")

// PIDFile is an acquired process-singleton guard.
type PIDFile struct {
	path   string
	pid    int
	logger *logging.Logger
}

// Acquire claims the PID file at path. A readable file naming a live
// process yields ErrAlreadyRunning (wrapped with the pid); a stale or
// unreadable file is removed with a warning and the claim proceeds.
func Acquire(path string, logger *logging.Logger) (*PIDFile, error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, ok := parsePID(data); ok && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, path)
		}
		logger.Warn("removing stale pid file", "path", path)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale pid file %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read pid file %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}

	logger.Info("pid file acquired", "path", path, "pid", pid)
	return &PIDFile{path: path, pid: pid, logger: logger}, nil
}

// Remove releases the guard. Idempotent; a file that no longer holds our
// pid is left alone, another instance may have legitimately claimed it.
func (p *PIDFile) Remove() {
	if p == nil {
		return
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return
	}
	if pid, ok := parsePID(data); !ok || pid != p.pid {
		p.logger.Warn("pid file no longer ours, leaving it", "path", p.path)
		return
	}
	if err := os.Remove(p.path); err != nil {
		p.logger.Warn("failed to remove pid file", "path", p.path, "error", err.Error())
		return
	}
	p.logger.Info("pid file released", "path", p.path)
}

func parsePID(data []byte) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes pid with signal 0. EPERM still means the process
// exists, just under another user.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
