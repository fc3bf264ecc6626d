// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logrotate rotates a log file in place without changing
// the identity of a well-known file descriptor (e.g. fd 1 for
// stdout) that other processes already hold open.
package logrotate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultMaxSize is the rotation threshold used when none is
// configured.
const DefaultMaxSize = 1 << 32

// DefaultIterations is the number of archived generations (log.1
// through log.N) kept before the oldest is either compressed or
// dropped.
const DefaultIterations = 8

// DefaultMode is the permission mode new log files are created
// with.
const DefaultMode fs.FileMode = 0644

// Rotation manages one rotating log file, optionally preserving the
// identity of a bound file descriptor (stdin/stdout-style) across
// rotations via dup2.
type Rotation struct {
	Path       string
	BoundFD    *os.File
	MaxSize    int64
	Iterations int
	Mode       fs.FileMode
	// GzipOldest compresses the oldest surviving generation
	// (path.Iterations) to path.Iterations.gz just before it would
	// be overwritten, instead of silently discarding it.
	GzipOldest bool

	mu      sync.Mutex
	current *os.File
}

// New constructs a Rotation and opens (or creates) path for the
// first time. If bound is non-nil, the returned fd is always dup2'd
// onto bound's descriptor so that writers holding bound's fd number
// keep working across rotations.
func New(path string, bound *os.File) (*Rotation, error) {
	r := &Rotation{
		Path:       path,
		BoundFD:    bound,
		MaxSize:    DefaultMaxSize,
		Iterations: DefaultIterations,
		Mode:       DefaultMode,
		GzipOldest: true,
	}
	if _, err := r.Reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reopen opens a fresh file at r.Path and, if a bound fd is
// configured, dup2's it onto that descriptor before closing the
// newly opened one. It returns the fd writers should use.
func (r *Rotation) Reopen() (*os.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	newFD, err := os.OpenFile(r.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, r.Mode)
	if err != nil {
		return nil, fmt.Errorf("logrotate: opening %s: %w", r.Path, err)
	}
	if r.BoundFD != nil {
		if err := unix.Dup2(int(newFD.Fd()), int(r.BoundFD.Fd())); err != nil {
			newFD.Close()
			return nil, fmt.Errorf("logrotate: dup2 onto fd %d: %w", r.BoundFD.Fd(), err)
		}
		newFD.Close()
		r.current = r.BoundFD
		return r.BoundFD, nil
	}
	if r.current != nil {
		r.current.Close()
	}
	r.current = newFD
	return newFD, nil
}

// Current returns the fd writers should currently be using.
func (r *Rotation) Current() *os.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Rotate renames the archive chain and reopens the live file if the
// current file exceeds MaxSize. It returns the new fd, or nil if no
// rotation was necessary.
func (r *Rotation) Rotate() (*os.File, error) {
	rotated, err := rotatePath(r.Path, r.MaxSize, r.Iterations, r.GzipOldest)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, nil
	}
	return r.Reopen()
}

// rotatePath implements the rename chain: path.(i-1) -> path.i for
// i = iterations down to 2, then path -> path.1. Writes issued
// concurrently during rotation land in either the old file or the
// new one, never in an archive, because O_APPEND gives atomic
// positioning per write and the rename/dup2 swap is atomic.
func rotatePath(path string, maxSize int64, iterations int, gzipOldest bool) (bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if fi.Size() <= maxSize {
		return false, nil
	}
	oldest := fmt.Sprintf("%s.%d", path, iterations)
	if gzipOldest {
		if _, err := os.Stat(oldest); err == nil {
			if err := gzipAndRemove(oldest, oldest+".gz"); err != nil {
				return false, fmt.Errorf("logrotate: compressing %s: %w", oldest, err)
			}
		}
	}
	for target := iterations; target > 1; target-- {
		source := fmt.Sprintf("%s.%d", path, target-1)
		dest := fmt.Sprintf("%s.%d", path, target)
		if _, err := os.Stat(source); err == nil {
			if err := os.Rename(source, dest); err != nil {
				return false, err
			}
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return false, err
	}
	return true, nil
}
