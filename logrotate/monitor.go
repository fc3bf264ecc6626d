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

package logrotate

import (
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// StandardPair bundles the stdout and stderr rotations that every
// process role (supervisor, broker, worker) maintains for its own
// standard descriptors, or that the broker maintains on behalf of
// the shared worker standard pair.
type StandardPair struct {
	Stdout *Rotation
	Stderr *Rotation
}

// NewStandardPair opens (or creates) dir/stdout and dir/stderr. If
// bind is true, the rotations dup2 onto fds 1 and 2 respectively so
// that a process's own os.Stdout/os.Stderr keep working across
// rotation; bind should be false when the pair's fds are only ever
// handed out to other processes (the broker's worker std pair).
func NewStandardPair(dir string, bind bool) (*StandardPair, error) {
	var boundOut, boundErr *os.File
	if bind {
		boundOut, boundErr = os.Stdout, os.Stderr
	}
	out, err := New(filepath.Join(dir, "stdout"), boundOut)
	if err != nil {
		return nil, err
	}
	errRot, err := New(filepath.Join(dir, "stderr"), boundErr)
	if err != nil {
		return nil, err
	}
	return &StandardPair{Stdout: out, Stderr: errRot}, nil
}

// Monitor rotates both files once per interval, forever, logging
// (rather than panicking on) any rotation error, until stop is
// closed. It runs as a ticker-driven goroutine rather than a raw
// time.Sleep loop so that it can be stopped deterministically.
func (p *StandardPair) Monitor(interval time.Duration, logger *log.Logger, stop <-chan struct{}) {
	jittered := interval + time.Duration(rand.Int63n(int64(interval)/4+1))
	t := time.NewTicker(jittered)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, err := p.Stdout.Rotate(); err != nil {
				logger.Printf("stdout rotation: %s", err)
			}
			if _, err := p.Stderr.Rotate(); err != nil {
				logger.Printf("stderr rotation: %s", err)
			}
		}
	}
}
