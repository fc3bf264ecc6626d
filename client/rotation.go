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

package client

import (
	"log"
	"math/rand"
	"time"

	"golang.org/x/sys/unix"
)

// StartStdoutStderrRotation periodically re-requests the worker
// standard pair and dup2's the new fds onto 1 and 2, closing the
// received duplicates afterward. It returns a function that stops
// the background goroutine.
func StartStdoutStderrRotation(path string, interval time.Duration, logger *log.Logger) func() {
	stop := make(chan struct{})
	jittered := interval + time.Duration(rand.Int63n(int64(interval)/4+1))
	go func() {
		t := time.NewTicker(jittered)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				stdout, stderr, err := RequestWorkerStdPair(path)
				if err != nil {
					logger.Printf("client: requesting worker standard pair: %s", err)
					continue
				}
				if err := unix.Dup2(int(stdout.Fd()), 1); err != nil {
					logger.Printf("client: dup2 onto stdout: %s", err)
				}
				if err := unix.Dup2(int(stderr.Fd()), 2); err != nil {
					logger.Printf("client: dup2 onto stderr: %s", err)
				}
				stdout.Close()
				stderr.Close()
			}
		}
	}()
	return func() { close(stop) }
}
