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
	"fmt"
	"os"
	"strconv"
	"time"
)

// HeartbeatFDEnv names the environment variable the self-pipe
// Supervisor variant uses to hand a worker the write end of its
// health-check pipe across exec.
const HeartbeatFDEnv = "WORKER_HEARTBEAT_FD"

// StartHeartbeat writes a single byte to the fd named by
// WORKER_HEARTBEAT_FD once per interval, until stop is closed. If
// the environment variable isn't set (the Supervisor is running the
// canonical, non-self-pipe variant) it does nothing and returns nil.
func StartHeartbeat(interval time.Duration, stop <-chan struct{}) error {
	raw := os.Getenv(HeartbeatFDEnv)
	if raw == "" {
		return nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("client: bad %s value %q: %w", HeartbeatFDEnv, raw, err)
	}
	f := os.NewFile(uintptr(fd), "<heartbeat>")
	go func() {
		defer f.Close()
		t := time.NewTicker(interval)
		defer t.Stop()
		beat := []byte{0}
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if _, err := f.Write(beat); err != nil {
					return
				}
			}
		}
	}()
	return nil
}
