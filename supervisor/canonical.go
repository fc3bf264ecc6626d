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

package supervisor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RunCanonical blocks SIGCHLD/SIGTERM/SIGINT conceptually by routing
// them through a single channel and handling them one at a time in
// this goroutine, the Go equivalent of the historical
// install-handlers-then-sigsuspend loop: handler execution never
// races the main loop because there is only one goroutine reading
// the signal channel.
func (s *Supervisor) RunCanonical(handoffTimeout time.Duration) error {
	sigc := make(chan os.Signal, 16)
	signal.Notify(sigc, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigc)

	if err := s.startBroker(); err != nil {
		return err
	}
	if err := s.confirmBrokerReady(handoffTimeout); err != nil {
		s.broker.Process.Kill()
		return err
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.spawnWorkers(s.Worker.Number, false)

	for sig := range sigc {
		switch sig {
		case syscall.SIGCHLD:
			if s.reapCanonical() {
				return nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			s.Shutdown()
			return nil
		}
	}
	return nil
}

// reapCanonical drains every exited child via waitpid(-1, WNOHANG)
// in a loop, matching the historical handler exactly. It returns
// true if the broker was among the reaped children, in which case
// the caller must shut the whole tree down.
func (s *Supervisor) reapCanonical() bool {
	brokerDied := false
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		if s.broker != nil && s.broker.Process != nil && pid == s.broker.Process.Pid {
			s.Logger.Printf("supervisor: broker pid %d exited, shutting down", pid)
			brokerDied = true
			continue
		}
		s.mu.Lock()
		_, tracked := s.workers[pid]
		delete(s.workers, pid)
		running := s.running
		s.mu.Unlock()
		if !tracked {
			continue
		}
		s.Logger.Printf("supervisor: worker pid %d exited, respawning", pid)
		if running && !brokerDied {
			s.spawnWorkers(1, false)
		}
	}
	if brokerDied {
		s.Shutdown()
		return true
	}
	return false
}
