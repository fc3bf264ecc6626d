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
	"log"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/protocol"
)

// fakeBroker answers WantWorkerStandardPair requests with a pair of
// real, writable files so spawnWorker has something to dup onto the
// child's stdout/stderr, and otherwise ignores requests it doesn't
// understand. It exists purely to give the Supervisor a control
// socket to dial; it is not the real broker.
func fakeBroker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bureaucrat.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(uc *net.UnixConn) {
				defer uc.Close()
				env, err := protocol.ReadMessage(uc)
				if err != nil {
					return
				}
				if _, ok := env.Body.(protocol.WantWorkerStandardPair); !ok {
					return
				}
				out, err := os.CreateTemp(t.TempDir(), "stdout")
				if err != nil {
					return
				}
				errf, err := os.CreateTemp(t.TempDir(), "stderr")
				if err != nil {
					return
				}
				defer out.Close()
				defer errf.Close()
				if err := protocol.WriteMessage(uc, protocol.HaveWorkerStandardPair{}, 2); err != nil {
					return
				}
				desc, err := protocol.EncodeDescription([]string{"stdout", "stderr"}, []int{int(out.Fd()), int(errf.Fd())})
				if err != nil {
					return
				}
				fdpass.WriteWithFiles(uc, desc, []*os.File{out, errf})
			}(conn.(*net.UnixConn))
		}
	}()
	return path
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(os.Stderr, "test: ", log.Lshortfile)
}

func running(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func TestSpawnWorkerAttachesLogFdsAndStarts(t *testing.T) {
	path := fakeBroker(t)
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", "sleep 5"}, Number: 1}, t.TempDir(), path, testLogger(t))

	wp, err := s.spawnWorker(false)
	if err != nil {
		t.Fatalf("spawnWorker: %s", err)
	}
	defer wp.cmd.Process.Kill()

	if !running(wp.cmd.Process.Pid) {
		t.Fatalf("worker pid %d is not running", wp.cmd.Process.Pid)
	}
	if wp.heartbeatRead != nil {
		t.Fatalf("expected no heartbeat pipe when heartbeat=false")
	}
}

func TestSpawnWorkerHeartbeatPipeReceivesBytes(t *testing.T) {
	path := fakeBroker(t)
	// POSIX sh can write directly to an inherited fd via redirection;
	// fd 3 is where Supervisor attaches the heartbeat pipe's write end.
	script := `while true; do printf x >&3; sleep 0.02; done`
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", script}, Number: 1}, t.TempDir(), path, testLogger(t))

	wp, err := s.spawnWorker(true)
	if err != nil {
		t.Fatalf("spawnWorker: %s", err)
	}
	defer wp.cmd.Process.Kill()

	if wp.heartbeatRead == nil {
		t.Fatalf("expected a heartbeat pipe when heartbeat=true")
	}
	wp.heartbeatRead.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := wp.heartbeatRead.Read(buf); err != nil {
		t.Fatalf("reading heartbeat byte: %s", err)
	}
}

func TestReapCanonicalRespawnsExitedWorker(t *testing.T) {
	path := fakeBroker(t)
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", "exit 0"}, Number: 1}, t.TempDir(), path, testLogger(t))
	s.running = true

	spawned := s.spawnWorkers(1, false)
	if len(spawned) != 1 {
		t.Fatalf("expected 1 spawned worker, got %d", len(spawned))
	}
	origPid := spawned[0].cmd.Process.Pid

	// give the short-lived shell time to exit (it becomes a zombie
	// until reaped, so polling running() here would just spin to the
	// deadline) before reaping it.
	time.Sleep(200 * time.Millisecond)

	s.reapCanonical()

	if s.liveWorkerCount() != 1 {
		t.Fatalf("expected reapCanonical to respawn back up to 1 worker, got %d", s.liveWorkerCount())
	}
	s.mu.Lock()
	_, stillTracked := s.workers[origPid]
	s.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected exited pid %d to be untracked after reap", origPid)
	}

	// clean up whatever was respawned.
	s.mu.Lock()
	for _, wp := range s.workers {
		wp.cmd.Process.Kill()
	}
	s.mu.Unlock()
}

func TestWorkerPidsReturnsSortedPids(t *testing.T) {
	path := fakeBroker(t)
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", "sleep 5"}, Number: 3}, t.TempDir(), path, testLogger(t))
	s.running = true

	spawned := s.spawnWorkers(3, false)
	if len(spawned) != 3 {
		t.Fatalf("expected 3 spawned workers, got %d", len(spawned))
	}
	defer func() {
		for _, wp := range spawned {
			wp.cmd.Process.Kill()
		}
	}()

	pids := s.WorkerPids()
	if len(pids) != 3 {
		t.Fatalf("got %d pids, want 3", len(pids))
	}
	for i := 1; i < len(pids); i++ {
		if pids[i-1] >= pids[i] {
			t.Fatalf("pids not strictly ascending: %v", pids)
		}
	}
	want := make(map[int]bool)
	for _, wp := range spawned {
		want[wp.cmd.Process.Pid] = true
	}
	for _, pid := range pids {
		if !want[pid] {
			t.Fatalf("unexpected pid %d in WorkerPids result", pid)
		}
	}
}

func TestShutdownTerminatesWorkers(t *testing.T) {
	path := fakeBroker(t)
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", "sleep 30"}, Number: 2}, t.TempDir(), path, testLogger(t))
	s.running = true
	spawned := s.spawnWorkers(2, false)
	if len(spawned) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(spawned))
	}

	s.Shutdown()

	// reap each child ourselves (nothing else is watching them in
	// this test) and confirm Shutdown actually terminated them rather
	// than leaving them to run out the full sleep 30.
	for _, wp := range spawned {
		done := make(chan struct{})
		go func(wp *workerProc) {
			wp.cmd.Wait()
			close(done)
		}(wp)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker pid %d did not exit within 2s of Shutdown", wp.cmd.Process.Pid)
		}
	}

	select {
	case <-s.done:
	default:
		t.Fatalf("expected done channel to be closed after Shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	path := fakeBroker(t)
	s := New(nil, WorkerSpec{Args: []string{"/bin/sh", "-c", "sleep 1"}, Number: 1}, t.TempDir(), path, testLogger(t))
	s.running = true
	s.Shutdown()
	s.Shutdown()
}
