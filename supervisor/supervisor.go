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

// Package supervisor starts the broker, forks a fleet of identical
// worker subprocesses, restarts the ones that exit, and tears the
// whole tree down when the broker dies or a termination signal
// arrives.
package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/tectonic-sh/tectonic/client"
	"github.com/tectonic-sh/tectonic/logrotate"
)

// DefaultMurderWait is how long a worker may stay silent on its
// heartbeat pipe (self-pipe variant only) before the Supervisor
// kills and respawns it.
const DefaultMurderWait = 30 * time.Second

// DefaultHeartbeatInterval is how often a healthy worker is
// expected to write a heartbeat byte (self-pipe variant only).
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultHandoffTimeout is how long RunCanonical/RunSelfPipe wait
// for the broker's control socket to come up before reporting
// startup failure on the Launcher hand-off socket.
const DefaultHandoffTimeout = time.Second

// WorkerSpec describes one worker command line. The Supervisor
// starts Number copies of it.
type WorkerSpec struct {
	Args   []string
	Number int
}

// Supervisor owns the broker subprocess and a fleet of worker
// subprocesses, restarting workers as they exit and shutting the
// whole tree down if the broker dies or a termination signal
// arrives.
type Supervisor struct {
	BrokerArgs []string
	Worker     WorkerSpec
	LogDir     string
	SockPath   string

	HeartbeatInterval time.Duration
	MurderWait        time.Duration

	Logger *log.Logger

	// Handoff, if non-nil, receives a single '0' byte once the
	// broker is confirmed reachable, or a non-zero byte on
	// startup failure, matching the Launcher hand-off protocol.
	Handoff *os.File

	mu      sync.Mutex
	running bool
	broker  *exec.Cmd
	workers map[int]*workerProc
	done    chan struct{}
}

type workerProc struct {
	cmd           *exec.Cmd
	heartbeatRead *os.File
	lastSeen      time.Time
}

// New constructs a Supervisor with HeartbeatInterval and MurderWait
// set to DefaultHeartbeatInterval and DefaultMurderWait.
func New(brokerArgs []string, worker WorkerSpec, logDir, sockPath string, logger *log.Logger) *Supervisor {
	return &Supervisor{
		BrokerArgs:        brokerArgs,
		Worker:            worker,
		LogDir:            logDir,
		SockPath:          sockPath,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MurderWait:        DefaultMurderWait,
		Logger:            logger,
		workers:           make(map[int]*workerProc),
		done:              make(chan struct{}),
	}
}

// startBroker execs the broker binary, matching the historical
// "proctor starts the bureaucrat" step. It attaches the broker's
// initial stdout/stderr to its dedicated log files under
// logrotate.BrokerLogDir the same way spawnWorker attaches a
// worker's to its log files, rather than piping them into the
// Supervisor's own stderr; once the broker is running it takes over
// rotation of those same files itself (see broker.setupOwnLogs).
func (s *Supervisor) startBroker() error {
	if len(s.BrokerArgs) == 0 {
		return fmt.Errorf("supervisor: no broker command configured")
	}
	brokerLogs, err := logrotate.NewStandardPair(logrotate.BrokerLogDir(s.LogDir), false)
	if err != nil {
		return fmt.Errorf("supervisor: opening broker log files: %w", err)
	}
	cmd := exec.Command(s.BrokerArgs[0], s.BrokerArgs[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = brokerLogs.Stdout.Current()
	cmd.Stderr = brokerLogs.Stderr.Current()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: starting broker: %w", err)
	}
	s.broker = cmd
	return nil
}

// confirmBrokerReady blocks until the control socket is accepting
// connections, or timeout elapses, and reports the outcome on the
// hand-off socket exactly as the Launcher protocol expects.
func (s *Supervisor) confirmBrokerReady(timeout time.Duration) error {
	err := client.WaitReady(s.SockPath, timeout)
	if s.Handoff != nil {
		status := byte('0')
		if err != nil {
			status = '1'
		}
		s.Handoff.Write([]byte{status})
	}
	return err
}

// spawnWorker requests fresh log fds from the broker and execs one
// copy of the configured worker command with those fds attached as
// its stdout/stderr. If heartbeat is true, a health-check pipe is
// created and its write end is handed to the child as an extra fd,
// named by client.HeartbeatFDEnv (self-pipe variant only).
func (s *Supervisor) spawnWorker(heartbeat bool) (*workerProc, error) {
	if len(s.Worker.Args) == 0 {
		return nil, fmt.Errorf("supervisor: no worker command configured")
	}
	stdout, stderr, err := client.RequestWorkerStdPair(s.SockPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: requesting worker log fds: %w", err)
	}
	defer stdout.Close()
	defer stderr.Close()

	cmd := exec.Command(s.Worker.Args[0], s.Worker.Args[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), client.SockPathEnv+"="+s.SockPath)

	var heartbeatRead *os.File
	if heartbeat {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: creating heartbeat pipe: %w", err)
		}
		defer w.Close()
		cmd.ExtraFiles = []*os.File{w}
		// ExtraFiles are attached starting at fd 3 in the child.
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=3", client.HeartbeatFDEnv))
		heartbeatRead = r
	}

	if err := cmd.Start(); err != nil {
		if heartbeatRead != nil {
			heartbeatRead.Close()
		}
		return nil, fmt.Errorf("supervisor: starting worker: %w", err)
	}
	return &workerProc{cmd: cmd, heartbeatRead: heartbeatRead, lastSeen: time.Now()}, nil
}

func (s *Supervisor) spawnWorkers(n int, heartbeat bool) []*workerProc {
	spawned := make([]*workerProc, 0, n)
	for i := 0; i < n; i++ {
		wp, err := s.spawnWorker(heartbeat)
		if err != nil {
			s.Logger.Printf("supervisor: spawning worker: %s", err)
			continue
		}
		s.mu.Lock()
		s.workers[wp.cmd.Process.Pid] = wp
		s.mu.Unlock()
		s.Logger.Printf("supervisor: started worker pid %d", wp.cmd.Process.Pid)
		spawned = append(spawned, wp)
	}
	return spawned
}

func (s *Supervisor) liveWorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// WorkerPids returns the pids of every currently tracked worker in
// ascending order, for logging and for the "process-table size
// stable" testable property; map iteration order is otherwise
// unspecified.
func (s *Supervisor) WorkerPids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := maps.Keys(s.workers)
	slices.Sort(pids)
	return pids
}

// Shutdown sends SIGTERM to every living worker and the broker,
// waits briefly, then SIGKILLs stragglers, and unlinks the control
// socket.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	procs := make([]*os.Process, 0, len(s.workers)+1)
	for _, wp := range s.workers {
		procs = append(procs, wp.cmd.Process)
	}
	if s.broker != nil && s.broker.Process != nil {
		procs = append(procs, s.broker.Process)
	}
	s.mu.Unlock()

	for _, p := range procs {
		p.Signal(syscall.SIGTERM)
	}
	time.Sleep(100 * time.Millisecond)
	for _, p := range procs {
		p.Kill()
	}
	os.Remove(s.SockPath)
	close(s.done)
}
