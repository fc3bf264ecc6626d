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

// Package launcher starts the Supervisor tree as a detached daemon
// and blocks until the Broker is confirmed reachable or a timeout
// expires, then reports success or failure to its own caller. It
// also implements --kill mode against the process-group file.
package launcher

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tectonic-sh/tectonic/fdpass"
	"github.com/tectonic-sh/tectonic/logrotate"
	"github.com/tectonic-sh/tectonic/pgroup"
)

// DefaultTimeout is how long the Launcher waits for the hand-off
// protocol to complete before giving up and killing the tree.
const DefaultTimeout = time.Second

// HandoffFDEnv names the environment variable carrying the
// hand-off socket's fd number across exec, matching spec'd
// BUREAUCRAT_LAUNCH_PIPE.
const HandoffFDEnv = "BUREAUCRAT_LAUNCH_PIPE"

// daemonStageEnv marks a re-exec of the launcher binary as the
// "first fork" stage of the double fork: call setsid, then exec the
// Supervisor. It is never part of the documented CLI surface.
const daemonStageEnv = "_TECTONIC_LAUNCHER_DAEMON_STAGE"

// Config holds everything Run needs, corresponding to the
// Launcher's normative flags plus the Supervisor command line
// forwarded after them.
type Config struct {
	LogDir         string
	PgroupFile     string
	Timeout        time.Duration
	SupervisorArgs []string
}

// Run starts the tree (or, on a re-exec, completes the daemonizing
// middle stage) and returns the process exit code. Go cannot
// fork(2) without exec'ing immediately, so the classic double fork
// (TLPI 37.2) is realized as two real process spawns instead: this
// process spawns a re-exec of itself (the "first fork"), which
// calls setsid and then execs the Supervisor (the "second fork")
// before exiting.
func Run(cfg Config) int {
	if os.Getenv(daemonStageEnv) != "" {
		return runDaemonStage(cfg)
	}
	return runForeground(cfg)
}

// runForeground is the process the user actually invokes. It never
// daemonizes itself; it stays in the foreground exactly long enough
// to learn whether the tree started successfully.
func runForeground(cfg Config) int {
	if err := logrotate.EnsureLogDirectories(cfg.LogDir); err != nil {
		return 1
	}

	parentConn, childConn, err := fdpass.SocketPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: creating hand-off socket: %s\n", err)
		return 1
	}
	defer parentConn.Close()

	childFile, err := childConn.File()
	childConn.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %s\n", err)
		return 1
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %s\n", err)
		return 1
	}

	env := append(os.Environ(), daemonStageEnv+"=1", fmt.Sprintf("%s=3", HandoffFDEnv))
	pid, err := syscall.ForkExec(self, os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{0, 1, 2, childFile.Fd()},
	})
	childFile.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: starting daemon stage: %s\n", err)
		return 1
	}

	return waitForBureaucrat(parentConn, pid, cfg.Timeout, cfg.LogDir)
}

// waitForBureaucrat implements the hand-off state machine:
// want_process_group then want_exit_status, racing each receive
// against a timeout and, for the first state only, against the
// daemon stage dying before it completes setsid. Once the process
// group id is known, a SIGCHLD for the daemon-stage pid is expected
// (it always exits right after spawning the Supervisor) and must no
// longer be treated as premature failure.
func waitForBureaucrat(conn *net.UnixConn, daemonPid int, timeout time.Duration, logDir string) int {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGCHLD)
	defer signal.Stop(sigc)

	data, err := recvWithSigChld(conn, timeout, sigc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %s; check logs in %s\n", err, logDir)
		syscall.Kill(daemonPid, syscall.SIGKILL)
		return 1
	}
	pgid, err := strconv.Atoi(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: malformed process group from daemon stage: %q\n", data)
		syscall.Kill(daemonPid, syscall.SIGKILL)
		return 1
	}
	signal.Stop(sigc)

	data, err = recvWithSigChld(conn, timeout, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %s; check logs in %s\n", err, logDir)
		unix.Kill(-pgid, syscall.SIGKILL)
		return 1
	}
	if len(data) > 0 && data[0] == '0' {
		return 0
	}
	fmt.Fprintf(os.Stderr, "launcher: supervisor or broker did not start successfully; check logs in %s\n", logDir)
	unix.Kill(-pgid, syscall.SIGKILL)
	return 1
}

// recvWithSigChld reads one message from conn, racing it against
// timeout and, if sigc is non-nil, against a SIGCHLD arriving first
// (the daemon stage died before completing its half of the
// protocol). Passing a nil sigc disables that race, since a nil
// channel is never selectable.
func recvWithSigChld(conn *net.UnixConn, timeout time.Duration, sigc <-chan os.Signal) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		ch <- result{buf[:n], err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("could not communicate with supervisor and broker: %w", r.err)
		}
		return r.data, nil
	case <-sigc:
		return nil, fmt.Errorf("supervisor died unexpectedly during daemonization")
	case <-time.After(timeout):
		return nil, fmt.Errorf("supervisor and/or broker not started before timeout (%s) expired", timeout)
	}
}

// runDaemonStage is the re-exec'd "first fork": it becomes a new
// session leader, hands the session id to the Launcher, then execs
// the Supervisor (the "second fork", guaranteed not to be a session
// leader since only this process called setsid) with the hand-off
// fd carried forward, and exits without waiting for it.
func runDaemonStage(cfg Config) int {
	fdStr := os.Getenv(HandoffFDEnv)
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: malformed %s=%q\n", HandoffFDEnv, fdStr)
		return 1
	}
	handoff := os.NewFile(uintptr(fd), "<handoff>")

	if _, err := unix.Setsid(); err != nil {
		fmt.Fprintf(os.Stderr, "launcher: setsid: %s\n", err)
		return 1
	}
	unix.Umask(0)
	sid, err := unix.Getsid(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "launcher: getsid: %s\n", err)
		return 1
	}
	if err := pgroup.Write(cfg.PgroupFile, sid); err != nil {
		fmt.Fprintf(os.Stderr, "launcher: writing pgroup file: %s\n", err)
		return 1
	}
	if _, err := handoff.Write([]byte(strconv.Itoa(sid))); err != nil {
		return 1
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return 1
	}
	defer devNull.Close()

	proctorLogs, err := logrotate.NewStandardPair(logrotate.SupervisorLogDir(cfg.LogDir), false)
	if err != nil {
		return 1
	}

	if len(cfg.SupervisorArgs) == 0 {
		return 1
	}
	cmd := exec.Command(cfg.SupervisorArgs[0], cfg.SupervisorArgs[1:]...)
	cmd.Stdin = devNull
	cmd.Stdout = proctorLogs.Stdout.Current()
	cmd.Stderr = proctorLogs.Stderr.Current()
	cmd.ExtraFiles = []*os.File{handoff}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", HandoffFDEnv, 3))
	cmd.Dir = "."

	if err := cmd.Start(); err != nil {
		handoff.Write([]byte{'1'})
		return 1
	}
	return 0
}

// Kill implements --kill mode: signal the process group named in
// pgroupFile, escalating from SIGTERM to SIGKILL, and report
// residual processes if the group could not be fully terminated.
func Kill(pgroupFile string) int {
	if err := pgroup.Kill(pgroupFile); err != nil {
		fmt.Fprintf(os.Stderr, "launcher: %s\n", err)
		return 1
	}
	return 0
}
