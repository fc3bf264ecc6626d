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

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/tectonic-sh/tectonic/broker"
	"github.com/tectonic-sh/tectonic/launcher"
	"github.com/tectonic-sh/tectonic/supervisor"
)

// runSupervisor starts the broker, forks the worker fleet, and
// restarts workers as they exit until the broker dies or it
// receives SIGTERM/SIGINT. If BUREAUCRAT_LAUNCH_PIPE names an
// inherited fd, the Launcher hand-off protocol's '0'/'1' status byte
// is written to it once the broker is confirmed reachable.
func runSupervisor(args []string) {
	fs := flag.NewFlagSet("supervisor", flag.ExitOnError)
	logDir := fs.String("log-dir", "logs", "directory for rotated log files")
	number := fs.Int("number", 1, "number of worker copies to run")
	sockPath := fs.String("sock", broker.DefaultPath, "broker control socket path")
	selfPipe := fs.Bool("self-pipe", true, "use the self-pipe heartbeat variant instead of the canonical SIGCHLD variant")
	handoffTimeout := fs.Duration("handoff-timeout", supervisor.DefaultHandoffTimeout, "how long to wait for the broker to come up")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	workerArgs := fs.Args()
	if len(workerArgs) == 0 {
		fmt.Fprintln(os.Stderr, "supervisor: no worker command given")
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)
	exe, err := os.Executable()
	if err != nil {
		logger.Fatalf("determining own executable: %s", err)
	}

	brokerCmd := []string{exe, "broker", "--log-dir", *logDir, "--sock", *sockPath}
	s := supervisor.New(brokerCmd, supervisor.WorkerSpec{Args: workerArgs, Number: *number}, *logDir, *sockPath, logger)

	if fdStr := os.Getenv(launcher.HandoffFDEnv); fdStr != "" {
		if fd, err := strconv.Atoi(fdStr); err == nil {
			s.Handoff = os.NewFile(uintptr(fd), "<handoff>")
		}
	}

	if *selfPipe {
		err = s.RunSelfPipe(*handoffTimeout)
	} else {
		err = s.RunCanonical(*handoffTimeout)
	}
	if err != nil {
		logger.Fatal(err)
	}
}
