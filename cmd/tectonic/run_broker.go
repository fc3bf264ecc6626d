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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tectonic-sh/tectonic/broker"
)

// runBroker hands out shared TCP listeners, worker-to-worker channel
// sockets, and rotating log fds to whichever workers ask for them
// over its control socket, until SIGTERM/SIGINT.
func runBroker(args []string) {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	logDir := fs.String("log-dir", "logs", "directory for rotated log files")
	rotateInterval := fs.Duration("rotate-interval", broker.DefaultRotateInterval, "how often to check whether worker logs need rotating")
	sockPath := fs.String("sock", broker.DefaultPath, "control socket path")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "", log.Lshortfile)
	b := broker.New(*sockPath, *logDir,
		broker.WithLogger(logger),
		broker.WithRotateInterval(*rotateInterval))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		b.Shutdown()
	}()

	if err := b.Listen(); err != nil {
		logger.Fatal(err)
	}
}
