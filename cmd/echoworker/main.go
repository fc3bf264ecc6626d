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

// Command echoworker requests a shared TCP listener from the broker
// and echoes back whatever any client sends it, one connection at a
// time per accept. It exercises scenario S1 of the control socket.
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"

	"github.com/tectonic-sh/tectonic/client"
)

func main() {
	fs := flag.NewFlagSet("echoworker", flag.ExitOnError)
	host := fs.String("host", "0.0.0.0", "host to listen on")
	port := fs.Int("port", 9998, "port to listen on")
	listen := fs.Int("listen", 128, "listen backlog")
	fs.Parse(os.Args[1:])

	sockPath := os.Getenv(client.SockPathEnv)
	if sockPath == "" {
		sockPath = client.DefaultPath
	}

	logger := log.New(os.Stderr, "echoworker: ", log.Lshortfile)

	f, boundPort, err := client.RequestTCPListener(sockPath, *host, *port, *listen)
	if err != nil {
		logger.Fatalf("requesting listener: %s", err)
	}
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		logger.Fatalf("net.FileListener: %s", err)
	}
	logger.Printf("listening on %s:%d", *host, boundPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Fatalf("accept: %s", err)
		}
		logger.Printf("accepted %s", conn.RemoteAddr())
		go echo(logger, conn)
	}
}

func echo(logger *log.Logger, conn net.Conn) {
	defer conn.Close()
	if _, err := io.Copy(conn, conn); err != nil && err != io.EOF {
		logger.Printf("echo: %s", err)
	}
}
