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

// Command pingworker requests a channel to a named partner and pings
// it every half second, printing whatever comes back. Run two
// copies with --identity/--partner swapped to exercise scenario S2
// of the control socket (thing1/thing2 in the historical source).
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/tectonic-sh/tectonic/client"
)

func main() {
	fs := flag.NewFlagSet("pingworker", flag.ExitOnError)
	identity := fs.String("identity", "thing1", "this worker's channel identity")
	partner := fs.String("partner", "thing2", "the peer's channel identity")
	fs.Parse(os.Args[1:])

	sockPath := os.Getenv(client.SockPathEnv)
	if sockPath == "" {
		sockPath = client.DefaultPath
	}

	logger := log.New(os.Stderr, *identity+": ", log.Lshortfile)

	f, err := client.RequestChannel(sockPath, *identity, *partner)
	if err != nil {
		logger.Fatalf("requesting channel to %s: %s", *partner, err)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		logger.Fatalf("net.FileConn: %s", err)
	}
	defer conn.Close()

	buf := make([]byte, 1024)
	ping := []byte(*identity + " ping")
	for {
		logger.Printf("pinging %s", *partner)
		time.Sleep(500 * time.Millisecond)
		if _, err := conn.Write(ping); err != nil {
			logger.Fatalf("write: %s", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			logger.Fatalf("read: %s", err)
		}
		logger.Printf("got %q", buf[:n])
	}
}
